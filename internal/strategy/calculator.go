// Package strategy implements opportunity detection for cross-venue
// arbitrage: the pure calculator that walks paired books, the detection
// loop that drives it from market updates, and the adaptive threshold.
package strategy

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// AbsoluteFloorPct is the sanity floor on net profit: candidates below it
// are never emitted, even for rebalancing uses.
var AbsoluteFloorPct = decimal.RequireFromString("0.01")

// Input is everything the calculator needs. The calculator is a pure
// function of this value: no I/O, no clocks, no randomness.
type Input struct {
	Symbol string
	// Books maps venue → book snapshot for Symbol.
	Books map[string]types.OrderBook
	// Fees maps venue → fee schedule.
	Fees         map[string]types.FeeSchedule
	UseTakerFees bool

	GlobalMinProfitPct decimal.Decimal
	PairMinProfitPct   map[string]decimal.Decimal

	// Balances maps venue → balances. Optional: when nil, no balance caps
	// are applied.
	Balances              map[string][]types.Balance
	SafeBalanceMultiplier decimal.Decimal

	// DustFloor discards volumes at or below it. Zero disables the check
	// beyond the plain volume > 0 requirement.
	DustFloor decimal.Decimal

	IsSandbox bool
	Now       time.Time
}

// EffectiveThreshold returns the per-symbol override if present, else the
// global threshold.
func (in Input) EffectiveThreshold() decimal.Decimal {
	if t, ok := in.PairMinProfitPct[in.Symbol]; ok {
		return t
	}
	return in.GlobalMinProfitPct
}

// div is the calculator's division: half-even at 12 fractional digits.
func div(a, b decimal.Decimal) decimal.Decimal {
	return a.Div(b).RoundBank(12)
}

// Evaluate returns the best candidate across all ordered venue pairs that
// clears the absolute floor. The configured profit threshold is NOT applied
// here; BestOpportunity layers it on top, and the passive-rebalance path
// deliberately skips it.
//
// Ties on netPct break by larger volume, then lexicographic (buy, sell).
func Evaluate(in Input) (types.Opportunity, bool) {
	venues := make([]string, 0, len(in.Books))
	for v := range in.Books {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	var best types.Opportunity
	found := false

	for _, buyVenue := range venues {
		for _, sellVenue := range venues {
			if buyVenue == sellVenue {
				continue
			}
			cand, ok := evaluatePair(in, buyVenue, sellVenue)
			if !ok {
				continue
			}
			if !found || better(cand, best) {
				best = cand
				found = true
			}
		}
	}
	return best, found
}

// BestOpportunity is Evaluate plus the configured threshold (per-symbol
// override, else global).
func BestOpportunity(in Input) (types.Opportunity, bool) {
	opp, ok := Evaluate(in)
	if !ok {
		return types.Opportunity{}, false
	}
	if opp.NetPct.LessThan(in.EffectiveThreshold()) {
		return types.Opportunity{}, false
	}
	return opp, true
}

// better reports whether a beats b under the ordering:
// netPct desc, volume desc, (buyVenue, sellVenue) asc.
func better(a, b types.Opportunity) bool {
	if !a.NetPct.Equal(b.NetPct) {
		return a.NetPct.GreaterThan(b.NetPct)
	}
	if !a.Volume.Equal(b.Volume) {
		return a.Volume.GreaterThan(b.Volume)
	}
	if a.BuyVenue != b.BuyVenue {
		return a.BuyVenue < b.BuyVenue
	}
	return a.SellVenue < b.SellVenue
}

func evaluatePair(in Input, buyVenue, sellVenue string) (types.Opportunity, bool) {
	buyBook, okB := in.Books[buyVenue]
	sellBook, okS := in.Books[sellVenue]
	if !okB || !okS || len(buyBook.Asks) == 0 || len(sellBook.Bids) == 0 {
		return types.Opportunity{}, false
	}
	buyFees, okB := in.Fees[buyVenue]
	sellFees, okS := in.Fees[sellVenue]
	if !okB || !okS {
		return types.Opportunity{}, false
	}

	// Uncapped walk determines the liquidity-feasible volume.
	volume, buyVWAP, sellVWAP := walk(buyBook.Asks, sellBook.Bids, decimal.Decimal{})
	if !volume.IsPositive() {
		return types.Opportunity{}, false
	}

	base, quote := venue.SplitSymbol(in.Symbol)

	// Balance caps, when balances were supplied.
	if in.Balances != nil {
		buyCap := div(freeBalance(in.Balances[buyVenue], quote).Mul(in.SafeBalanceMultiplier), buyVWAP)
		sellCap := freeBalance(in.Balances[sellVenue], base).Mul(in.SafeBalanceMultiplier)
		capped := decimal.Min(volume, buyCap, sellCap)
		if !capped.IsPositive() || capped.LessThanOrEqual(in.DustFloor) {
			return types.Opportunity{}, false
		}
		if capped.LessThan(volume) {
			// Re-walk at the capped volume so the VWAPs reflect only the
			// levels actually consumed.
			volume, buyVWAP, sellVWAP = walk(buyBook.Asks, sellBook.Bids, capped)
			if !volume.IsPositive() {
				return types.Opportunity{}, false
			}
		}
	} else if volume.LessThanOrEqual(in.DustFloor) {
		return types.Opportunity{}, false
	}

	grossPct := div(sellVWAP.Sub(buyVWAP), buyVWAP).Mul(decimal.NewFromInt(100))

	buyFee := buyFees.Rate(in.UseTakerFees)
	sellFee := sellFees.Rate(in.UseTakerFees)
	hundred := decimal.NewFromInt(100)
	netPct := grossPct.Sub(buyFee.Mul(hundred)).Sub(sellFee.Mul(hundred))

	if netPct.LessThan(AbsoluteFloorPct) {
		return types.Opportunity{}, false
	}

	return types.Opportunity{
		Symbol:    in.Symbol,
		Base:      base,
		Quote:     quote,
		BuyVenue:  buyVenue,
		SellVenue: sellVenue,
		BuyPrice:  buyVWAP,
		SellPrice: sellVWAP,
		Volume:    volume,
		BuyFee:    buyFee,
		SellFee:   sellFee,
		GrossPct:  grossPct,
		NetPct:    netPct,
		Timestamp: in.Now,
		IsSandbox: in.IsSandbox,
	}, true
}

// Revalue recomputes net profit for an already signalled opportunity against
// fresh books, bounded at the signalled volume. Used by the dispatcher's
// slippage gate just before execution. ok is false when the books no longer
// support any volume.
func Revalue(opp types.Opportunity, buyBook, sellBook types.OrderBook) (decimal.Decimal, bool) {
	volume, buyVWAP, sellVWAP := walk(buyBook.Asks, sellBook.Bids, opp.Volume)
	if !volume.IsPositive() {
		return decimal.Zero, false
	}
	hundred := decimal.NewFromInt(100)
	grossPct := div(sellVWAP.Sub(buyVWAP), buyVWAP).Mul(hundred)
	netPct := grossPct.Sub(opp.BuyFee.Mul(hundred)).Sub(opp.SellFee.Mul(hundred))
	return netPct, true
}

// walk consumes asks (ascending) and bids (descending) simultaneously,
// accumulating quantity until the next prices cross or maxVolume is
// reached. maxVolume zero means unbounded. Returns the consumed volume and
// the volume-weighted average price on each side.
func walk(asks, bids []types.PriceLevel, maxVolume decimal.Decimal) (volume, buyVWAP, sellVWAP decimal.Decimal) {
	bounded := maxVolume.IsPositive()

	ai, bi := 0, 0
	askRem := decimal.Zero
	bidRem := decimal.Zero
	if len(asks) > 0 {
		askRem = asks[0].Quantity
	}
	if len(bids) > 0 {
		bidRem = bids[0].Quantity
	}

	volume = decimal.Zero
	buyNotional := decimal.Zero
	sellNotional := decimal.Zero

	for ai < len(asks) && bi < len(bids) {
		askPrice := asks[ai].Price
		bidPrice := bids[bi].Price
		if askPrice.GreaterThan(bidPrice) {
			break
		}

		take := decimal.Min(askRem, bidRem)
		if bounded {
			room := maxVolume.Sub(volume)
			if take.GreaterThan(room) {
				take = room
			}
		}
		if take.IsPositive() {
			volume = volume.Add(take)
			buyNotional = buyNotional.Add(take.Mul(askPrice))
			sellNotional = sellNotional.Add(take.Mul(bidPrice))
			askRem = askRem.Sub(take)
			bidRem = bidRem.Sub(take)
		}
		if bounded && volume.GreaterThanOrEqual(maxVolume) {
			break
		}

		if askRem.IsZero() {
			ai++
			if ai < len(asks) {
				askRem = asks[ai].Quantity
			}
		}
		if bidRem.IsZero() {
			bi++
			if bi < len(bids) {
				bidRem = bids[bi].Quantity
			}
		}
	}

	if !volume.IsPositive() {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	return volume, div(buyNotional, volume), div(sellNotional, volume)
}

func freeBalance(balances []types.Balance, asset string) decimal.Decimal {
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return decimal.Zero
}
