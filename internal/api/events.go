package api

import (
	"time"

	"crossarb/internal/settings"
	"crossarb/internal/strategy"
	"crossarb/pkg/types"
)

// Event is the envelope pushed to WebSocket consumers.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Event types pushed on the stream.
const (
	EventOpportunity      = "opportunity"
	EventTransaction      = "transaction"
	EventSettingsChange   = "settings_change"
	EventConnectionStatus = "connection_status"
	EventStrategyUpdate   = "strategy_update"
	EventRebalance        = "rebalance_proposal"
	EventSafetyTrip       = "safety_trip"
)

func opportunityEvent(opp types.Opportunity) Event {
	return Event{Type: EventOpportunity, Timestamp: time.Now(), Data: opp}
}

func transactionEvent(tx types.Transaction) Event {
	return Event{Type: EventTransaction, Timestamp: time.Now(), Data: tx}
}

func settingsEvent(s settings.Settings) Event {
	return Event{Type: EventSettingsChange, Timestamp: time.Now(), Data: s}
}

func connectionEvent(cs types.ConnectionStatus) Event {
	return Event{Type: EventConnectionStatus, Timestamp: time.Now(), Data: cs}
}

func strategyEvent(u strategy.StrategyUpdate) Event {
	return Event{Type: EventStrategyUpdate, Timestamp: time.Now(), Data: u}
}

func rebalanceEvent(p types.RebalanceProposal) Event {
	return Event{Type: EventRebalance, Timestamp: time.Now(), Data: p}
}

func safetyEvent(reason string) Event {
	return Event{
		Type:      EventSafetyTrip,
		Timestamp: time.Now(),
		Data:      map[string]string{"reason": reason},
	}
}
