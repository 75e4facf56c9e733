package hub

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"crossarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func opp(symbol, id string) types.Opportunity {
	return types.Opportunity{ID: id, Symbol: symbol}
}

func TestSignalQueueCoalescesPerSymbol(t *testing.T) {
	t.Parallel()

	q := NewSignalQueue()
	q.Push(opp("BTCUSDT", "a"))
	q.Push(opp("ETHUSDT", "b"))
	q.Push(opp("BTCUSDT", "c")) // replaces "a"

	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}

	ctx := context.Background()
	first, ok := q.Pop(ctx)
	if !ok || first.Symbol != "BTCUSDT" || first.ID != "c" {
		t.Errorf("first = %+v, want coalesced BTCUSDT/c", first)
	}
	second, ok := q.Pop(ctx)
	if !ok || second.Symbol != "ETHUSDT" || second.ID != "b" {
		t.Errorf("second = %+v, want ETHUSDT/b", second)
	}
}

func TestSignalQueuePopBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := NewSignalQueue()
	got := make(chan types.Opportunity, 1)

	go func() {
		o, ok := q.Pop(context.Background())
		if ok {
			got <- o
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(opp("BTCUSDT", "x"))

	select {
	case o := <-got:
		if o.ID != "x" {
			t.Errorf("popped %q, want x", o.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Push")
	}
}

func TestSignalQueuePopCancels(t *testing.T) {
	t.Parallel()

	q := NewSignalQueue()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)

	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("Pop returned ok after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not return on cancellation")
	}
}

func TestSignalQueueCloseRejectsPush(t *testing.T) {
	t.Parallel()

	q := NewSignalQueue()
	q.Close()
	q.Push(opp("BTCUSDT", "late"))

	if q.Len() != 0 {
		t.Error("push accepted after Close")
	}
	if _, ok := q.Pop(context.Background()); ok {
		t.Error("Pop returned a signal from a closed empty queue")
	}
}

func TestUpdateStreamDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	s := newUpdateStream(testLogger())
	for i := 0; i < marketUpdateBuffer; i++ {
		s.Publish(types.MarketUpdate{Venue: "old", Symbol: "BTCUSDT"})
	}
	s.Publish(types.MarketUpdate{Venue: "new", Symbol: "ETHUSDT"})

	// First receive is the second-oldest entry; the newest must still be
	// in the buffer.
	seen := make(map[string]bool)
	for i := 0; i < marketUpdateBuffer; i++ {
		u := <-s.Recv()
		seen[u.Venue] = true
	}
	if !seen["new"] {
		t.Error("newest update was dropped instead of oldest")
	}
}
