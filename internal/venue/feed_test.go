package venue

import (
	"testing"
	"time"

	"crossarb/internal/clock"
)

func TestJitterBackoffBounds(t *testing.T) {
	t.Parallel()

	base := 4 * time.Second
	if got := jitterBackoff(base, 0); got != base {
		t.Errorf("jitter at r=0: %s, want %s", got, base)
	}
	upper := base + base/4
	if got := jitterBackoff(base, 0.999); got < base || got >= upper {
		t.Errorf("jitter at r≈1: %s, want in [%s, %s)", got, base, upper)
	}
}

func TestJitterBackoffDeterministicSource(t *testing.T) {
	t.Parallel()

	a, b := clock.NewRand(7), clock.NewRand(7)
	for i := 0; i < 5; i++ {
		if x, y := jitterBackoff(time.Second, a.Float64()), jitterBackoff(time.Second, b.Float64()); x != y {
			t.Fatalf("same seed diverged at step %d: %s vs %s", i, x, y)
		}
	}
}
