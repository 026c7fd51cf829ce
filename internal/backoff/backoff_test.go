package backoff

import (
	"testing"
	"time"
)

func TestDefaultMonotonicUntilCap(t *testing.T) {
	prevMin := time.Duration(0)
	for attempt := 0; attempt <= 12; attempt++ {
		// sample a few times to account for jitter, take the minimum
		min := 24 * time.Hour
		for i := 0; i < 20; i++ {
			d := Default(attempt)
			if d < min {
				min = d
			}
			if d > 60*time.Second+250*time.Millisecond {
				t.Fatalf("attempt %d produced %s, exceeds cap+jitter", attempt, d)
			}
		}
		if attempt > 0 && attempt <= 10 && min+250*time.Millisecond < prevMin {
			t.Fatalf("backoff should not shrink as attempt increases below cap: attempt=%d min=%s prevMin=%s", attempt, min, prevMin)
		}
		prevMin = min
	}
}

func TestDefaultCapsAtTenAttempts(t *testing.T) {
	d10 := Default(10)
	d20 := Default(20)
	// Both should sit at the 60s base plus jitter; neither dominates reliably
	// due to jitter, but both must respect the overall ceiling.
	if d10 < 60*time.Second || d10 > 60*time.Second+250*time.Millisecond {
		t.Fatalf("attempt=10 expected to hit the cap, got %s", d10)
	}
	if d20 < 60*time.Second || d20 > 60*time.Second+250*time.Millisecond {
		t.Fatalf("attempt=20 expected to hit the cap, got %s", d20)
	}
}

func TestDefaultNegativeAttemptClampsToZero(t *testing.T) {
	d := Default(-5)
	if d < 250*time.Millisecond || d > 500*time.Millisecond {
		t.Fatalf("negative attempt should behave like attempt=0, got %s", d)
	}
}

func TestPollLoopBackoffConfigured(t *testing.T) {
	b := PollLoopBackoff()
	if b.MaxElapsedTime != 0 {
		t.Fatalf("poll loop backoff must never give up, got MaxElapsedTime=%s", b.MaxElapsedTime)
	}
	if b.InitialInterval <= 0 || b.MaxInterval <= 0 {
		t.Fatalf("poll loop backoff must have positive intervals")
	}
}
