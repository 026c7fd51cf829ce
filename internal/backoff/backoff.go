// Package backoff implements the retry-delay policy used by abandon() and
// the polling loop's error backoff. The default policy is a capped
// exponential curve with jitter: delay = min(60s, 0.25s * 2^min(attempt,10)),
// plus up to 250ms of random jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
)

// Policy computes the delay before retrying the given attempt number
// (1-indexed: the first retry is attempt 1).
type Policy func(attempt int) time.Duration

// Default implements delay(attempt) = min(60s, 0.25s * 2^min(attempt,10)) +
// uniform_random(0..250ms).
func Default(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	capped := attempt
	if capped > 10 {
		capped = 10
	}
	base := 250 * time.Millisecond * time.Duration(math.Pow(2, float64(capped)))
	if base > 60*time.Second {
		base = 60 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	return base + jitter
}

// PollLoopBackoff returns a cenkalti/backoff ExponentialBackOff tuned for
// the polling loop's own tick-failure recovery (distinct from per-message
// retry above): short initial interval, capped growth, no max elapsed time
// since the loop runs until canceled.
func PollLoopBackoff() *cenkalti.ExponentialBackOff {
	b := cenkalti.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // never give up; the loop retries until canceled
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return b
}
