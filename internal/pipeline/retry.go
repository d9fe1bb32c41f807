package pipeline

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Retryer decides how long to wait before the next attempt.
type Retryer interface {
	// NextDelay returns the delay before retry number attempt (0-based)
	// and whether another attempt is allowed.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called after a success.
	Reset()
}

// ExponentialBackoffRetryer implements bounded exponential backoff with jitter.
type ExponentialBackoffRetryer struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries of 0 retries forever.
	MaxRetries   int
	JitterFactor float64
}

// NewExponentialBackoffRetryer returns a retryer with the pipeline defaults.
func NewExponentialBackoffRetryer(maxRetries int, initial, max time.Duration) *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   2.0,
		MaxRetries:   maxRetries,
		JitterFactor: 0.2,
	}
}

func (r *ExponentialBackoffRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	if r.JitterFactor > 0 {
		//nolint:gosec // jitter only
		delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}
	return time.Duration(delay), true
}

func (r *ExponentialBackoffRetryer) Reset() {}

// FixedDelayRetryer waits the same delay between attempts.
type FixedDelayRetryer struct {
	Delay      time.Duration
	MaxRetries int
}

func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{Delay: delay, MaxRetries: maxRetries}
}

func (r *FixedDelayRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

func (r *FixedDelayRetryer) Reset() {}

// Retry runs op until it succeeds, returns a non-transient error, the retryer gives up,
// or ctx is done. The last error is returned as-is.
func Retry(ctx context.Context, r Retryer, what string, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			r.Reset()
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		delay, ok := r.NextDelay(attempt, err)
		if !ok {
			return err
		}
		log.Warn().Err(err).Str("op", what).Int("attempt", attempt+1).Dur("backoff", delay).Msg("retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
