package geocoding

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/EmpoweredVote/EV-Districts/internal/metrics"
)

// Resilient rate-limits calls to the wrapped geocoder and retries
// ErrUnavailable with exponential backoff. Every other error is returned
// at once.
type Resilient struct {
	inner      Geocoder
	limiter    *rate.Limiter
	maxRetries uint64
	initial    time.Duration
}

// NewResilient allows rps requests per second (burst of one second's worth)
// and up to maxRetries retries per address.
func NewResilient(inner Geocoder, rps float64, maxRetries uint64) *Resilient {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	if rps <= 0 {
		lim = rate.NewLimiter(rate.Inf, 1)
	}
	return &Resilient{inner: inner, limiter: lim, maxRetries: maxRetries, initial: 200 * time.Millisecond}
}

func (r *Resilient) Geocode(ctx context.Context, address string) (*Result, error) {
	var out *Result
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(r.initial),
			backoff.WithMaxInterval(5*time.Second),
		), r.maxRetries),
		ctx,
	)
	err := backoff.Retry(func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		res, err := r.inner.Geocode(ctx, address)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				metrics.GeocodeRequests.WithLabelValues("retry").Inc()
				return err
			}
			return backoff.Permanent(err)
		}
		out = res
		return nil
	}, b)

	switch {
	case err == nil:
		metrics.GeocodeRequests.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrNoResults):
		metrics.GeocodeRequests.WithLabelValues("no_results").Inc()
	default:
		metrics.GeocodeRequests.WithLabelValues("error").Inc()
	}
	return out, err
}
