package llm

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Andyyyy64/openTiger/internal/logging"
)

// maxBackoff caps a single backoff sleep.
const maxBackoff = 60 * time.Second

// newBackoff returns the transient-failure schedule: base doubling on each
// step up to maxBackoff, with no randomization and no elapsed-time limit.
func newBackoff(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// nextBackoff advances b and adds jitter, capped at maxBackoff.
func nextBackoff(b backoff.BackOff, jitter time.Duration) time.Duration {
	return min(b.NextBackOff()+jitter, maxBackoff)
}

func defaultJitter() time.Duration {
	return rand.N(time.Second)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type attemptFunc func(ctx context.Context, model string) (Result, error)

// policy is the attempt loop around a single backend. Quota waits and the
// model fallback apply only when quotaAware is set; everything else is
// attempt/backoff.
type policy struct {
	backend       string
	cfg           RetryConfig
	quotaAware    bool
	fallbackModel string

	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() time.Duration
	metrics *Metrics
	log     logging.FieldLogger
}

// run executes attempts until success or until no transition applies, and
// returns the last result annotated with the retry count. maxQuotaWaits < 0
// is unbounded. Only transient failures advance the backoff schedule.
func (p *policy) run(ctx context.Context, model string, maxRetries, maxQuotaWaits int, attempt attemptFunc) (Result, error) {
	var (
		attemptIdx   int
		retries      int
		quotaWaits   int
		fallbackUsed bool
	)
	schedule := newBackoff(p.cfg.RetryDelay)
	for {
		res, err := attempt(ctx, model)
		res.RetryCount = retries
		if err != nil || res.Success || ctx.Err() != nil {
			return res, err
		}

		switch {
		case p.quotaAware && p.cfg.QuotaWait && isQuotaExceeded(res) &&
			(maxQuotaWaits < 0 || quotaWaits < maxQuotaWaits):
			quotaWaits++
			delay := quotaDelay(failureText(res), p.cfg.QuotaRetryDelay)
			p.metrics.IncRetry(p.backend, "quota_wait")
			p.log.Warn("quota exceeded, waiting", map[string]any{
				"backend":     p.backend,
				"model":       model,
				"quota_waits": quotaWaits,
				"delay_ms":    delay.Milliseconds(),
			})
			if p.sleep(ctx, delay) != nil {
				return res, nil
			}

		case p.quotaAware && !fallbackUsed && p.fallbackModel != "" && p.fallbackModel != model && isModelNotFound(res):
			fallbackUsed = true
			p.metrics.IncRetry(p.backend, "model_fallback")
			p.log.Warn("model not found, falling back", map[string]any{
				"backend": p.backend,
				"from":    model,
				"to":      p.fallbackModel,
			})
			model = p.fallbackModel

		case attemptIdx < maxRetries && isRetryable(res):
			delay := nextBackoff(schedule, p.jitter())
			attemptIdx++
			retries++
			p.metrics.IncRetry(p.backend, "backoff")
			p.log.Warn("transient failure, backing off", map[string]any{
				"backend":  p.backend,
				"model":    model,
				"attempt":  attemptIdx,
				"delay_ms": delay.Milliseconds(),
			})
			if p.sleep(ctx, delay) != nil {
				return res, nil
			}

		default:
			return res, nil
		}
	}
}
