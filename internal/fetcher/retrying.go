package fetcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/crawler"
	"github.com/JakeFAU/yearscan/internal/metrics"
)

// Retrying re-issues failed fetches while Policy allows it.
type Retrying struct {
	Next   crawler.PageFetcher
	Policy crawler.RetryPolicy
	Logger *zap.Logger

	// sleep is replaced in tests.
	sleep func(context.Context, time.Duration) error
}

// NewRetrying wraps next with policy.
func NewRetrying(next crawler.PageFetcher, policy crawler.RetryPolicy, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{Next: next, Policy: policy, Logger: logger, sleep: sleepContext}
}

// Fetch implements crawler.PageFetcher. The last error is returned once the
// policy gives up.
func (r *Retrying) Fetch(ctx context.Context, req crawler.PageRequest) (crawler.Page, error) {
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for attempt := 0; ; attempt++ {
		page, err := r.Next.Fetch(ctx, req)
		if err == nil {
			return page, nil
		}
		if r.Policy == nil || !r.Policy.ShouldRetry(err, attempt) {
			return crawler.Page{}, err
		}
		delay := r.Policy.Backoff(attempt)
		metrics.ObserveFetchRetry(req.URL)
		if r.Logger != nil {
			r.Logger.Debug("retrying page fetch",
				zap.String("session_id", req.SessionID),
				zap.Int("page", req.Number),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return crawler.Page{}, fmt.Errorf("retry backoff: %w", serr)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
