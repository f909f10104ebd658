package fetcher

import (
	"context"

	"github.com/JakeFAU/yearscan/internal/crawler"
)

// Waiter blocks until a fetch of rawURL may proceed.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// RateLimited paces requests through Limiter before delegating to Next.
type RateLimited struct {
	Next    crawler.PageFetcher
	Limiter Waiter
}

// Fetch implements crawler.PageFetcher.
func (r *RateLimited) Fetch(ctx context.Context, req crawler.PageRequest) (crawler.Page, error) {
	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx, req.URL); err != nil {
			return crawler.Page{}, err
		}
	}
	return r.Next.Fetch(ctx, req)
}
