package fetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/crawler"
	"github.com/JakeFAU/yearscan/internal/metrics"
)

// Promoting fetches with Probe first and re-fetches with Headless when the
// detector judges the probe to be an unrendered shell.
type Promoting struct {
	Probe    crawler.PageFetcher
	Headless crawler.PageFetcher
	Detector crawler.HeadlessDetector
	Logger   *zap.Logger
}

// Fetch implements crawler.PageFetcher. A failed headless fetch falls back to
// the probe page.
func (p *Promoting) Fetch(ctx context.Context, req crawler.PageRequest) (crawler.Page, error) {
	page, err := p.Probe.Fetch(ctx, req)
	if err != nil || p.Headless == nil || p.Detector == nil {
		return page, err
	}
	if !p.Detector.ShouldPromote(page) {
		return page, nil
	}
	metrics.ObserveHeadlessPromotion(req.URL)
	rendered, err := p.Headless.Fetch(ctx, req)
	if err != nil {
		p.logger().Warn("headless fetch failed; keeping probe page",
			zap.String("session_id", req.SessionID),
			zap.Int("page", req.Number),
			zap.Error(err),
		)
		return page, nil
	}
	return rendered, nil
}

func (p *Promoting) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
