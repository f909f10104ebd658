// Package headless renders JavaScript listings with a headless browser.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/yearscan/internal/crawler"
	"github.com/JakeFAU/yearscan/internal/listing"
)

const (
	defaultNavTimeout = 45 * time.Second
	settleDelay       = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector is awaited before the DOM is captured. Empty waits for body.
	WaitSelector string
	Headers      http.Header
}

// Fetcher implements crawler.PageFetcher using chromedp.
type Fetcher struct {
	cfg         Config
	slots       *semaphore.Weighted
	parser      *listing.Parser
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher. A nil parser selects listing.Default().
func NewChromedp(cfg Config, parser *listing.Parser) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if parser == nil {
		parser = listing.Default()
	}
	var slots *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		parser:      parser,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser allocator down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates to the page, waits for the listing to render and parses the
// resulting DOM.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.PageRequest) (crawler.Page, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return crawler.Page{}, fmt.Errorf("headless slot wait canceled: %w", err)
		}
		defer f.slots.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	// Tie the tab to the caller's context as well.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		f.prepare(),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("render %s: %w", req.URL, err)
	}

	status, finalURL := doc.result(req.URL, location)
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return crawler.Page{}, &crawler.PermanentError{StatusCode: status, Err: fmt.Errorf("render %s: status %d", req.URL, status)}
	}
	base, err := url.Parse(finalURL)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("parse rendered url: %w", err)
	}
	body := []byte(html)
	entries, err := f.parser.ParseHTML(body, base)
	if err != nil {
		return crawler.Page{}, err
	}
	return crawler.Page{
		Number:       req.Number,
		URL:          finalURL,
		StatusCode:   status,
		Entries:      entries,
		Body:         body,
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) prepare() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// documentResponse records the status and URL of the top-level document.
type documentResponse struct {
	mu     sync.Mutex
	status int
	url    string
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != 0 {
		return
	}
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
}

// result falls back to the browser location and then the requested URL, and
// assumes 200 when no document response was seen.
func (d *documentResponse) result(requested, location string) (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, target := d.status, d.url
	if target == "" {
		target = location
	}
	if target == "" {
		target = requested
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, target
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
