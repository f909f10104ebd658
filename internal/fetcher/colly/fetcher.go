// Package collyfetcher fetches listing pages over plain HTTP using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/yearscan/internal/crawler"
	"github.com/JakeFAU/yearscan/internal/listing"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// Headers are added to every page request.
	Headers http.Header
}

// Fetcher implements crawler.PageFetcher on top of a Colly collector.
type Fetcher struct {
	cfg    Config
	base   *colly.Collector
	robots *robotsAwareTransport
	parser *listing.Parser
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// pageCapture accumulates what the hooks observe during one visit.
type pageCapture struct {
	finalURL string
	status   int
	body     []byte
	err      error
}

// New builds a Fetcher. A nil parser selects listing.Default().
func New(cfg Config, parser *listing.Parser) *Fetcher {
	if parser == nil {
		parser = listing.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	robots := &robotsAwareTransport{base: newHTTPTransport()}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(robots)

	return &Fetcher{cfg: cfg, base: c, robots: robots, parser: parser}
}

// Fetch downloads one listing page and parses its entries. Client errors other
// than 408 and 429 come back as *crawler.PermanentError so retry decorators
// leave them alone.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.PageRequest) (crawler.Page, error) {
	collector := f.base.Clone()
	capture := &pageCapture{}
	f.configureCollectorHooks(collector, capture)

	start := time.Now()
	visitErr, ctxErr := runCollector(ctx, collector, req.URL)
	if ctxErr != nil {
		// The visit goroutine may still write to capture.
		return crawler.Page{}, ctxErr
	}
	if capture.err == nil {
		capture.err = visitErr
	}
	if capture.err != nil {
		return crawler.Page{}, classify(req.URL, capture.status, capture.err)
	}

	base, err := url.Parse(capture.finalURL)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("parse final url: %w", err)
	}
	entries, err := f.parser.ParseHTML(capture.body, base)
	if err != nil {
		return crawler.Page{}, err
	}
	return crawler.Page{
		Number:     req.Number,
		URL:        capture.finalURL,
		StatusCode: capture.status,
		Entries:    entries,
		Body:       capture.body,
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, capture *pageCapture) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		capture.finalURL = r.Request.URL.String()
		capture.status = r.StatusCode
		capture.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			capture.status = r.StatusCode
		}
		capture.err = err
	})
}

// runCollector returns the visit error, or a non-nil ctxErr when ctx ended
// before the visit finished.
func runCollector(ctx context.Context, collector *colly.Collector, target string) (visitErr, ctxErr error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err), nil
		}
		return nil, nil
	}
}

func classify(target string, status int, err error) error {
	if errors.Is(err, colly.ErrRobotsTxtBlocked) {
		return &crawler.PermanentError{Err: fmt.Errorf("fetch %s: %w", target, err)}
	}
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return &crawler.PermanentError{StatusCode: status, Err: fmt.Errorf("fetch %s: %w", target, err)}
	}
	if status > 0 {
		return fmt.Errorf("fetch %s: status %d: %w", target, status, err)
	}
	return fmt.Errorf("fetch %s: %w", target, err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
