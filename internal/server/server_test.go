package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/clock/system"
	"github.com/JakeFAU/yearscan/internal/config"
	"github.com/JakeFAU/yearscan/internal/crawler"
	memorypublisher "github.com/JakeFAU/yearscan/internal/publisher/memory"
)

// yearListing serves three pages per year, newest first, from 2023 down to
// 2020, with two cards per page.
func yearListing(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "blog" || parts[1] != "page" {
			http.NotFound(w, r)
			return
		}
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 1 {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>")
		if n <= 12 {
			year := 2023 - (n-1)/3
			for i := range 2 {
				fmt.Fprintf(w, `<div class="d-tag-card"><a href="/blog/%d/06/%02d/post-%d-%d/">p</a><time datetime="%d-06-%02d">x</time></div>`,
					year, n, n, i, year, n)
			}
		}
		fmt.Fprint(w, "</body></html>")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Crawler.Concurrency = 2
	cfg.Crawler.IgnoreRobots = true
	cfg.HTTP.MaxRetries = 0
	cfg.HTTP.TimeoutSeconds = 5
	cfg.RateLimit.DefaultRPS = 0
	cfg.Logging.Development = false
	cfg.Progress.LogSink = false
	cfg.Storage.Backend = config.StorageLocal
	cfg.Storage.LocalDir = t.TempDir()
	return cfg
}

func TestAppRunsSubmittedSession(t *testing.T) {
	listing := yearListing(t)
	cfg := testConfig(t)

	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	app, err := Build(context.Background(), cfg, zap.NewNop(),
		WithRegisterer(prometheus.NewRegistry()),
		WithClock(system.NewFixed(submitted)),
	)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, ln) }()
	base := "http://" + ln.Addr().String()

	body := fmt.Sprintf(`{"target_year":2021,"base_page_url_template":"%s/blog/page/%%d/"}`, listing.URL)
	resp, err := http.Post(base+"/v1/sessions/custom", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	var accepted struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, accepted.SessionID)

	require.Eventually(t, func() bool {
		record, err := app.Sessions().GetSession(context.Background(), accepted.SessionID)
		return err == nil && record.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/v1/sessions/" + accepted.SessionID + "/result")
	require.NoError(t, err)
	var result crawler.SessionResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NoError(t, resp.Body.Close())

	require.Equal(t, crawler.SessionStatusFound, result.Session.Status)
	require.True(t, result.Session.Submitted.Equal(submitted))
	require.Equal(t, 7, result.Session.Counters.CollectStartPage)
	require.Len(t, result.Items, 6)
	for _, item := range result.Items {
		require.Equal(t, 2021, item.Year)
		require.Contains(t, item.URL, "/blog/2021/")
	}
	require.True(t, strings.HasPrefix(result.Session.ReportURI, "file://"), result.Session.ReportURI)

	pub, ok := app.Publisher().(*memorypublisher.Publisher)
	require.True(t, ok)
	require.Len(t, pub.Topic(cfg.PubSub.SessionsTopic), 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not shut down")
	}
}

func TestBuildFetcherParsesPages(t *testing.T) {
	t.Parallel()

	listing := yearListing(t)
	cfg := testConfig(t)
	cfg.RateLimit.PerHost = []config.HostRate{{Host: "127.0.0.1", RPS: 100}}

	f, err := BuildFetcher(cfg, zap.NewNop())
	require.NoError(t, err)

	page, err := f.Fetch(context.Background(), crawler.PageRequest{Number: 4, URL: listing.URL + "/blog/page/4/"})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.Equal(t, 2022, page.Entries[0].Year)

	page, err = f.Fetch(context.Background(), crawler.PageRequest{Number: 40, URL: listing.URL + "/blog/page/40/"})
	require.NoError(t, err)
	require.Empty(t, page.Entries)
}

func TestBuildFetcherRejectsBadListingPattern(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Listing.ArticlePattern = "("
	_, err := BuildFetcher(cfg, nil)
	require.ErrorContains(t, err, "listing parser")
}

func TestRunFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	cfg := testConfig(t)
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	app, err := Build(context.Background(), cfg, nil, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	err = app.Run(context.Background())
	require.ErrorContains(t, err, "listen on port")
	app.Close(context.Background())
}
