package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/yearscan/internal/crawler"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	require.NotNil(t, f.slots)
	require.Equal(t, 45*time.Second, f.cfg.NavigationTimeout)
	require.Equal(t, "body", f.cfg.WaitSelector)
	require.NotNil(t, f.parser)
}

func TestFetchRespectsCanceledSlotWait(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	require.True(t, f.slots.TryAcquire(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, crawler.PageRequest{Number: 1, URL: "https://example.com/page/1/"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	headers := toNetworkHeaders(http.Header{"X-One": {"a"}, "X-Many": {"a", "b"}, "X-None": {}})
	require.Equal(t, "a", headers["X-One"])
	require.Equal(t, []string{"a", "b"}, headers["X-Many"])
	_, ok := headers["X-None"]
	require.False(t, ok)
}

func TestDocumentResponseKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example.com/app.js"},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 203, URL: "https://example.com/page/2/"},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://example.com/frame"},
	})
	status, target := doc.result("https://req", "https://location")
	require.Equal(t, 203, status)
	require.Equal(t, "https://example.com/page/2/", target)

	status, target = (&documentResponse{}).result("https://req", "https://location")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://location", target)

	_, target = (&documentResponse{}).result("https://req", "")
	require.Equal(t, "https://req", target)
}
