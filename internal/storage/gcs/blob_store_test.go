package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type upload struct {
	path  string
	name  string
	query string
	body  string
}

// fakeGCS answers the JSON API multipart upload used by small writes.
func fakeGCS(t *testing.T, status int) (*storage.Client, func() []upload) {
	t.Helper()

	var mu sync.Mutex
	var uploads []upload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		uploads = append(uploads, upload{path: r.URL.Path, name: r.URL.Query().Get("name"), query: r.URL.RawQuery, body: string(body)})
		mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, `{"error":{"code":403,"message":"denied"}}`, status)
			return
		}
		_, _ = fmt.Fprintf(w, `{"name":%q,"bucket":"reports"}`, r.URL.Query().Get("name"))
	}))
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, func() []upload {
		mu.Lock()
		defer mu.Unlock()
		return append([]upload(nil), uploads...)
	}
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	client, uploads := fakeGCS(t, http.StatusOK)
	store, err := New(client, Config{Bucket: "reports"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/yearscan/s-1/report.json", "application/json", strings.NewReader(`{"status":"found"}`))
	require.NoError(t, err)
	require.Equal(t, "gs://reports/yearscan/s-1/report.json", uri)

	got := uploads()
	require.Len(t, got, 1)
	require.Contains(t, got[0].path, "/upload/storage/v1/b/reports/o")
	require.Equal(t, "yearscan/s-1/report.json", got[0].name)
	require.Contains(t, got[0].body, `{"status":"found"}`)
	require.Contains(t, got[0].body, "application/json")
	require.NoError(t, store.Close())
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	client, _ := fakeGCS(t, http.StatusForbidden)
	store, err := New(client, Config{Bucket: "reports"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "s-1/report.json", "application/json", strings.NewReader("{}"))
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "reports"})
	require.Error(t, err)

	client, _ := fakeGCS(t, http.StatusOK)
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "reports"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "", "", strings.NewReader(""))
	require.Error(t, err)
}
