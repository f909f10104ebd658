package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"status":"found"}`)
	uri, err := store.PutObject(context.Background(), "reports/s-1/report.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://reports/s-1/report.json", uri)

	payload[0] = '['
	stored, contentType, ok := store.Get("reports/s-1/report.json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	require.Equal(t, `{"status":"found"}`, string(stored))
	require.Equal(t, []string{"reports/s-1/report.json"}, store.Paths())

	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
	_, _, ok = store.Get("missing")
	require.False(t, ok)
}
