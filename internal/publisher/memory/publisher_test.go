package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "items", map[string]string{"url": "https://example.com/a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "sessions", "done")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "items", msgs[0].Topic)
	require.JSONEq(t, `{"url":"https://example.com/a"}`, string(msgs[0].Data))
	require.Len(t, pub.Topic("sessions"), 1)

	msgs[0].Topic = "modified"
	require.Equal(t, "items", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestPublisherFailure(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("unavailable")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "items", "x")
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "items", "x")
	require.NoError(t, err)
}
