package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

func TestBlobStoreRoundTripCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://path/page.html", uri)

	payload[0] = 'C'
	got, err := store.GetObject(context.Background(), uri)
	require.NoError(t, err)
	require.Equal(t, "content", string(got))

	got[0] = 'X'
	again, err := store.GetObject(context.Background(), uri)
	require.NoError(t, err)
	require.Equal(t, "content", string(again))
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreErrors(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
	_, err = store.GetObject(context.Background(), "memory://missing")
	require.ErrorIs(t, err, knowledge.ErrNotFound)
	_, err = store.GetObject(context.Background(), "gs://bucket/x")
	require.Error(t, err)
}
