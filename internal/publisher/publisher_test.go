package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rag-pipeline/internal/progress"
	"github.com/JakeFAU/rag-pipeline/internal/publisher/memory"
)

func TestSinkPublishesEachEvent(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewSink(pub, "source-progress", nil)
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SourceID: "a", Status: progress.StatusProgress, Current: 1, TS: now},
		{SourceID: "a", Status: progress.StatusReady, TS: now},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "source-progress", msgs[0].Topic)
	require.Equal(t, progress.StatusReady, msgs[1].Payload.(progress.Event).Status)
	require.NoError(t, sink.Close(context.Background()))
}

func TestSinkJoinsPublishFailures(t *testing.T) {
	t.Parallel()

	pub := &flakyPublisher{failFor: "b"}
	sink := NewSink(pub, "topic", nil)

	err := sink.Consume(context.Background(), []progress.Event{
		{SourceID: "a", Status: progress.StatusReady},
		{SourceID: "b", Status: progress.StatusError},
		{SourceID: "c", Status: progress.StatusReady},
	})
	require.Error(t, err)
	require.ErrorContains(t, err, "error event for b")
	require.Equal(t, 2, pub.sent)
}

func TestSinkClosesOwnedPublisher(t *testing.T) {
	t.Parallel()

	pub := &flakyPublisher{closeErr: errors.New("already closed")}
	require.ErrorContains(t, NewSink(pub, "topic", nil).Close(context.Background()), "already closed")
}

type flakyPublisher struct {
	failFor  string
	closeErr error
	sent     int
}

func (f *flakyPublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	if payload.(progress.Event).SourceID == f.failFor {
		return "", errors.New("deadline exceeded")
	}
	f.sent++
	return "id", nil
}

func (f *flakyPublisher) Close() error { return f.closeErr }
