package event_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hauworth/mediamill/internal/event"
	"github.com/hauworth/mediamill/internal/media"
	"github.com/hauworth/mediamill/pkg/logger"
)

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

func TestDispatch_DeliversToChannelHandlers(t *testing.T) {
	bus := event.New()
	received := make(event.HandlerChannel, 2)
	bus.RegisterHandlerChannel(received, event.METADATA_SAVED, event.PURGE_COMPLETE)

	bus.Dispatch(event.METADATA_SAVED, event.MetadataSavedPayload{AssetID: "abc"})
	bus.Dispatch(event.PURGE_COMPLETE, event.PurgeCompletePayload{DeletedCount: 3})

	first := <-received
	assert.Equal(t, event.METADATA_SAVED, first.Event)

	second := <-received
	assert.Equal(t, event.PURGE_COMPLETE, second.Event)
	payload, ok := second.Payload.(event.PurgeCompletePayload)
	require.True(t, ok)
	assert.Equal(t, 3, payload.DeletedCount)
}

func TestDispatch_DeliversToFunctionHandlers(t *testing.T) {
	bus := event.New()

	mu := sync.Mutex{}
	calls := 0
	bus.RegisterHandlerFunction(event.ARTIFACT_SAVED, func(_ event.Event, payload event.Payload) {
		mu.Lock()
		defer mu.Unlock()
		calls++

		artifact, ok := payload.(event.ArtifactSavedPayload)
		require.True(t, ok)
		assert.Equal(t, "derived/abc/thumbnails/320.jpg", artifact.StorageKey)
	})

	bus.Dispatch(event.ARTIFACT_SAVED, event.ArtifactSavedPayload{
		AssetID:    "abc",
		Kind:       "thumbnail",
		StorageKey: "derived/abc/thumbnails/320.jpg",
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestDispatch_AsyncHandlersRunEventually(t *testing.T) {
	bus := event.New()

	done := make(chan struct{})
	bus.RegisterAsyncHandlerFunction(event.METADATA_SAVED, func(_ event.Event, _ event.Payload) {
		close(done)
	})

	bus.Dispatch(event.METADATA_SAVED, event.MetadataSavedPayload{
		AssetID:  "abc",
		Metadata: media.MediaMetadata{},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler was never invoked")
	}
}

func TestDispatch_RejectsMismatchedPayload(t *testing.T) {
	bus := event.New()
	received := make(event.HandlerChannel, 1)
	bus.RegisterHandlerChannel(received, event.METADATA_SAVED)

	// Wrong payload type for the event; validation drops it before any
	// handler sees it.
	bus.Dispatch(event.METADATA_SAVED, event.PurgeCompletePayload{})

	select {
	case <-received:
		t.Fatal("invalid payload should not have been delivered")
	case <-time.After(time.Millisecond * 50):
	}
}
