package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return newQueue("analysis", client, opts)
}

func TestQueue_ReenqueuedJobSurvivesRetentionTrim(t *testing.T) {
	opts := DefaultOptions()
	opts.Retention.CompletedCount = 1
	opts.Retention.CompletedAge = 24 * time.Hour

	q := newTestQueue(t, opts)
	ctx := context.Background()

	// First run of the identity completes normally.
	require.NoError(t, q.Enqueue(ctx, "metadata-asset-1", []byte(`{"n":1}`), 50))
	job, err := q.dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.markCompleted(ctx, job))

	// The same identity is dispatched again while a second job finishes,
	// pushing the completed set through its count-based trim. The trim must
	// not garbage collect the record of the now-waiting job.
	require.NoError(t, q.Enqueue(ctx, "metadata-asset-1", []byte(`{"n":2}`), 50))
	require.NoError(t, q.Enqueue(ctx, "metadata-asset-2", []byte(`{}`), 10))

	other, err := q.dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, other)
	require.Equal(t, "metadata-asset-2", other.ID)
	require.NoError(t, q.markCompleted(ctx, other))

	job, err = q.dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job, "re-dispatched job lost its record to retention trimming")
	assert.Equal(t, "metadata-asset-1", job.ID)
	assert.Equal(t, StateActive, job.State)
	assert.JSONEq(t, `{"n":2}`, string(job.Payload))
}
