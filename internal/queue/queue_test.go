package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hauworth/mediamill/internal/queue"
	"github.com/hauworth/mediamill/pkg/logger"
)

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

// testOptions returns queue policies tuned for fast tests: aggressive
// polling and near-instant retry backoff.
func testOptions() queue.Options {
	opts := queue.DefaultOptions()
	opts.PollInterval = time.Millisecond * 10
	opts.Retry.Backoff.InitialDelay = time.Millisecond * 5
	return opts
}

func newTestRegistry(t *testing.T, opts queue.Options) *queue.Registry {
	t.Helper()

	mr := miniredis.RunT(t)
	registry := queue.NewRegistry(queue.BrokerConfig{Address: mr.Addr()}, opts)
	t.Cleanup(func() { _ = registry.Close() })

	return registry
}

func TestQueue_Enqueue_SameIdentityKeepsSingleEntry(t *testing.T) {
	registry := newTestRegistry(t, testOptions())
	q, err := registry.GetQueue(context.Background(), "analysis")
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(context.Background(), "metadata-abc", []byte(`{}`), 50))
	require.NoError(t, q.Enqueue(context.Background(), "metadata-abc", []byte(`{}`), 50))

	waiting, _, _, _, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), waiting, "re-enqueueing the same identity should be a benign duplicate")
}

func TestWorker_ProcessesInPriorityOrder(t *testing.T) {
	registry := newTestRegistry(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := registry.GetQueue(ctx, "analysis")
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, "low", []byte(`{}`), 90))
	require.NoError(t, q.Enqueue(ctx, "high", []byte(`{}`), 10))
	require.NoError(t, q.Enqueue(ctx, "mid", []byte(`{}`), 50))

	mu := sync.Mutex{}
	order := []string{}
	worker, err := registry.GetWorker(ctx, "analysis", func(_ context.Context, job *queue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, job.ID)
		return nil
	}, 1)
	require.NoError(t, err)

	go func() { _ = worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second*5, time.Millisecond*10)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestWorker_RetriesUntilAttemptsExhausted(t *testing.T) {
	registry := newTestRegistry(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := registry.GetQueue(ctx, "analysis")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, "doomed", []byte(`{}`), 50))

	mu := sync.Mutex{}
	attempts := 0
	worker, err := registry.GetWorker(ctx, "analysis", func(_ context.Context, _ *queue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("probe exploded")
	}, 1)
	require.NoError(t, err)

	go func() { _ = worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, _, _, failed, err := q.Counts(ctx)
		return err == nil && failed == 1
	}, time.Second*5, time.Millisecond*10)

	// Allow a few more poll cycles to prove no fourth attempt happens.
	time.Sleep(time.Millisecond * 100)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)

	job, err := q.Job(ctx, "doomed")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Contains(t, job.LastError, "probe exploded")
}

func TestWorker_PanicIsAFailedAttempt(t *testing.T) {
	registry := newTestRegistry(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := registry.GetQueue(ctx, "analysis")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, "flaky", []byte(`{}`), 50))

	mu := sync.Mutex{}
	attempts := 0
	worker, err := registry.GetWorker(ctx, "analysis", func(_ context.Context, _ *queue.Job) error {
		mu.Lock()
		attempts++
		current := attempts
		mu.Unlock()

		if current == 1 {
			panic("handler blew up")
		}
		return nil
	}, 1)
	require.NoError(t, err)

	go func() { _ = worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := q.Job(ctx, "flaky")
		return err == nil && job.State == queue.StateCompleted
	}, time.Second*5, time.Millisecond*10)

	job, err := q.Job(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
}

func TestQueue_CompletedRetentionByCount(t *testing.T) {
	opts := testOptions()
	opts.Retention.CompletedCount = 2
	opts.Retention.CompletedAge = time.Hour * 24

	registry := newTestRegistry(t, opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := registry.GetQueue(ctx, "analysis")
	require.NoError(t, err)

	worker, err := registry.GetWorker(ctx, "analysis", func(_ context.Context, _ *queue.Job) error {
		return nil
	}, 1)
	require.NoError(t, err)
	go func() { _ = worker.Run(ctx) }()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(ctx, id, []byte(`{}`), 50))
	}

	require.Eventually(t, func() bool {
		waiting, delayed, completed, _, err := q.Counts(ctx)
		return err == nil && waiting == 0 && delayed == 0 && completed == 2
	}, time.Second*5, time.Millisecond*10)

	// Trimmed job records are gone, not just unlisted.
	_, err = q.Job(ctx, "a")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestRegistry_GetQueueIsMemoized(t *testing.T) {
	registry := newTestRegistry(t, testOptions())

	first, err := registry.GetQueue(context.Background(), "analysis")
	require.NoError(t, err)

	second, err := registry.GetQueue(context.Background(), "analysis")
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := registry.GetQueue(context.Background(), "other")
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

func TestRegistry_UnreachableBrokerIsFatal(t *testing.T) {
	registry := queue.NewRegistry(queue.BrokerConfig{Address: "localhost:1"}, testOptions())

	_, err := registry.GetQueue(context.Background(), "analysis")
	require.Error(t, err)

	connErr := &queue.ConnectionError{}
	assert.ErrorAs(t, err, &connErr)
	assert.Equal(t, "localhost:1", connErr.Addr)
}
