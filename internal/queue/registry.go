package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/hauworth/mediamill/pkg/logger"
)

// ConnectionError indicates the durable broker could not be reached. It is
// fatal at registry creation time and must never be masked.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to job broker at %s: %s", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// BrokerConfig holds the Redis connection details for the job broker.
type BrokerConfig struct {
	Address  string `yaml:"address" env:"BROKER_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"BROKER_PASSWORD"`
	DB       int    `yaml:"db" env:"BROKER_DB" env-default:"0"`
}

// Registry owns the process-wide name→queue and name→worker maps. Queues
// and workers are created lazily and memoized: the same name always yields
// the same live instance, and concurrent first access races resolve to a
// single winner (losers observe the winner's instance, never a duplicate
// connection).
//
// The registry is constructed by the process's startup routine and
// injected into the dispatcher and services; it is not ambient global
// state.
type Registry struct {
	mu sync.Mutex

	config      BrokerConfig
	defaultOpts Options
	client      *redis.Client

	queues  map[string]*Queue
	workers map[string]*Worker
}

func NewRegistry(config BrokerConfig, defaultOpts Options) *Registry {
	return &Registry{
		config:      config,
		defaultOpts: defaultOpts,
		queues:      make(map[string]*Queue),
		workers:     make(map[string]*Worker),
	}
}

// connectLocked dials the broker on first use. Callers must hold the mutex.
func (reg *Registry) connectLocked(ctx context.Context) error {
	if reg.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     reg.config.Address,
		Password: reg.config.Password,
		DB:       reg.config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return &ConnectionError{Addr: reg.config.Address, Err: err}
	}

	reg.client = client
	log.Emit(logger.SUCCESS, "Connected to job broker at %s\n", reg.config.Address)
	return nil
}

// GetQueue returns the queue with the given name, creating it (bound to
// the registry's default policies) on first use. Retrieval is idempotent.
func (reg *Registry) GetQueue(ctx context.Context, name string) (*Queue, error) {
	return reg.GetQueueWithOptions(ctx, name, reg.defaultOpts)
}

// GetQueueWithOptions is GetQueue with explicit policies. The options are
// bound at creation time only: a second caller with different options still
// receives the original instance.
func (reg *Registry) GetQueueWithOptions(ctx context.Context, name string, opts Options) (*Queue, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if err := reg.connectLocked(ctx); err != nil {
		return nil, err
	}

	if q, ok := reg.queues[name]; ok {
		return q, nil
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = reg.defaultOpts.PollInterval
	}

	q := newQueue(name, reg.client, opts)
	reg.queues[name] = q
	log.Emit(logger.NEW, "Created queue %s (maxAttempts=%d, completedRetention=%d/%s, failedRetention=%d/%s)\n",
		name, opts.Retry.MaxAttempts,
		opts.Retention.CompletedCount, opts.Retention.CompletedAge,
		opts.Retention.FailedCount, opts.Retention.FailedAge)

	return q, nil
}

// GetWorker returns the worker bound to the named queue, creating the
// queue and worker on first use. Like GetQueue, retrieval is idempotent;
// the handler and concurrency of the first call win.
func (reg *Registry) GetWorker(ctx context.Context, name string, handler Handler, concurrency int) (*Worker, error) {
	q, err := reg.GetQueue(ctx, name)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if w, ok := reg.workers[name]; ok {
		return w, nil
	}

	w := newWorker(q, handler, concurrency)
	reg.workers[name] = w
	return w, nil
}

// GetScheduler returns a recurring-job scheduler producing onto the named
// queue.
func (reg *Registry) GetScheduler(ctx context.Context, name string) (*Scheduler, error) {
	q, err := reg.GetQueue(ctx, name)
	if err != nil {
		return nil, err
	}

	return newScheduler(q), nil
}

// Close releases the broker connection. Already-durably-enqueued jobs are
// unaffected; they will be picked up by the next process.
func (reg *Registry) Close() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.client == nil {
		return nil
	}

	err := reg.client.Close()
	reg.client = nil
	log.Emit(logger.STOP, "Job broker connection closed\n")
	return err
}
