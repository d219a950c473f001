package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hauworth/mediamill/pkg/logger"
)

// Handler is the function a worker invokes for every claimed job. A nil
// return transitions the job to completed; any error transitions it to
// failed (and back to queued while retry attempts remain).
type Handler func(ctx context.Context, job *Job) error

// Worker pulls jobs from a single queue and executes them with a hard
// concurrency ceiling. Cancelling the Run context stops the worker from
// claiming new jobs immediately, but in-flight jobs are drained rather
// than killed so they can release their scoped resources.
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency int
	wg          sync.WaitGroup
}

func newWorker(queue *Queue, handler Handler, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}

	return &Worker{
		queue:       queue,
		handler:     handler,
		concurrency: concurrency,
	}
}

func (w *Worker) Queue() *Queue    { return w.queue }
func (w *Worker) Concurrency() int { return w.concurrency }

// Run blocks until the provided context is cancelled and all in-flight
// jobs have concluded.
func (w *Worker) Run(ctx context.Context) error {
	log.Emit(logger.NEW, "Starting worker for queue %s with concurrency %d\n", w.queue.Name(), w.concurrency)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func(slot int) {
			defer w.wg.Done()
			w.runLoop(ctx, slot)
		}(i)
	}

	w.wg.Wait()
	log.Emit(logger.STOP, "Worker for queue %s has stopped\n", w.queue.Name())
	return nil
}

func (w *Worker) runLoop(ctx context.Context, slot int) {
	ticker := time.NewTicker(w.queue.Options().PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			job, err := w.queue.dequeue(ctx)
			if err != nil {
				log.Errorf("Worker slot %d for queue %s failed to dequeue: %s\n", slot, w.queue.Name(), err)
				break
			}
			if job == nil {
				break
			}

			w.execute(ctx, job)

			// Re-check for shutdown between jobs so a busy queue cannot
			// starve the stop signal.
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// execute runs the handler for a claimed job and records the outcome. The
// handler is given a context detached from the worker's run context: a
// shutdown must not kill the job mid-flight, it only prevents new claims.
func (w *Worker) execute(ctx context.Context, job *Job) {
	log.Debugf("Worker for queue %s executing %s\n", w.queue.Name(), job)

	jobCtx := context.WithoutCancel(ctx)
	jobErr := w.invokeHandler(jobCtx, job)

	var err error
	if jobErr != nil {
		err = w.queue.markFailed(jobCtx, job, jobErr)
	} else {
		err = w.queue.markCompleted(jobCtx, job)
	}
	if err != nil {
		log.Errorf("Failed to record outcome of %s: %s\n", job, err)
	}
}

// invokeHandler shields the worker loop from panicking handlers; a panic
// is treated as a failed attempt.
func (w *Worker) invokeHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()

	return w.handler(ctx, job)
}
