// Package workqueue runs keyed jobs with bounded concurrency. A job that
// is still queued can be bumped to the front; a key is never queued or
// running twice at once.
package workqueue

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Job does the work for one key. The func it returns, if any, runs after
// the key has been released, so anything it triggers can submit the same
// key again without being deduplicated against the finished job.
type Job func(ctx context.Context) (after func())

// PanicHandler turns a recovered job panic into the completion the job
// would have produced. Its result runs like a Job's after func.
type PanicHandler func(err error) (after func())

type item struct {
	key     string
	job     Job
	onPanic PanicHandler
}

// Queue is a keyed FIFO worked by at most N concurrent jobs.
type Queue struct {
	mu      sync.Mutex
	order   *list.List
	queued  map[string]*list.Element
	running map[string]struct{}
	closed  bool

	sem    *semaphore.Weighted
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New starts a queue running up to workers jobs at a time.
func New(name string, workers int, logger *zap.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		order:   list.New(),
		queued:  make(map[string]*list.Element),
		running: make(map[string]struct{}),
		sem:     semaphore.NewWeighted(int64(workers)),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named(name),
	}

	q.wg.Add(1)
	go q.dispatch()

	return q
}

// Submit queues job under key. It returns false, and does nothing, when
// the key is already queued or running or the queue is closed.
func (q *Queue) Submit(key string, job Job) bool {
	return q.SubmitRecover(key, job, nil)
}

// SubmitRecover is Submit with onPanic called when job panics, so waiters
// on the job still hear about it.
func (q *Queue) SubmitRecover(key string, job Job, onPanic PanicHandler) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.queued[key]; ok {
		return false
	}
	if _, ok := q.running[key]; ok {
		return false
	}

	q.queued[key] = q.order.PushBack(&item{key: key, job: job, onPanic: onPanic})
	q.signal()
	return true
}

// Bump moves a queued key to the front. Running or unknown keys are left
// alone.
func (q *Queue) Bump(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.queued[key]
	if !ok {
		return false
	}
	q.order.MoveToFront(el)
	return true
}

// Pending reports whether key is queued or running.
func (q *Queue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[key]; ok {
		return true
	}
	_, ok := q.running[key]
	return ok
}

// Len returns the number of queued (not yet running) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// Close stops accepting work, cancels the context handed to running jobs
// and waits for them. Queued jobs that never started are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.order.Len()
	q.order.Init()
	q.queued = make(map[string]*list.Element)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	if dropped > 0 {
		q.logger.Info("work queue closed with queued jobs", zap.Int("dropped", dropped))
	}
}

// signal wakes the dispatcher. Caller must hold mu.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch() {
	defer q.wg.Done()

	for {
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			return
		}

		it := q.next()
		if it == nil {
			q.sem.Release(1)
			return
		}

		q.wg.Add(1)
		go q.run(it)
	}
}

// next blocks until a job is queued or the queue closes.
func (q *Queue) next() *item {
	for {
		q.mu.Lock()
		if el := q.order.Front(); el != nil {
			it := q.order.Remove(el).(*item)
			delete(q.queued, it.key)
			q.running[it.key] = struct{}{}
			q.mu.Unlock()
			return it
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return nil
		}
	}
}

func (q *Queue) run(it *item) {
	defer q.wg.Done()
	defer q.sem.Release(1)

	var after func()
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				q.logger.Error("job panicked", zap.String("key", it.key), zap.Any("error", rec))
				if it.onPanic != nil {
					after = it.onPanic(fmt.Errorf("job %s panicked: %v", it.key, rec))
				}
			}
		}()
		after = it.job(q.ctx)
	}()

	q.mu.Lock()
	delete(q.running, it.key)
	q.mu.Unlock()

	if after != nil {
		after()
	}
}
