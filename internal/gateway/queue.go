package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrQueueStopped is reported to writes that were still queued at shutdown.
var ErrQueueStopped = errors.New("write queue stopped")

const laneBuffer = 100

// Queue manages per-channel lanes with a global concurrency semaphore.
// Each channel gets its own FIFO lane so writes to a channel are issued
// sequentially, while the semaphore limits the number of writes in flight
// across all channels.
type Queue struct {
	lanes     map[string]chan *Write
	semaphore *semaphore.Weighted
	processor func(context.Context, *Write) error
	active    atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxInflight writes at once.
func NewQueue(maxInflight int64) *Queue {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &Queue{
		lanes:     make(map[string]chan *Write),
		semaphore: semaphore.NewWeighted(maxInflight),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, fails writes that never
// started, and waits for in-flight writes to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		for _, lane := range q.lanes {
			close(lane)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Write to its channel's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full or
// the queue is stopped.
func (q *Queue) Enqueue(w *Write) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.ctx == nil {
		return ErrQueueStopped
	}

	lane, exists := q.lanes[w.Channel]
	if !exists {
		lane = make(chan *Write, laneBuffer)
		q.lanes[w.Channel] = lane
		q.wg.Add(1)
		go q.processLane(w.Channel, lane)
	}

	select {
	case lane <- w:
		return nil
	default:
		return fmt.Errorf("queue full for channel %s", w.Channel)
	}
}

// processLane drains a single channel lane, acquiring a semaphore slot
// before running the processor synchronously.
func (q *Queue) processLane(channel string, lane chan *Write) {
	defer q.wg.Done()
	for {
		select {
		case w, ok := <-lane:
			if !ok {
				return
			}
			q.process(channel, w)
		case <-q.ctx.Done():
			for w := range lane {
				w.finish(ErrQueueStopped)
			}
			return
		}
	}
}

func (q *Queue) process(channel string, w *Write) {
	ctx, cancel := context.WithCancel(w.Ctx)
	defer cancel()
	stop := context.AfterFunc(q.ctx, cancel)
	defer stop()

	if err := q.semaphore.Acquire(ctx, 1); err != nil {
		w.finish(fmt.Errorf("acquire write slot: %w", err))
		return
	}
	defer q.semaphore.Release(1)

	if q.processor == nil {
		w.finish(nil)
		return
	}

	q.active.Add(1)
	defer q.active.Add(-1)
	now := time.Now()
	w.StartedAt = &now
	w.Status = WriteStatusRunning
	err := q.processor(ctx, w)
	if err != nil {
		slog.Error("write failed", "message_id", string(w.Message.ID), "channel", channel, "error", err)
	}
	w.finish(err)
}

// WaitIdle blocks until no writes are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Write.
func (q *Queue) SetProcessor(fn func(context.Context, *Write) error) {
	q.processor = fn
}
