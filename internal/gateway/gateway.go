package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/chatsync/internal/types"
)

// Gateway turns outbound messages into durable writes against a MessageStore.
// Writes to a channel are issued in submission order; the queue bounds how
// many are in flight across channels.
type Gateway struct {
	store types.MessageStore
	Queue *Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gateway writing to store with the given in-flight limit
// (default 2).
func New(store types.MessageStore, maxInflight ...int64) *Gateway {
	var inflight int64 = 2
	if len(maxInflight) > 0 && maxInflight[0] > 0 {
		inflight = maxInflight[0]
	}
	g := &Gateway{
		store: store,
		Queue: NewQueue(inflight),
	}
	g.Queue.SetProcessor(g.process)
	return g
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context, stops the queue, and waits for any
// outstanding work to finish.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
	g.wg.Wait()
}

// Submit queues msg for a durable write to channel. onDone is called exactly
// once with the write result, unless Submit itself returns an error.
func (g *Gateway) Submit(ctx context.Context, channel string, msg types.Message, onDone func(error)) error {
	w := NewWrite(ctx, channel, msg, onDone)
	if err := g.Queue.Enqueue(w); err != nil {
		return fmt.Errorf("enqueue write: %w", err)
	}
	return nil
}

func (g *Gateway) process(ctx context.Context, w *Write) error {
	if err := g.store.Insert(ctx, w.Channel, w.Message); err != nil {
		return fmt.Errorf("insert message %s: %w", w.Message.ID, err)
	}
	return nil
}
