package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/chatsync/internal/types"
)

type fakeStore struct {
	mu          sync.Mutex
	backfill    []types.Message
	backfillErr error
	insertErr   error
	initCalls   int
	inserted    []types.Message

	// When gate is set, Backfill signals entered and blocks until gate is
	// closed. With ignoreCtx it keeps waiting after ctx ends, like a
	// response already on the wire.
	gate      chan struct{}
	entered   chan struct{}
	ignoreCtx bool
}

func (f *fakeStore) Backfill(ctx context.Context, _ string, limit int) ([]types.Message, error) {
	if f.gate != nil {
		close(f.entered)
		select {
		case <-f.gate:
		case <-ctx.Done():
			if !f.ignoreCtx {
				return nil, ctx.Err()
			}
			<-f.gate
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backfillErr != nil {
		return nil, f.backfillErr
	}
	out := f.backfill
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]types.Message(nil), out...), nil
}

func (f *fakeStore) Insert(_ context.Context, _ string, msg types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, msg)
	return nil
}

func (f *fakeStore) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	f.backfillErr = nil
	return nil
}

// syncWriter writes through the store synchronously.
type syncWriter struct {
	store *fakeStore
}

func (w syncWriter) Submit(ctx context.Context, channel string, msg types.Message, onDone func(error)) error {
	onDone(w.store.Insert(ctx, channel, msg))
	return nil
}

// deferredWriter hands every completion callback to the test instead of
// finishing the write.
type deferredWriter struct {
	pending chan func(error)
}

func (w deferredWriter) Submit(_ context.Context, _ string, _ types.Message, onDone func(error)) error {
	w.pending <- onDone
	return nil
}

type fakeSub struct {
	rt       *fakeRealtime
	req      types.SubscribeRequest
	handlers types.Handlers

	mu     sync.Mutex
	tracks int
	closed bool
}

func (s *fakeSub) Track(context.Context) error {
	s.mu.Lock()
	s.tracks++
	s.mu.Unlock()
	return s.rt.trackError()
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) trackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

// fakeRealtime hands out fakeSubs. Presence subscriptions receive a sync
// snapshot before Subscribe returns, the way the relay answers a join.
type fakeRealtime struct {
	mu        sync.Mutex
	subs      []*fakeSub
	snapshot  []string
	snapshots int
	failNext  map[types.Topic]int
	trackErr  error
	gate      chan struct{}
}

func newFakeRealtime(snapshot ...string) *fakeRealtime {
	return &fakeRealtime{snapshot: snapshot, failNext: make(map[types.Topic]int)}
}

func (f *fakeRealtime) Subscribe(ctx context.Context, req types.SubscribeRequest, h types.Handlers) (types.Subscription, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	if f.failNext[req.Topic] > 0 {
		f.failNext[req.Topic]--
		f.mu.Unlock()
		return nil, fmt.Errorf("join %s: connection refused", req.Topic)
	}
	sub := &fakeSub{rt: f, req: req, handlers: h}
	f.subs = append(f.subs, sub)
	snapshot := append([]string(nil), f.snapshot...)
	isPresence := req.Topic.Kind() == "presence"
	if isPresence {
		f.snapshots++
	}
	f.mu.Unlock()

	if isPresence && h.OnPresence != nil {
		h.OnPresence(types.PresenceEvent{Kind: types.PresenceSync, Identities: snapshot})
	}
	return sub, nil
}

func (f *fakeRealtime) trackError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trackErr
}

func (f *fakeRealtime) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeRealtime) setSnapshot(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = ids
}

func (f *fakeRealtime) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

// latest returns the most recent subscription for the given topic kind.
func (f *fakeRealtime) latest(kind string) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.subs) - 1; i >= 0; i-- {
		if f.subs[i].req.Topic.Kind() == kind {
			return f.subs[i]
		}
	}
	return nil
}

func (f *fakeRealtime) all() []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSub(nil), f.subs...)
}

var errTransport = errors.New("connection reset by peer")

func waitFor(cond func() bool) bool {
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}
