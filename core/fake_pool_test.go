package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakePool runs every submission on its own goroutine through a DispatchFunc.
type fakePool struct {
	settings PoolSettings
	dispatch DispatchFunc

	mu      sync.Mutex
	entries map[Handle]*fakeEntry

	submitted   atomic.Int32
	released    atomic.Int32
	failSubmits int32        // Submit fails once this many were accepted; 0 disables
	failFetches atomic.Int32 // the next n Fetch calls fail without releasing
	onPoll      func()       // called at the start of every Poll, if set
}

var errFlakyFetch = errors.New("fetch interrupted")

type fakeEntry struct {
	done    bool
	outcome Outcome
}

func newFakePool(reg *Registry, workers int) *fakePool {
	return &fakePool{
		settings: PoolSettings{InitHook: InitHookName, EntryPoint: reg.EntryPoint(), Workers: workers},
		dispatch: reg.Dispatch,
		entries:  make(map[Handle]*fakeEntry),
	}
}

func (p *fakePool) Settings() PoolSettings { return p.settings }

func (p *fakePool) Submit(ctx context.Context, task []byte) (Handle, error) {
	if p.failSubmits > 0 && p.submitted.Load() >= p.failSubmits {
		return Handle{}, ErrPoolClosed
	}
	p.submitted.Add(1)

	h := NewHandle()
	e := &fakeEntry{}
	p.mu.Lock()
	p.entries[h] = e
	p.mu.Unlock()

	data := append([]byte(nil), task...)
	go func() {
		outcome, _, _ := RunEntryPoint(context.Background(), p.dispatch, data)
		p.mu.Lock()
		e.done = true
		e.outcome = outcome
		p.mu.Unlock()
	}()
	return h, nil
}

func (p *fakePool) Poll(h Handle) (bool, error) {
	if p.onPoll != nil {
		p.onPoll()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[h]
	if !ok {
		return false, ErrUnknownHandle
	}
	return e.done, nil
}

func (p *fakePool) Fetch(h Handle, flags FetchFlags) (Outcome, error) {
	if p.failFetches.Load() > 0 && p.failFetches.Add(-1) >= 0 {
		return Outcome{}, errFlakyFetch
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[h]
	if !ok {
		return Outcome{}, ErrUnknownHandle
	}
	if !e.done {
		return Outcome{}, ErrNotReady
	}
	if flags&FetchRelease != 0 {
		delete(p.entries, h)
		p.released.Add(1)
	}
	return e.outcome, nil
}

// outstanding returns the number of handles not yet released.
func (p *fakePool) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// newTestRegistry registers a CBOR registry under a name unique to t.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	codec, err := NewCBORCodec()
	if err != nil {
		t.Fatalf("NewCBORCodec failed: %v", err)
	}
	reg, err := NewRegistry("test."+t.Name(), codec)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	t.Cleanup(func() { UnregisterEntryPoint(reg.EntryPoint()) })
	return reg
}

// testVariants are the variants most scheduler tests share.
type testVariants struct {
	square *Variant[int, int]
	fail   *Variant[int, int]
	gated  *Variant[int, int]
	gate   chan struct{}
}

func defineTestVariants(t *testing.T, reg *Registry) *testVariants {
	t.Helper()
	v := &testVariants{gate: make(chan struct{})}

	var err error
	v.square, err = DefineVariant(reg, "square", func(ctx context.Context, n int) (int, error) {
		return n * n, nil
	})
	if err != nil {
		t.Fatalf("DefineVariant(square) failed: %v", err)
	}
	v.fail, err = DefineVariant(reg, "fail", func(ctx context.Context, n int) (int, error) {
		return 0, errors.New("boom")
	})
	if err != nil {
		t.Fatalf("DefineVariant(fail) failed: %v", err)
	}
	v.gated, err = DefineVariant(reg, "gated", func(ctx context.Context, n int) (int, error) {
		<-v.gate
		return n, nil
	})
	if err != nil {
		t.Fatalf("DefineVariant(gated) failed: %v", err)
	}
	return v
}

func newTestScheduler(pool WorkerPool, reg *Registry, opts ...SchedulerOption) *Scheduler {
	opts = append([]SchedulerOption{WithRegistry(reg), WithSchedulerLogger(NewNoOpLogger())}, opts...)
	return NewScheduler(pool, opts...)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
