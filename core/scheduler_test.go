package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestInvokeParallel_ReturnsResultsByKey(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 4)
	s := newTestScheduler(pool, reg)

	results, err := InvokeParallel(context.Background(), s, map[string]Task[int, int]{
		"a": v.square.New("t1", 1),
		"b": v.square.New("t2", 2),
		"c": v.square.New("t3", 3),
	})
	if err != nil {
		t.Fatalf("InvokeParallel failed: %v", err)
	}

	want := map[string]int{"a": 1, "b": 4, "c": 9}
	if len(results) != len(want) {
		t.Fatalf("got %d results, want %d", len(results), len(want))
	}
	for k, w := range want {
		if results[k] != w {
			t.Errorf("results[%q] = %d, want %d", k, results[k], w)
		}
	}
	if n := pool.outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}
	if n := pool.released.Load(); n != 3 {
		t.Errorf("released handles = %d, want 3", n)
	}
}

func TestInvokeParallel_IntKeys(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	s := newTestScheduler(newFakePool(reg, 2), reg)

	tasks := make(map[int]Task[int, int])
	for i := range 20 {
		tasks[i] = v.square.New("sq", i)
	}
	results, err := InvokeParallel(context.Background(), s, tasks)
	if err != nil {
		t.Fatalf("InvokeParallel failed: %v", err)
	}
	for i := range 20 {
		if results[i] != i*i {
			t.Errorf("results[%d] = %d, want %d", i, results[i], i*i)
		}
	}
}

func TestInvokeParallel_EmptyBatch(t *testing.T) {
	reg := newTestRegistry(t)
	pool := newFakePool(reg, 4)
	s := newTestScheduler(pool, reg)

	results, err := InvokeParallel(context.Background(), s, map[string]Task[int, int]{})
	if err != nil {
		t.Fatalf("InvokeParallel failed: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("results = %v, want empty non-nil map", results)
	}
	if pool.submitted.Load() != 0 {
		t.Fatal("empty batch submitted work")
	}
}

func TestInvokeParallel_EmptyBatchStillValidates(t *testing.T) {
	reg := newTestRegistry(t)
	pool := newFakePool(reg, 1)
	s := newTestScheduler(pool, reg)

	results, err := InvokeParallel(context.Background(), s, map[string]Task[int, int]{})
	if !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("err = %v, want ErrMisconfigured", err)
	}
	if results != nil {
		t.Fatalf("results = %v, want nil", results)
	}
}

func TestInvokeParallel_TaskFailure(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 4)
	s := newTestScheduler(pool, reg)

	results, err := InvokeParallel(context.Background(), s, map[string]Task[int, int]{
		"a": v.square.New("t1", 2),
		"b": v.fail.New("t2", 0),
	})
	if results != nil {
		t.Fatalf("results = %v, want nil on failure", results)
	}

	var taskErr *TaskExecutionError
	if !errors.As(err, &taskErr) {
		t.Fatalf("err = %v, want *TaskExecutionError", err)
	}
	if taskErr.Key != "b" {
		t.Errorf("Key = %v, want b", taskErr.Key)
	}
	if taskErr.StatusCode != StatusTaskFailed {
		t.Errorf("StatusCode = %d, want %d", taskErr.StatusCode, StatusTaskFailed)
	}
	if taskErr.Message != "boom" {
		t.Errorf("Message = %q, want boom", taskErr.Message)
	}
	if !errors.Is(err, ErrTaskFailed) {
		t.Error("errors.Is(err, ErrTaskFailed) = false")
	}
	if key, ok := FailedKey(err); !ok || key != "b" {
		t.Errorf("FailedKey = %v, %v", key, ok)
	}

	if err := s.WaitDetached(contextWithTimeout(t, time.Second)); err != nil {
		t.Fatalf("WaitDetached failed: %v", err)
	}
	if n := pool.outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}
}

func TestInvokeParallel_UnknownVariant(t *testing.T) {
	reg := newTestRegistry(t)
	other, err := NewRegistry("test.other."+t.Name(), reg.Codec())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	ghost := MustDefineVariant(other, "ghost", func(ctx context.Context, n int) (int, error) { return n, nil })

	s := newTestScheduler(newFakePool(reg, 2), reg)
	_, err = InvokeParallel(context.Background(), s, map[string]Task[int, int]{"g": ghost.New("g", 1)})

	var taskErr *TaskExecutionError
	if !errors.As(err, &taskErr) {
		t.Fatalf("err = %v, want *TaskExecutionError", err)
	}
	if taskErr.StatusCode != StatusUnknownVariant {
		t.Errorf("StatusCode = %d, want %d", taskErr.StatusCode, StatusUnknownVariant)
	}
	if !strings.Contains(taskErr.Message, "ghost") {
		t.Errorf("Message = %q, want it to name the variant", taskErr.Message)
	}
}

func TestInvokeParallel_ConfigurationErrors(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)

	tests := []struct {
		name    string
		mutate  func(*PoolSettings)
		setting string
	}{
		{"wrong init hook", func(s *PoolSettings) { s.InitHook = "other.init" }, SettingInitHook},
		{"empty init hook", func(s *PoolSettings) { s.InitHook = "" }, SettingInitHook},
		{"wrong entry point", func(s *PoolSettings) { s.EntryPoint = "other.dispatch" }, SettingEntryPoint},
		{"one worker", func(s *PoolSettings) { s.Workers = 1 }, SettingWorkers},
		{"no workers", func(s *PoolSettings) { s.Workers = 0 }, SettingWorkers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newFakePool(reg, 4)
			tt.mutate(&pool.settings)
			s := newTestScheduler(pool, reg)

			results, err := InvokeParallel(context.Background(), s, map[string]Task[int, int]{
				"a": v.square.New("t1", 2),
			})
			if results != nil {
				t.Fatalf("results = %v, want nil", results)
			}
			if !IsConfigurationError(err) {
				t.Fatalf("err = %v, want configuration error", err)
			}
			if got := Setting(err); got != tt.setting {
				t.Errorf("Setting = %q, want %q", got, tt.setting)
			}
			if n := pool.submitted.Load(); n != 0 {
				t.Errorf("submitted = %d, want 0", n)
			}
		})
	}
}

func TestInvokeParallel_EntryPointTakenOver(t *testing.T) {
	// Given: A scheduler on reg and a second registry claiming reg's entry point
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 4)
	s := newTestScheduler(pool, reg)
	defer s.Close()

	if _, err := NewRegistry(reg.EntryPoint(), reg.Codec()); err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	// When: A batch is dispatched
	results, err := InvokeParallel(context.Background(), s, map[string]Task[int, int]{
		"a": v.square.New("t1", 2),
	})

	// Then: Preflight rejects the pool before anything is submitted
	if results != nil {
		t.Fatalf("results = %v, want nil", results)
	}
	if !IsConfigurationError(err) || Setting(err) != SettingEntryPoint {
		t.Fatalf("err = %v, want entry point configuration error", err)
	}
	if n := pool.submitted.Load(); n != 0 {
		t.Errorf("submitted = %d, want 0", n)
	}

	// And: InvokeAsync reports the same
	_, err = InvokeAsync(context.Background(), s, v.square.New("t2", 3)).Await(context.Background())
	if Setting(err) != SettingEntryPoint {
		t.Fatalf("InvokeAsync err = %v, want entry point configuration error", err)
	}
}

func TestInvokeParallel_ValidatesEveryCall(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 4)
	s := newTestScheduler(pool, reg)

	tasks := map[string]Task[int, int]{"a": v.square.New("t1", 3)}
	if _, err := InvokeParallel(context.Background(), s, tasks); err != nil {
		t.Fatalf("first InvokeParallel failed: %v", err)
	}

	pool.settings.Workers = 1
	if _, err := InvokeParallel(context.Background(), s, tasks); !IsConfigurationError(err) {
		t.Fatalf("second InvokeParallel err = %v, want configuration error", err)
	}
}

func TestInvokeParallel_DetachPolicyReapsRemainingHandles(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 4)
	s := newTestScheduler(pool, reg)

	start := time.Now()
	_, err := InvokeParallel(context.Background(), s, map[string]Task[int, int]{
		"bad":  v.fail.New("bad", 0),
		"slow": v.gated.New("slow", 1),
	})
	if !IsTaskExecutionError(err) {
		t.Fatalf("err = %v, want task execution error", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("detach policy waited %v for the slow task", elapsed)
	}
	if n := s.DetachedCount(); n != 1 {
		t.Fatalf("DetachedCount = %d, want 1", n)
	}

	close(v.gate)
	if err := s.WaitDetached(contextWithTimeout(t, 2*time.Second)); err != nil {
		t.Fatalf("WaitDetached failed: %v", err)
	}
	if n := s.DetachedCount(); n != 0 {
		t.Errorf("DetachedCount = %d, want 0", n)
	}
	if n := pool.outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}
}

func TestInvokeParallel_FetchErrorReleasesHandle(t *testing.T) {
	// Given: A pool whose first Fetch fails without releasing the handle
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 4)
	pool.failFetches.Store(1)
	s := newTestScheduler(pool, reg)

	// When: The batch aborts on the fetch error
	results, err := InvokeParallel(context.Background(), s, map[string]Task[int, int]{
		"a": v.square.New("t1", 2),
	})
	if results != nil {
		t.Fatalf("results = %v, want nil", results)
	}
	if !errors.Is(err, errFlakyFetch) {
		t.Fatalf("err = %v, want %v", err, errFlakyFetch)
	}

	// Then: The handle is still reaped and released
	if err := s.WaitDetached(contextWithTimeout(t, 2*time.Second)); err != nil {
		t.Fatalf("WaitDetached failed: %v", err)
	}
	if n := pool.outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}
	if n := pool.released.Load(); n != 1 {
		t.Errorf("released handles = %d, want 1", n)
	}
}

func TestInvokeParallel_PausesAfterSlowSweep(t *testing.T) {
	const (
		interval  = 20 * time.Millisecond
		sweepCost = 30 * time.Millisecond
	)

	// Arrange: Every sweep takes longer than the sweep interval
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 4)

	var polls []time.Time
	pool.onPoll = func() {
		polls = append(polls, time.Now())
		if len(polls) == 3 {
			close(v.gate)
		}
		time.Sleep(sweepCost)
	}
	s := newTestScheduler(pool, reg, WithSweepInterval(interval))

	// Act
	results, err := InvokeParallel(context.Background(), s, map[string]Task[int, int]{
		"a": v.gated.New("t1", 7),
	})

	// Assert: A full interval separates the end of one sweep from the next
	if err != nil {
		t.Fatalf("InvokeParallel failed: %v", err)
	}
	if results["a"] != 7 {
		t.Errorf("results[a] = %d, want 7", results["a"])
	}
	if len(polls) < 3 {
		t.Fatalf("got %d sweeps, want at least 3", len(polls))
	}
	for i := 1; i < len(polls); i++ {
		if gap := polls[i].Sub(polls[i-1]); gap < sweepCost+interval {
			t.Errorf("sweep %d started %v after the previous one, want at least %v", i, gap, sweepCost+interval)
		}
	}
}

func TestInvokeParallel_DrainPolicyWaitsForRemainingHandles(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 4)
	s := newTestScheduler(pool, reg, WithFailurePolicy(FailureDrain))

	errCh := make(chan error, 1)
	go func() {
		_, err := InvokeParallel(context.Background(), s, map[string]Task[int, int]{
			"bad":  v.fail.New("bad", 0),
			"slow": v.gated.New("slow", 1),
		})
		errCh <- err
	}()

	select {
	case err := <-errCh:
		t.Fatalf("drain policy returned before the slow task finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(v.gate)
	select {
	case err := <-errCh:
		if key, _ := FailedKey(err); key != "bad" {
			t.Fatalf("err = %v, want failure of key bad", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("InvokeParallel did not return after the slow task finished")
	}

	if n := pool.outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}
	if n := s.DetachedCount(); n != 0 {
		t.Errorf("DetachedCount = %d, want 0", n)
	}
}

func TestInvokeParallel_ContextCancelStopsWaiting(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 4)
	s := newTestScheduler(pool, reg)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	results, err := InvokeParallel(ctx, s, map[string]Task[int, int]{
		"slow": v.gated.New("slow", 1),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if results != nil {
		t.Fatalf("results = %v, want nil", results)
	}

	close(v.gate)
	if err := s.WaitDetached(contextWithTimeout(t, 2*time.Second)); err != nil {
		t.Fatalf("WaitDetached failed: %v", err)
	}
	if n := pool.outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}
}

func TestInvokeParallel_SubmitErrorReleasesSubmitted(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 4)
	pool.failSubmits = 1
	s := newTestScheduler(pool, reg)

	_, err := InvokeParallel(context.Background(), s, map[string]Task[int, int]{
		"a": v.square.New("t1", 1),
		"b": v.square.New("t2", 2),
	})
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}

	if err := s.WaitDetached(contextWithTimeout(t, time.Second)); err != nil {
		t.Fatalf("WaitDetached failed: %v", err)
	}
	if n := pool.outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}
}

func TestInvokeParallel_RecordsMetrics(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	metrics := &recordingMetrics{}
	s := newTestScheduler(newFakePool(reg, 4), reg, WithSchedulerMetrics(metrics))

	_, err := InvokeParallel(context.Background(), s, map[string]Task[int, int]{
		"a": v.square.New("t1", 1),
		"b": v.square.New("t2", 2),
	})
	if err != nil {
		t.Fatalf("InvokeParallel failed: %v", err)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if got := metrics.outcomes[ModeParallel][StatusOK]; got != 2 {
		t.Errorf("recorded %d OK outcomes, want 2", got)
	}
	if metrics.lastPending[ModeParallel] != 0 {
		t.Errorf("last pending = %d, want 0", metrics.lastPending[ModeParallel])
	}
}

func TestParseFailurePolicy(t *testing.T) {
	for in, want := range map[string]FailurePolicy{"": FailureDetach, "detach": FailureDetach, "drain": FailureDrain} {
		got, err := ParseFailurePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseFailurePolicy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseFailurePolicy("retry"); err == nil {
		t.Error("ParseFailurePolicy(retry) succeeded")
	}
	if FailureDrain.String() != "drain" {
		t.Errorf("FailureDrain.String() = %q", FailureDrain.String())
	}
}

type recordingMetrics struct {
	NilMetrics

	mu          sync.Mutex
	outcomes    map[Mode]map[int]int
	lastPending map[Mode]int
}

func (m *recordingMetrics) RecordOutcome(mode Mode, statusCode int, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[Mode]map[int]int)
	}
	if m.outcomes[mode] == nil {
		m.outcomes[mode] = make(map[int]int)
	}
	m.outcomes[mode][statusCode]++
}

func (m *recordingMetrics) RecordPending(mode Mode, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastPending == nil {
		m.lastPending = make(map[Mode]int)
	}
	m.lastPending[mode] = pending
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
