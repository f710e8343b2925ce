package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestInvokeAsync_ResolvesResult(t *testing.T) {
	reg := newTestRegistry(t)
	answer := MustDefineVariant(reg, "answer", func(ctx context.Context, _ struct{}) (int, error) {
		return 42, nil
	})
	pool := newFakePool(reg, 2)
	s := newTestScheduler(pool, reg)
	defer s.Close()

	future := InvokeAsync(context.Background(), s, answer.New("q", struct{}{}))
	got, err := future.Await(contextWithTimeout(t, 2*time.Second))
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
	if !future.Ready() {
		t.Error("Ready() = false after Await returned")
	}
	if n := pool.outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}
}

func TestInvokeAsync_FailureHasNoKey(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	s := newTestScheduler(newFakePool(reg, 2), reg)
	defer s.Close()

	_, err := InvokeAsync(context.Background(), s, v.fail.New("f", 0)).Await(contextWithTimeout(t, 2*time.Second))

	var taskErr *TaskExecutionError
	if !errors.As(err, &taskErr) {
		t.Fatalf("err = %v, want *TaskExecutionError", err)
	}
	if taskErr.Key != nil {
		t.Errorf("Key = %v, want nil", taskErr.Key)
	}
	if taskErr.StatusCode != StatusTaskFailed || taskErr.Message != "boom" {
		t.Errorf("got status %d message %q", taskErr.StatusCode, taskErr.Message)
	}
	if _, ok := FailedKey(err); ok {
		t.Error("FailedKey reported a key for a single task")
	}
}

func TestInvokeAsync_ConfigurationError(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 1)
	s := newTestScheduler(pool, reg)
	defer s.Close()

	_, err := InvokeAsync(context.Background(), s, v.square.New("sq", 3)).Await(contextWithTimeout(t, 2*time.Second))
	if Setting(err) != SettingWorkers {
		t.Fatalf("err = %v, want %s configuration error", err, SettingWorkers)
	}
	if pool.submitted.Load() != 0 {
		t.Error("misconfigured pool received a submission")
	}
}

func TestInvokeAsync_LoopRunsOtherWorkBetweenPolls(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	s := newTestScheduler(newFakePool(reg, 2), reg, WithAsyncPollInterval(5*time.Millisecond))
	defer s.Close()

	loop := s.EventLoop()
	future := InvokeAsync(context.Background(), s, v.gated.New("slow", 7))

	var ticks atomic.Int32
	var tick Closure
	tick = func(ctx context.Context) {
		if future.Ready() {
			return
		}
		ticks.Add(1)
		loop.PostDelayedTask(tick, time.Millisecond)
	}
	loop.PostTask(tick)

	waitFor(t, 2*time.Second, "heartbeats on the event loop", func() bool { return ticks.Load() >= 10 })
	if future.Ready() {
		t.Fatal("future resolved while the task was still gated")
	}

	close(v.gate)
	got, err := future.Await(contextWithTimeout(t, 2*time.Second))
	if err != nil || got != 7 {
		t.Fatalf("Await = %d, %v; want 7, nil", got, err)
	}
}

func TestInvokeAsync_ContextCancelDetachesHandle(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 2)
	s := newTestScheduler(pool, reg)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	future := InvokeAsync(ctx, s, v.gated.New("slow", 1))
	waitFor(t, time.Second, "submission", func() bool { return pool.submitted.Load() == 1 })

	cancel()
	_, err := future.Await(contextWithTimeout(t, time.Second))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	close(v.gate)
	if err := s.WaitDetached(contextWithTimeout(t, 2*time.Second)); err != nil {
		t.Fatalf("WaitDetached failed: %v", err)
	}
	if n := pool.outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}
}

func TestInvokeAsync_ClosedScheduler(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	s := newTestScheduler(newFakePool(reg, 2), reg)
	s.Close()

	_, err := InvokeAsync(context.Background(), s, v.square.New("sq", 2)).Await(contextWithTimeout(t, time.Second))
	if !errors.Is(err, ErrRunnerClosed) {
		t.Fatalf("err = %v, want ErrRunnerClosed", err)
	}
}

func TestInvokeAsync_RunnerClosedWhilePending(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	pool := newFakePool(reg, 2)
	s := newTestScheduler(pool, reg)

	future := InvokeAsync(context.Background(), s, v.gated.New("slow", 1))
	waitFor(t, time.Second, "submission", func() bool { return pool.submitted.Load() == 1 })

	s.Close()
	_, err := future.Await(contextWithTimeout(t, time.Second))
	if !errors.Is(err, ErrRunnerClosed) {
		t.Fatalf("err = %v, want ErrRunnerClosed", err)
	}

	close(v.gate)
	if err := s.WaitDetached(contextWithTimeout(t, 2*time.Second)); err != nil {
		t.Fatalf("WaitDetached failed: %v", err)
	}
}

func TestInvokeAsyncAndReply_RunsReplyOnRunner(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	s := newTestScheduler(newFakePool(reg, 2), reg)
	defer s.Close()

	loop := NewEventLoop("reply-loop", nil)
	defer loop.Stop()

	type reply struct {
		result int
		err    error
		onLoop bool
	}
	replies := make(chan reply, 1)

	InvokeAsyncAndReply(context.Background(), s, loop, v.square.New("sq", 6), func(ctx context.Context, result int, err error) {
		replies <- reply{result: result, err: err, onLoop: CurrentEventLoop(ctx) == loop}
	})

	select {
	case r := <-replies:
		if r.err != nil || r.result != 36 {
			t.Fatalf("reply = %d, %v; want 36, nil", r.result, r.err)
		}
		if !r.onLoop {
			t.Error("reply did not run on the given loop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never ran")
	}
}

func TestFuture_AwaitTimeoutLeavesInvocationRunning(t *testing.T) {
	reg := newTestRegistry(t)
	v := defineTestVariants(t, reg)
	s := newTestScheduler(newFakePool(reg, 2), reg)
	defer s.Close()

	future := InvokeAsync(context.Background(), s, v.gated.New("slow", 5))

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := future.Await(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	close(v.gate)
	got, err := future.Await(contextWithTimeout(t, 2*time.Second))
	if err != nil || got != 5 {
		t.Fatalf("Await = %d, %v; want 5, nil", got, err)
	}
}
