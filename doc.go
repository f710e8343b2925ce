// Package offload dispatches CPU-bound tasks to a pool of worker contexts.
//
// The caller never runs a task itself: it encodes the task into an Envelope,
// submits it to a WorkerPool and polls the returned Handle until the pool
// reports an Outcome. Before anything is submitted the Scheduler checks that
// the pool runs the offload.init hook, routes tasks to the registry's entry
// point and has more than one worker.
//
// # Quick Start
//
// Define a task variant once, at package level:
//
//	var square = offload.MustDefineVariant("square", func(ctx context.Context, n int) (int, error) {
//		return n * n, nil
//	})
//
// Start the global pool and get a scheduler bound to it:
//
//	if err := offload.InitGlobalPool(4); err != nil {
//		log.Fatal(err)
//	}
//	defer offload.ShutdownGlobalPool()
//	s := offload.GlobalScheduler()
//
// # Batch mode
//
// InvokeParallel submits every task at once, busy-polls the handles and
// returns the results keyed the way the caller keyed the input:
//
//	results, err := offload.InvokeParallel(ctx, s, map[string]offload.Task[int, int]{
//		"a": square.New("a", 3),
//		"b": square.New("b", 4),
//	})
//
// The first non-200 outcome aborts the batch with a *TaskExecutionError that
// names the failing key. Handles still pending are either reaped in the
// background (FailureDetach) or waited for (FailureDrain).
//
// # Cooperative mode
//
// InvokeAsync dispatches one task and polls it from an EventLoop, re-posting
// the poll every 10ms so other closures on the loop run in between:
//
//	future := offload.InvokeAsync(ctx, s, square.New("c", 5))
//	n, err := future.Await(ctx)
//
// Cancelling ctx stops waiting. It never cancels work already in the pool.
package offload
