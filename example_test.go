package offload_test

import (
	"context"
	"errors"
	"fmt"
	"sort"

	offload "github.com/Swind/go-task-offload"
)

var square = offload.MustDefineVariant("example.square", func(ctx context.Context, n int) (int, error) {
	return n * n, nil
})

var checkEven = offload.MustDefineVariant("example.even", func(ctx context.Context, n int) (int, error) {
	if n%2 != 0 {
		return 0, offload.NewStatusError(500, fmt.Sprintf("%d is odd", n))
	}
	return n, nil
})

// ExampleInvokeParallel runs a keyed batch on the global pool.
func ExampleInvokeParallel() {
	if err := offload.InitGlobalPool(4); err != nil {
		fmt.Println(err)
		return
	}
	defer offload.ShutdownGlobalPool()

	results, err := offload.InvokeParallel(context.Background(), offload.GlobalScheduler(), map[string]offload.Task[int, int]{
		"a": square.New("a", 3),
		"b": square.New("b", 4),
		"c": square.New("c", 5),
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%d\n", k, results[k])
	}

	// Output:
	// a=9
	// b=16
	// c=25
}

// ExampleInvokeAsync waits for one task without blocking the event loop.
func ExampleInvokeAsync() {
	if err := offload.InitGlobalPool(2); err != nil {
		fmt.Println(err)
		return
	}
	defer offload.ShutdownGlobalPool()

	ctx := context.Background()
	n, err := offload.InvokeAsync(ctx, offload.GlobalScheduler(), square.New("single", 12)).Await(ctx)
	fmt.Println(n, err)

	// Output:
	// 144 <nil>
}

// Example_failure shows how a failing task aborts the whole batch.
func Example_failure() {
	if err := offload.InitGlobalPool(2); err != nil {
		fmt.Println(err)
		return
	}
	defer offload.ShutdownGlobalPool()

	results, err := offload.InvokeParallel(context.Background(), offload.GlobalScheduler(), map[string]offload.Task[int, int]{
		"two":   checkEven.New("two", 2),
		"three": checkEven.New("three", 3),
	})

	var taskErr *offload.TaskExecutionError
	if errors.As(err, &taskErr) {
		fmt.Println(taskErr.Key, taskErr.StatusCode, taskErr.Message)
	}
	fmt.Println(results == nil)

	// Output:
	// three 500 3 is odd
	// true
}

// Example_misconfigured shows the check that runs before anything is submitted.
func Example_misconfigured() {
	if err := offload.InitGlobalPool(1); err != nil {
		fmt.Println(err)
		return
	}
	defer offload.ShutdownGlobalPool()

	_, err := offload.InvokeParallel(context.Background(), offload.GlobalScheduler(), map[string]offload.Task[int, int]{
		"a": square.New("a", 1),
	})
	fmt.Println(errors.Is(err, offload.ErrMisconfigured), offload.IsConfigurationError(err))

	// Output:
	// true true
}
