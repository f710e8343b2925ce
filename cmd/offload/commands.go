package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Swind/go-task-offload/core"
)

func batchCommand() *cli.Command {
	return &cli.Command{
		Name:  "batch",
		Usage: "count primes for several limits in one parallel batch",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 8, Usage: "number of tasks"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 200000, Usage: "sieve limit of the first task"},
		},
		Action: batchAction,
	}
}

func batchAction(c *cli.Context) error {
	count := c.Int("count")
	if count < 0 {
		return fmt.Errorf("count must not be negative")
	}

	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	tasks := make(map[string]core.Task[int, int], count)
	for i := range count {
		key := fmt.Sprintf("task-%02d", i)
		tasks[key] = e.tasks.primes.New(key, c.Int("limit")+i*1000)
	}

	start := time.Now()
	results, err := core.InvokeParallel(c.Context, e.scheduler, tasks)
	if err != nil {
		return fmt.Errorf("batch: %w", err)
	}

	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := c.App.Writer
	for _, k := range keys {
		fmt.Fprintf(out, "%s\tprimes=%d\n", k, results[k])
	}
	fmt.Fprintf(out, "%d tasks in %v\n", len(results), time.Since(start).Round(time.Millisecond))
	return nil
}

func asyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "async",
		Usage: "hash data repeatedly in the pool while the event loop keeps ticking",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "rounds", Aliases: []string{"r"}, Value: 200000, Usage: "SHA-256 rounds"},
			&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Value: "offload", Usage: "input string"},
			&cli.DurationFlag{Name: "tick", Value: 5 * time.Millisecond, Usage: "heartbeat interval on the event loop"},
		},
		Action: asyncAction,
	}
}

func asyncAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	loop := e.scheduler.EventLoop()
	task := e.tasks.hash.New("hash", hashInput{Data: c.String("data"), Rounds: c.Int("rounds")})
	future := core.InvokeAsync(c.Context, e.scheduler, task)

	ticks := 0
	tick := c.Duration("tick")
	var heartbeat core.Closure
	heartbeat = func(ctx context.Context) {
		if future.Ready() {
			return
		}
		ticks++
		loop.PostDelayedTask(heartbeat, tick)
	}
	loop.PostTask(heartbeat)

	digest, err := future.Await(c.Context)
	if err != nil {
		return fmt.Errorf("async: %w", err)
	}

	// Read ticks on the loop that owns it.
	done := make(chan int, 1)
	loop.PostTask(func(context.Context) { done <- ticks })

	out := c.App.Writer
	fmt.Fprintf(out, "sha256^%d(%q) = %s\n", c.Int("rounds"), c.String("data"), digest)
	fmt.Fprintf(out, "event loop ran %d heartbeats while the task was in the pool\n", <-done)
	return nil
}

func failCommand() *cli.Command {
	return &cli.Command{
		Name:  "fail",
		Usage: "run a batch containing one failing task",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Value: "boom", Usage: "error message of the failing task"},
		},
		Action: failAction,
	}
}

func failAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	tasks := map[string]core.Task[failRequest, int]{
		"a": e.tasks.fail.New("a", failRequest{Value: 1}),
		"b": e.tasks.fail.New("b", failRequest{Reason: c.String("reason")}),
		"c": e.tasks.fail.New("c", failRequest{Value: 3}),
	}
	results, err := core.InvokeParallel(c.Context, e.scheduler, tasks)
	if results != nil {
		return fmt.Errorf("expected no results from a failed batch, got %v", results)
	}

	out := c.App.Writer
	var taskErr *core.TaskExecutionError
	switch {
	case errors.As(err, &taskErr):
		fmt.Fprintf(out, "batch failed: key=%v status=%d message=%q\n", taskErr.Key, taskErr.StatusCode, taskErr.Message)
	case core.IsConfigurationError(err):
		fmt.Fprintf(out, "pool misconfigured: %v\n", err)
	case err != nil:
		return err
	default:
		return fmt.Errorf("expected the batch to fail")
	}
	return nil
}
