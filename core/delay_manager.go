package core

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DelayedTask is a closure waiting for its deadline.
type DelayedTask struct {
	RunAt   time.Time
	Closure Closure
	Target  TaskRunner
	seq     uint64
	index   int // for heap interface
}

// DelayedTaskHeap orders by deadline, then by insertion.
type DelayedTaskHeap []*DelayedTask

func (h DelayedTaskHeap) Len() int { return len(h) }

func (h DelayedTaskHeap) Less(i, j int) bool {
	if h[i].RunAt.Equal(h[j].RunAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].RunAt.Before(h[j].RunAt)
}

func (h DelayedTaskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *DelayedTaskHeap) Push(x any) {
	item := x.(*DelayedTask)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *DelayedTaskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

func (h DelayedTaskHeap) Peek() *DelayedTask {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// DelayManager holds delayed closures on one timer goroutine and posts each
// to its target runner once due. Waiting never occupies the target.
type DelayManager struct {
	pq     DelayedTaskHeap
	seq    uint64
	mu     sync.Mutex
	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDelayManager() *DelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	heap.Init(&dm.pq)
	go dm.loop()
	return dm
}

// AddDelayedTask schedules c to be posted to target after delay.
// It returns false once the manager is stopped.
func (dm *DelayManager) AddDelayedTask(c Closure, delay time.Duration, target TaskRunner) bool {
	dm.mu.Lock()
	if dm.ctx.Err() != nil {
		dm.mu.Unlock()
		return false
	}
	dm.seq++
	item := &DelayedTask{RunAt: time.Now().Add(delay), Closure: c, Target: target, seq: dm.seq}
	heap.Push(&dm.pq, item)
	first := item.index == 0
	dm.mu.Unlock()

	if first {
		select {
		case dm.wakeup <- struct{}{}:
		default:
		}
	}
	return true
}

func (dm *DelayManager) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait, ok := dm.nextDeadline()
		if !ok {
			// Nothing scheduled: sleep until a wakeup
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-dm.ctx.Done():
			return
		case <-timer.C:
			dm.postExpired()
		case <-dm.wakeup:
		}
	}
}

// nextDeadline reports how long until the earliest task is due.
func (dm *DelayManager) nextDeadline() (time.Duration, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	item := dm.pq.Peek()
	if item == nil {
		return 0, false
	}
	return max(time.Until(item.RunAt), 0), true
}

// postExpired pops every due task and posts it outside the lock.
func (dm *DelayManager) postExpired() {
	dm.mu.Lock()
	now := time.Now()
	var expired []*DelayedTask
	for dm.pq.Len() > 0 && !dm.pq.Peek().RunAt.After(now) {
		expired = append(expired, heap.Pop(&dm.pq).(*DelayedTask))
	}
	dm.mu.Unlock()

	for _, item := range expired {
		item.Target.PostTask(item.Closure)
	}
}

// Stop ends the timer goroutine and drops every pending closure.
func (dm *DelayManager) Stop() int {
	dm.cancel()

	dm.mu.Lock()
	defer dm.mu.Unlock()
	dropped := len(dm.pq)
	dm.pq = nil
	return dropped
}

func (dm *DelayManager) TaskCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.pq)
}
