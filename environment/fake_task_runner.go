package environment

import (
	"container/heap"
	"time"

	"github.com/jonboulle/clockwork"
)

// FakeTaskRunner is a deterministic TaskRunner for tests. Tasks run
// synchronously on the calling goroutine from RunTasksUntilIdle and
// AdvanceClock; nothing runs in the background.
type FakeTaskRunner struct {
	clock   clockwork.FakeClock
	ready   []func()
	delayed delayedTaskQueue
	seq     uint64
}

// NewFakeTaskRunner creates a runner driven by clock.
func NewFakeTaskRunner(clock clockwork.FakeClock) *FakeTaskRunner {
	return &FakeTaskRunner{clock: clock}
}

// Clock returns the fake clock driving this runner.
func (r *FakeTaskRunner) Clock() clockwork.FakeClock {
	return r.clock
}

// PostTask queues task to run on the next RunTasksUntilIdle.
func (r *FakeTaskRunner) PostTask(task func()) {
	r.ready = append(r.ready, task)
}

// PostTaskWithDelay queues task to run once the fake clock reaches now+delay.
func (r *FakeTaskRunner) PostTaskWithDelay(task func(), delay time.Duration) {
	if delay <= 0 {
		r.PostTask(task)
		return
	}
	r.seq++
	heap.Push(&r.delayed, &delayedTask{
		due:  r.clock.Now().Add(delay),
		seq:  r.seq,
		task: task,
	})
}

// RunTasksUntilIdle runs every ready task, including tasks posted while
// running and delayed tasks that are already due.
func (r *FakeTaskRunner) RunTasksUntilIdle() {
	for {
		r.promoteDueTasks()
		if len(r.ready) == 0 {
			return
		}
		task := r.ready[0]
		r.ready[0] = nil
		r.ready = r.ready[1:]
		task()
	}
}

// AdvanceClock moves the fake clock forward by d, stopping at each delayed
// task's due time so tasks observe the clock they were scheduled for.
func (r *FakeTaskRunner) AdvanceClock(d time.Duration) {
	target := r.clock.Now().Add(d)
	r.RunTasksUntilIdle()

	for r.delayed.Len() > 0 {
		due := r.delayed[0].due
		if due.After(target) {
			break
		}
		if now := r.clock.Now(); due.After(now) {
			r.clock.Advance(due.Sub(now))
		}
		r.RunTasksUntilIdle()
	}

	if now := r.clock.Now(); target.After(now) {
		r.clock.Advance(target.Sub(now))
	}
	r.RunTasksUntilIdle()
}

// PendingTaskCount returns the number of ready and delayed tasks.
func (r *FakeTaskRunner) PendingTaskCount() int {
	return len(r.ready) + r.delayed.Len()
}

func (r *FakeTaskRunner) promoteDueTasks() {
	now := r.clock.Now()
	for r.delayed.Len() > 0 && !r.delayed[0].due.After(now) {
		t := heap.Pop(&r.delayed).(*delayedTask)
		r.ready = append(r.ready, t.task)
	}
}

type delayedTask struct {
	due  time.Time
	seq  uint64
	task func()
}

// delayedTaskQueue orders tasks by due time, then by posting order.
type delayedTaskQueue []*delayedTask

func (q delayedTaskQueue) Len() int { return len(q) }

func (q delayedTaskQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q delayedTaskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *delayedTaskQueue) Push(x any) { *q = append(*q, x.(*delayedTask)) }

func (q *delayedTaskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
