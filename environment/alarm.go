package environment

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Alarm runs at most one scheduled task on a TaskRunner. Scheduling a new task
// replaces any task still pending. An Alarm must only be used from tasks
// running on its runner.
type Alarm struct {
	clock  clockwork.Clock
	runner TaskRunner

	task       func()
	fireTime   time.Time
	generation uint64
}

// NewAlarm creates an idle alarm.
func NewAlarm(clock clockwork.Clock, runner TaskRunner) *Alarm {
	return &Alarm{clock: clock, runner: runner}
}

// Schedule arranges for task to run at when. A time at or before now runs the
// task as soon as the runner gets to it.
func (a *Alarm) Schedule(task func(), when time.Time) {
	a.generation++
	a.task = task
	a.fireTime = when

	generation := a.generation
	delay := when.Sub(a.clock.Now())
	a.runner.PostTaskWithDelay(func() { a.fire(generation) }, delay)
}

// ScheduleFromNow arranges for task to run after delay.
func (a *Alarm) ScheduleFromNow(task func(), delay time.Duration) {
	a.Schedule(task, a.clock.Now().Add(delay))
}

// Cancel drops the pending task, if any.
func (a *Alarm) Cancel() {
	a.generation++
	a.task = nil
}

// IsScheduled reports whether a task is pending.
func (a *Alarm) IsScheduled() bool {
	return a.task != nil
}

// FireTime returns when the pending task is due. Only meaningful while
// IsScheduled is true.
func (a *Alarm) FireTime() time.Time {
	return a.fireTime
}

func (a *Alarm) fire(generation uint64) {
	if generation != a.generation || a.task == nil {
		return
	}
	task := a.task
	a.task = nil
	task()
}
