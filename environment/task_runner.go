package environment

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// TaskRunner executes posted tasks one at a time, in posting order, on a
// single logical sequence. Delayed tasks run no earlier than their delay.
// PostTask and PostTaskWithDelay are safe to call from any goroutine.
type TaskRunner interface {
	PostTask(task func())
	PostTaskWithDelay(task func(), delay time.Duration)
}

// LoopTaskRunner is a TaskRunner backed by one goroutine.
type LoopTaskRunner struct {
	clock clockwork.Clock

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoopTaskRunner creates a runner that uses clock for delayed tasks.
// Call Start to begin executing tasks.
func NewLoopTaskRunner(clock clockwork.Clock) *LoopTaskRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &LoopTaskRunner{
		clock:  clock,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the task loop goroutine.
func (r *LoopTaskRunner) Start() {
	logrus.WithFields(logrus.Fields{
		"function": "LoopTaskRunner.Start",
	}).Debug("Starting task loop")

	go r.run()
}

// Stop ends the task loop and waits for the running task, if any, to finish.
// Tasks still queued are discarded. Stop must not be called from a task.
func (r *LoopTaskRunner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	discarded := len(r.queue)
	r.queue = nil
	r.mu.Unlock()

	r.cancel()
	<-r.done

	logrus.WithFields(logrus.Fields{
		"function":        "LoopTaskRunner.Stop",
		"discarded_tasks": discarded,
	}).Debug("Task loop stopped")
}

// PostTask queues task to run on the loop goroutine.
func (r *LoopTaskRunner) PostTask(task func()) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, task)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// PostTaskWithDelay queues task once delay has elapsed on the runner's clock.
func (r *LoopTaskRunner) PostTaskWithDelay(task func(), delay time.Duration) {
	if delay <= 0 {
		r.PostTask(task)
		return
	}
	r.clock.AfterFunc(delay, func() { r.PostTask(task) })
}

func (r *LoopTaskRunner) run() {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}

		for {
			task, ok := r.next()
			if !ok {
				break
			}
			task()
		}
	}
}

func (r *LoopTaskRunner) next() (func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || len(r.queue) == 0 {
		return nil, false
	}
	task := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return task, true
}
