// Package environment provides the platform services the streaming engine
// runs on: a clock, a single-sequence task runner, alarms, and a UDP
// environment that owns the datagram socket.
//
// All engine state in this module is mutated only from tasks executed by one
// TaskRunner. Socket and message port reads happen on their own goroutines
// and post work to the runner, so the engine types never take locks.
//
// # Task Runners
//
// LoopTaskRunner runs tasks on a single goroutine and is used in production:
//
//	runner := environment.NewLoopTaskRunner(clockwork.NewRealClock())
//	runner.Start()
//	defer runner.Stop()
//	runner.PostTaskWithDelay(func() { ... }, 500*time.Millisecond)
//
// FakeTaskRunner runs tasks synchronously against a clockwork.FakeClock so
// tests can advance time deterministically:
//
//	clock := clockwork.NewFakeClock()
//	runner := environment.NewFakeTaskRunner(clock)
//	runner.PostTaskWithDelay(task, time.Second)
//	runner.AdvanceClock(time.Second) // task runs here
//
// # Alarms
//
// An Alarm schedules at most one pending task at a time. Rescheduling replaces
// the previous task, and Cancel prevents it from running.
package environment
