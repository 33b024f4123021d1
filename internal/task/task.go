// Package task implements a small periodic-task scheduler, grounded on
// the teacher's lxd/task package (only its test suite survived
// retrieval; this reconstructs the implementation those tests exercise).
// The balancer's tick runs as a Task rather than a hand-rolled goroutine
// loop, the way every periodic job in the teacher does; the daemon's
// daily maintenance is scheduled with robfig/cron, not through this
// package.
package task

import (
	"context"
	"time"
)

// Func is a task function; it receives a context that is cancelled when
// the task is stopped mid-run.
type Func func(context.Context)

// Schedule returns the delay before the next round. A non-nil error
// skips running the task function for this round without stopping the
// scheduler, provided the returned interval is positive — the scheduler
// retries the schedule after that interval. A non-positive interval,
// whether or not err is set, terminates the task permanently.
type Schedule func() (time.Duration, error)

// Option tweaks the behavior of Every.
type Option func(*every)

type every struct {
	interval  time.Duration
	skipFirst bool
}

// SkipFirst causes the first round to be skipped, so the task function
// only runs starting at the second round.
func SkipFirst(e *every) { e.skipFirst = true }

type skipRoundError struct{}

func (skipRoundError) Error() string { return "skip this round" }

// Every returns a Schedule that fires at a fixed interval starting
// immediately, unless SkipFirst is given. A zero interval means the task
// function is never run.
func Every(interval time.Duration, options ...Option) Schedule {
	e := &every{interval: interval}
	for _, o := range options {
		o(e)
	}

	first := true
	return func() (time.Duration, error) {
		if e.interval <= 0 {
			return 0, skipRoundError{}
		}
		if first {
			first = false
			if e.skipFirst {
				return e.interval, skipRoundError{}
			}
		}
		return e.interval, nil
	}
}

// Start begins running f on the given schedule in a new goroutine, and
// returns two functions: stop terminates the task, waiting up to timeout
// for any in-flight round to finish before returning an error if it
// didn't; reset triggers an immediate re-run of f, cutting short
// whatever post-round delay the scheduler is currently waiting out.
func Start(f Func, schedule Schedule) (stop func(timeout time.Duration) error, reset func()) {
	ctx, cancel := context.WithCancel(context.Background())
	resetCh := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		run(ctx, f, schedule, resetCh)
	}()

	stop = func(timeout time.Duration) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-time.After(timeout):
			return errStillRunning
		}
	}
	reset = func() {
		select {
		case resetCh <- struct{}{}:
		default:
		}
	}
	return stop, reset
}

var errStillRunning = &stillRunningError{}

type stillRunningError struct{}

func (e *stillRunningError) Error() string { return "task still running" }

func run(ctx context.Context, f Func, schedule Schedule, resetCh <-chan struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}

		interval, err := schedule()

		if err != nil {
			if interval <= 0 {
				return
			}
			if !sleep(ctx, interval, resetCh) {
				return
			}
			continue
		}

		f(ctx)

		if interval <= 0 {
			return
		}
		if !sleep(ctx, interval, resetCh) {
			return
		}
	}
}

// sleep waits for d, an early reset, or cancellation, reporting whether
// the caller should keep looping (false means ctx was cancelled).
func sleep(ctx context.Context, d time.Duration, resetCh <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-resetCh:
		return true
	}
}
