package task

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Group holds a set of tasks added before the group starts, then runs
// and stops all of them together. The balancer assembles one Group for
// its tick in Balancer.Start and stops it as a unit in Balancer.Stop.
type Group struct {
	mu      sync.Mutex
	entries []*groupEntry
	started bool
}

type groupEntry struct {
	id       int
	f        Func
	schedule Schedule
	stop     func(time.Duration) error
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{}
}

// Add registers a task with the group. Must be called before Start.
func (g *Group) Add(f Func, schedule Schedule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = append(g.entries, &groupEntry{id: len(g.entries), f: f, schedule: schedule})
}

// Start begins running every task added so far. ctx is currently unused
// beyond matching the teacher's signature (each task gets its own
// internally-managed context from task.Start); a future cancellation
// hook would thread ctx through if tasks ever needed an external signal
// besides Stop.
func (g *Group) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true
	for _, e := range g.entries {
		stop, _ := Start(e.f, e.schedule)
		e.stop = stop
	}
}

// Stop terminates every task in the group, waiting up to timeout for
// each. If any task is still running after its timeout, Stop returns an
// error naming the IDs that didn't finish in time.
func (g *Group) Stop(timeout time.Duration) error {
	g.mu.Lock()
	entries := append([]*groupEntry(nil), g.entries...)
	g.mu.Unlock()

	var stuck []int
	for _, e := range entries {
		if e.stop == nil {
			continue
		}
		if err := e.stop(timeout); err != nil {
			stuck = append(stuck, e.id)
		}
	}
	if len(stuck) > 0 {
		return fmt.Errorf("Task(s) still running: IDs %v", stuck)
	}
	return nil
}
