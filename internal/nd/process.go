package nd

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Behavior is the state machine run by a Process.
//
// Start is called once by Node.Spawn, before Spawn returns; it typically
// subscribes to messages and arms the first timers. Handle is called for
// every delivered event and runs to completion: a behavior suspends only by
// returning. A returned error is logged and the process keeps running.
type Behavior interface {
	Start(p *Process) error
	Handle(p *Process, ev Event) (Reply, error)
}

// Process is a cooperative state machine hosted by a Node. All methods must
// be called from the Node loop goroutine.
type Process struct {
	id       ProcessID
	name     string
	node     *Node
	behavior Behavior
	finished bool
	logger   *slog.Logger
}

// ID returns the process id, unique within one Node run.
func (p *Process) ID() ProcessID { return p.id }

// Name returns the process name used in logs.
func (p *Process) Name() string { return p.name }

// Node returns the hosting node.
func (p *Process) Node() *Node { return p.node }

// Logger returns the process logger.
func (p *Process) Logger() *slog.Logger { return p.logger }

// Finished reports whether the process has terminated.
func (p *Process) Finished() bool { return p.finished }

// Behavior returns the state machine run by the process.
func (p *Process) Behavior() Behavior { return p.behavior }

// Send delivers exactly one event and returns the process reply.
//
// A finished process replies ReplyFinished without running its behavior.
// Errors and panics raised by the behavior are logged and counted; the
// process then waits for its next event as if the event had been handled.
func (p *Process) Send(ev Event) (reply Reply) {
	if p.finished {
		return ReplyFinished
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("process panicked while handling event",
				slog.String("event", ev.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			p.node.metrics.IncProcessErrors(p.name)
			reply = ReplyNone
		}
	}()

	reply, err := p.behavior.Handle(p, ev)
	if err != nil {
		p.logger.Warn("event handling failed",
			slog.String("event", ev.String()),
			slog.String("error", err.Error()),
		)
		p.node.metrics.IncProcessErrors(p.name)
	}

	if reply == ReplyFinished {
		p.finished = true
		p.node.processFinished(p)
	}

	return reply
}

// ScheduleRelative arms the timer name of this process d from now,
// replacing a pending timer with the same name.
func (p *Process) ScheduleRelative(d time.Duration, name string) {
	p.node.sched.ScheduleRelative(d, p.id, name)
}

// ScheduleAbsolute arms the timer name of this process at t, replacing a
// pending timer with the same name. A zero t cancels the timer.
func (p *Process) ScheduleAbsolute(t time.Time, name string) {
	if t.IsZero() {
		p.node.sched.Cancel(p.id, name)
		return
	}
	p.node.sched.ScheduleAbsolute(t, p.id, name)
}

// Cancel cancels the timer name of this process.
func (p *Process) Cancel(name string) {
	p.node.sched.Cancel(p.id, name)
}

// TimerPending reports whether the timer name of this process is armed.
func (p *Process) TimerPending(name string) bool {
	return p.node.sched.Pending(p.id, name)
}

// Subscribe registers this process for inbound messages matching pattern.
func (p *Process) Subscribe(pattern Pattern) {
	p.node.Subscribe(pattern, p)
}

// Now returns the scheduler time.
func (p *Process) Now() time.Time {
	return p.node.sched.Now()
}

// String returns "name#id".
func (p *Process) String() string {
	return fmt.Sprintf("%s#%d", p.name, p.id)
}
