package nd

import (
	"container/heap"
	"time"

	"github.com/benbjohnson/clock"
)

// This file implements the discrete-event timer service shared by every
// process of a Node. Firing a timer never calls into a process: expired
// timers are queued and the Node loop delivers them one by one, so timer
// delivery is serialized with message delivery.

// ProcessID identifies a Process within one Node.
type ProcessID uint32

// TimerKey identifies a named timer. An empty Name is an anonymous timer;
// anonymous timers never replace each other.
type TimerKey struct {
	Owner ProcessID
	Name  string
}

// Expiry is a fired timer waiting to be delivered to its owner.
type Expiry struct {
	Owner ProcessID
	Name  string
	At    time.Time
}

// timer is one armed entry of the Scheduler heap.
type timer struct {
	key       TimerKey
	at        time.Time
	seq       uint64
	index     int
	cancelled bool
}

// timerHeap orders timers by (fire time, scheduling sequence).
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t, _ := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// -------------------------------------------------------------------------
// Scheduler
// -------------------------------------------------------------------------

// Scheduler is a single-threaded discrete-event timer service keyed by
// (owner, name). It is not safe for concurrent use; the Node loop is its
// only caller.
type Scheduler struct {
	clock clock.Clock

	armed   timerHeap
	named   map[TimerKey]*timer
	expired []*timer
	seq     uint64
}

// NewScheduler creates a Scheduler reading time from clk. A nil clk uses
// the wall clock.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clock: clk,
		named: make(map[TimerKey]*timer),
	}
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Clock returns the time source of the scheduler.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Reset cancels every armed and expired timer.
func (s *Scheduler) Reset() {
	s.armed = nil
	s.expired = nil
	s.named = make(map[TimerKey]*timer)
}

// ScheduleRelative arms a timer firing d from now. A pending timer with the
// same non-empty (owner, name) is cancelled first.
func (s *Scheduler) ScheduleRelative(d time.Duration, owner ProcessID, name string) {
	s.ScheduleAbsolute(s.clock.Now().Add(d), owner, name)
}

// ScheduleAbsolute arms a timer firing at at. A time in the past fires on
// the next call to Expire. A pending timer with the same non-empty
// (owner, name) is cancelled first.
func (s *Scheduler) ScheduleAbsolute(at time.Time, owner ProcessID, name string) {
	key := TimerKey{Owner: owner, Name: name}
	if name != "" {
		s.Cancel(owner, name)
	}

	s.seq++
	t := &timer{key: key, at: at, seq: s.seq}
	heap.Push(&s.armed, t)

	if name != "" {
		s.named[key] = t
	}
}

// Cancel removes the named timer of owner, whether it is still armed or
// already expired and waiting for delivery. Cancelling an unknown timer is
// a no-op.
func (s *Scheduler) Cancel(owner ProcessID, name string) {
	key := TimerKey{Owner: owner, Name: name}
	t, ok := s.named[key]
	if !ok {
		return
	}
	delete(s.named, key)
	s.drop(t)
}

// CancelOwner removes every timer (named or anonymous) owned by owner.
func (s *Scheduler) CancelOwner(owner ProcessID) {
	for key, t := range s.named {
		if key.Owner == owner {
			delete(s.named, key)
			s.drop(t)
		}
	}
	for _, t := range s.armed {
		if t.key.Owner == owner {
			t.cancelled = true
		}
	}
	for _, t := range s.expired {
		if t.key.Owner == owner {
			t.cancelled = true
		}
	}
}

// drop detaches t from the heap or marks it cancelled in the expired queue.
func (s *Scheduler) drop(t *timer) {
	if t.index >= 0 && t.index < len(s.armed) && s.armed[t.index] == t {
		heap.Remove(&s.armed, t.index)
		return
	}
	t.cancelled = true
}

// Pending reports whether the named timer of owner is armed or expired but
// not yet delivered.
func (s *Scheduler) Pending(owner ProcessID, name string) bool {
	_, ok := s.named[TimerKey{Owner: owner, Name: name}]
	return ok
}

// NextDeadline returns the fire time of the earliest armed timer.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	for len(s.armed) > 0 {
		if s.armed[0].cancelled {
			heap.Pop(&s.armed)
			continue
		}
		return s.armed[0].at, true
	}
	return time.Time{}, false
}

// Expire moves every timer whose fire time is not after now into the
// expired queue, in fire order, and returns how many were moved.
func (s *Scheduler) Expire() int {
	now := s.clock.Now()
	moved := 0

	for len(s.armed) > 0 && !s.armed[0].at.After(now) {
		t, _ := heap.Pop(&s.armed).(*timer)
		if t.cancelled {
			continue
		}
		s.expired = append(s.expired, t)
		moved++
	}

	return moved
}

// PopExpired removes and returns the oldest expired timer. The named entry
// is released, so the owner may re-arm the same name while handling it.
func (s *Scheduler) PopExpired() (Expiry, bool) {
	for len(s.expired) > 0 {
		t := s.expired[0]
		s.expired[0] = nil
		s.expired = s.expired[1:]
		if t.cancelled {
			continue
		}
		if t.key.Name != "" && s.named[t.key] == t {
			delete(s.named, t.key)
		}
		return Expiry{Owner: t.key.Owner, Name: t.key.Name, At: t.at}, true
	}
	return Expiry{}, false
}

// Len returns the number of timers armed or waiting for delivery.
func (s *Scheduler) Len() int {
	n := 0
	for _, t := range s.armed {
		if !t.cancelled {
			n++
		}
	}
	for _, t := range s.expired {
		if !t.cancelled {
			n++
		}
	}
	return n
}
