// Package frame holds the cooperative, frame-driven scheduling primitives:
// a clock advanced by the render loop, delayed continuations guarded by
// generation tokens, and ordered hook lists.
package frame

import "sort"

// Generation is a monotonically increasing operation counter. An operation
// captures a Token when it starts; a continuation checks Current before
// acting so that newer operations supersede stale ones.
type Generation struct {
	n uint64
}

// Token identifies one generation
type Token uint64

// Next starts a new generation and returns its token
func (g *Generation) Next() Token {
	g.n++
	return Token(g.n)
}

// Current reports whether tok is still the latest generation
func (g *Generation) Current(tok Token) bool {
	return uint64(tok) == g.n
}

// TaskID identifies a scheduled continuation
type TaskID uint64

type task struct {
	id  TaskID
	due float64
	seq uint64
	fn  func()
}

// Scheduler runs continuations after a delay measured in frame time. It has
// no goroutines; Advance must be called from the frame loop.
type Scheduler struct {
	now    float64
	nextID TaskID
	seq    uint64
	tasks  []task
}

// NewScheduler creates an empty scheduler at time zero
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Now returns the accumulated frame time in seconds
func (s *Scheduler) Now() float64 {
	return s.now
}

// After schedules fn to run once at least delay seconds of frame time have
// elapsed.
func (s *Scheduler) After(delay float64, fn func()) TaskID {
	if delay < 0 {
		delay = 0
	}
	s.nextID++
	s.seq++
	s.tasks = append(s.tasks, task{id: s.nextID, due: s.now + delay, seq: s.seq, fn: fn})
	return s.nextID
}

// Cancel removes a pending task and reports whether it was pending
func (s *Scheduler) Cancel(id TaskID) bool {
	for i, t := range s.tasks {
		if t.id == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the number of tasks not yet run
func (s *Scheduler) Pending() int {
	return len(s.tasks)
}

// Advance moves the clock forward by dt and runs every task that has come
// due, in due order. Tasks scheduled by a running task wait at least until
// the next Advance.
func (s *Scheduler) Advance(dt float64) {
	if dt > 0 {
		s.now += dt
	}

	var due []task
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if t.due <= s.now {
			due = append(due, t)
		} else {
			kept = append(kept, t)
		}
	}
	s.tasks = kept

	sort.Slice(due, func(i, j int) bool {
		if due[i].due != due[j].due {
			return due[i].due < due[j].due
		}
		return due[i].seq < due[j].seq
	})
	for _, t := range due {
		t.fn()
	}
}

// Clear drops every pending task
func (s *Scheduler) Clear() {
	s.tasks = nil
}
