// Package supervisor owns the process's background tasks.
//
// Long-lived tasks are expected to run until shutdown; the first one to
// finish, for any reason, brings the whole supervised group down. This
// is deliberately not a supervision tree: no restarts, no backoff, no
// isolation between siblings. Any long-lived exit is fatal and the
// process is expected to terminate afterwards, leaving restarts to an
// external process manager.
//
// Temporary tasks have caller-tracked lifecycles keyed by id. They are
// never covered by the abort-all policy and are removed from the
// tracking map only by an explicit ReapTemporary call.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is one unit of background work. It runs until done or until its
// context is cancelled. Cancellation is cooperative: a task is
// interrupted at its next blocking point, not instantaneously, and
// there is no timeout-based force-kill behind it.
type Task func(ctx context.Context) error

// Cause classifies how a task finished.
type Cause int

const (
	CauseOK Cause = iota
	CauseError
	CausePanic
)

func (c Cause) String() string {
	switch c {
	case CauseOK:
		return "ok"
	case CauseError:
		return "error"
	case CausePanic:
		return "panic"
	default:
		return "unknown"
	}
}

// ExitReport describes the first task of a supervised snapshot to
// finish. Index is the task's position within that snapshot, or -1 when
// Supervise returned because its own context was cancelled first.
type ExitReport struct {
	Index int
	Err   error
	Cause Cause
}

// managed is the handle for one running task. err and cause are written
// before done is closed and only read after it.
type managed struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	cause  Cause
}

func (m *managed) finished() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Supervisor starts tasks against a shared parent context and tracks
// their handles. The long-lived set and the temporary map are the only
// mutable shared state; both sit behind a lock held just for single
// insert, remove, or snapshot operations.
type Supervisor struct {
	ctx context.Context
	log zerolog.Logger

	mu        sync.Mutex
	longLived []*managed
	temp      map[uint64]*managed

	// nextTempID never repeats an id, regardless of how earlier
	// temporary tasks completed.
	nextTempID atomic.Uint64
}

func New(parent context.Context, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		ctx:  parent,
		log:  log,
		temp: make(map[uint64]*managed),
	}
}

func (s *Supervisor) start(fn Task) *managed {
	ctx, cancel := context.WithCancel(s.ctx)
	m := &managed{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(m.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				// A panic travels the same path as an error completion;
				// only the recorded cause differs.
				m.err = fmt.Errorf("panic: %v", r)
				m.cause = CausePanic
				s.log.Error().
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("task panicked")
			}
		}()
		if err := fn(ctx); err != nil {
			m.err = err
			m.cause = CauseError
		}
	}()
	return m
}

// SpawnLongLived starts every task immediately and appends its handle
// to the supervised set. It returns the number of tasks scheduled.
// Ownership of each handle moves into the supervisor; callers interact
// with the group only through Supervise.
func (s *Supervisor) SpawnLongLived(tasks ...Task) int {
	for _, fn := range tasks {
		m := s.start(fn)
		s.mu.Lock()
		s.longLived = append(s.longLived, m)
		s.mu.Unlock()
	}
	return len(tasks)
}

// SpawnTemporary starts tasks whose lifecycles are independent of the
// supervised group. Each handle is stored under the next id from the
// shared counter; the returned ids are strictly increasing across all
// calls and are never reused.
func (s *Supervisor) SpawnTemporary(tasks ...Task) []uint64 {
	ids := make([]uint64, 0, len(tasks))
	for _, fn := range tasks {
		m := s.start(fn)
		id := s.nextTempID.Add(1) - 1
		s.mu.Lock()
		s.temp[id] = m
		s.mu.Unlock()
		ids = append(ids, id)
	}
	return ids
}

// Supervise blocks until the first task of the current long-lived set
// finishes, then cancels every sibling in that set, logging one aborted
// event per sibling, and reports what triggered the teardown.
//
// The set is snapshotted at entry and ownership of the snapshot moves
// into this call: tasks spawned while Supervise is running are not
// covered by this abort pass and need another Supervise call. That race
// is a known limitation of the abort-on-first-exit design, kept
// deliberately, since the intended usage is "first exit aborts
// everything, then the process exits".
func (s *Supervisor) Supervise(ctx context.Context) *ExitReport {
	s.mu.Lock()
	snapshot := s.longLived
	s.longLived = nil
	s.mu.Unlock()

	if len(snapshot) == 0 {
		s.log.Error().Msg("no long-lived tasks to supervise")
		return nil
	}

	first := make(chan int, len(snapshot))
	for i, m := range snapshot {
		go func(i int, m *managed) {
			<-m.done
			first <- i
		}(i, m)
	}

	report := &ExitReport{Index: -1}
	select {
	case <-ctx.Done():
		report.Err = ctx.Err()
		report.Cause = CauseError
		s.log.Info().Msg("supervision cancelled, aborting all tasks")
	case idx := <-first:
		m := snapshot[idx]
		report.Index = idx
		report.Err = m.err
		report.Cause = m.cause
		switch m.cause {
		case CauseOK:
			s.log.Error().Int("task", idx).Msg("task exited normally")
		case CausePanic:
			s.log.Error().Int("task", idx).Err(m.err).Msg("task exited by panic")
		default:
			s.log.Error().Int("task", idx).Err(m.err).Msg("task exited with error")
		}
	}

	for i, m := range snapshot {
		if i == report.Index {
			continue
		}
		m.cancel()
		s.log.Error().Int("task", i).Msg("aborted task")
	}
	return report
}

// ReapTemporary removes the handles of completed temporary tasks and
// returns how many were removed. Reaping is always explicit; handles
// are never dropped behind the caller's back. The maintenance service
// runs this on a schedule so the map cannot grow without bound.
func (s *Supervisor) ReapTemporary() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.temp {
		if m.finished() {
			delete(s.temp, id)
			n++
		}
	}
	return n
}

// TemporaryCount reports how many temporary handles are being tracked,
// finished or not.
func (s *Supervisor) TemporaryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.temp)
}

// TemporaryDone reports whether the given temporary task has finished.
// The second result is false when the id is unknown or already reaped.
func (s *Supervisor) TemporaryDone(id uint64) (bool, bool) {
	s.mu.Lock()
	m, ok := s.temp[id]
	s.mu.Unlock()
	if !ok {
		return false, false
	}
	return m.finished(), true
}
