// Package workflow tracks the scheduling state of in-flight dialog turns:
// which services ran, which tasks are pending, and when the turn may be
// flushed. State here is memory-only; nothing is persisted.
package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dialogstack/conductor/agent/pipeline"
	"github.com/dialogstack/conductor/dialog"
)

// Task is one dispatched service invocation within a workflow.
type Task struct {
	ID       string
	DialogID string
	Service  *pipeline.Service
	Payload  any
	Ind      int

	SendTime time.Time
	DoneTime time.Time
	Errored  bool
}

type serviceState struct {
	pending map[string]*Task
	tasks   []*Task
	done    bool
	skipped bool
	errored bool
	failed  int
	total   int
}

// Record is the in-memory scheduling state of one in-flight dialog turn.
type Record struct {
	Dialog    *dialog.Dialog
	Deadline  time.Time
	HoldFlush bool
	Attrs     map[string]any
	Latch     *Latch

	// Outcome is the turn's terminal status for accounting. Written under
	// the hook mutex by whichever path ends the turn; empty means the
	// responder fired normally.
	Outcome string

	// hookMu serializes state-hook execution and the dispatch step that
	// follows it, so dialog mutation stays single-writer per turn.
	hookMu sync.Mutex

	services    map[string]*serviceState
	handles     map[string]func()
	watcherStop func()
}

// LockHooks acquires the record's hook mutex.
func (r *Record) LockHooks() { r.hookMu.Lock() }

// UnlockHooks releases the record's hook mutex.
func (r *Record) UnlockHooks() { r.hookMu.Unlock() }

// StopDeadlineWatcher cancels the deadline watcher if one was armed.
// Called on the flushed record.
func (r *Record) StopDeadlineWatcher() {
	if r.watcherStop != nil {
		r.watcherStop()
	}
}

// CancelPending invokes the task handles still registered on the record
// and returns how many were cancelled. Only safe on a flushed record.
func (r *Record) CancelPending() int {
	n := len(r.handles)
	for id, cancel := range r.handles {
		cancel()
		delete(r.handles, id)
	}
	return n
}

// TaskDurations reports completed-task latency per service name. Only safe
// on a flushed record.
func (r *Record) TaskDurations() map[string][]time.Duration {
	out := make(map[string][]time.Duration, len(r.services))
	for name, st := range r.services {
		for _, t := range st.tasks {
			if !t.DoneTime.IsZero() {
				out[name] = append(out[name], t.DoneTime.Sub(t.SendTime))
			}
		}
	}
	return out
}

// Manager owns every active workflow record and the task index across them.
// All operations are O(1) in the number of active services and never block
// inside the critical section.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Record
	tasks   map[string]*Task
}

func NewManager() *Manager {
	return &Manager{
		records: map[string]*Record{},
		tasks:   map[string]*Task{},
	}
}

// AddRecord opens a workflow for the dialog. A dialog can have at most one
// active record; a duplicate is an error. attrs carries the ingress message
// attributes handed to every state hook of the turn.
func (m *Manager) AddRecord(d *dialog.Dialog, deadline time.Time, holdFlush bool, attrs map[string]any) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[d.ID]; exists {
		return nil, errors.Errorf("dialog %s is already in workflow", d.ID)
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	rec := &Record{
		Dialog:    d,
		Deadline:  deadline,
		HoldFlush: holdFlush,
		Attrs:     attrs,
		Latch:     NewLatch(),
		services:  map[string]*serviceState{},
		handles:   map[string]func(){},
	}
	m.records[d.ID] = rec
	return rec, nil
}

// Record returns the active record for the dialog, nil when none.
func (m *Manager) Record(dialogID string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[dialogID]
}

// AddTask registers a new service invocation and returns its task id.
// Returns false when the dialog has no record or the service already
// finished (done or skipped).
func (m *Manager) AddTask(dialogID string, svc *pipeline.Service, payload any, ind int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[dialogID]
	if rec == nil {
		return "", false
	}
	st := rec.services[svc.Name]
	if st == nil {
		st = &serviceState{pending: map[string]*Task{}}
		rec.services[svc.Name] = st
	}
	if st.done || st.skipped {
		return "", false
	}
	t := &Task{
		ID:       uuid.NewString(),
		DialogID: dialogID,
		Service:  svc,
		Payload:  payload,
		Ind:      ind,
		SendTime: time.Now(),
	}
	st.pending[t.ID] = t
	st.tasks = append(st.tasks, t)
	st.total++
	m.tasks[t.ID] = t
	return t.ID, true
}

// SetTaskHandle stores the cancellable handle used to abort the task when
// the deadline fires.
func (m *Manager) SetTaskHandle(dialogID, taskID string, cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.records[dialogID]; rec != nil {
		if _, known := m.tasks[taskID]; known {
			rec.handles[taskID] = cancel
		}
	}
}

// SetDeadlineWatcher stores the stop function of the record's deadline
// watcher so flushing can cancel it.
func (m *Manager) SetDeadlineWatcher(dialogID string, stop func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.records[dialogID]; rec != nil {
		rec.watcherStop = stop
	}
}

// SkipService marks the service skipped. Idempotent; existing task
// bookkeeping is left alone so in-flight results resolve (and are ignored).
func (m *Manager) SkipService(dialogID string, svc *pipeline.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[dialogID]
	if rec == nil {
		return
	}
	st := rec.services[svc.Name]
	if st == nil {
		st = &serviceState{pending: map[string]*Task{}}
		rec.services[svc.Name] = st
	}
	st.skipped = true
}

// CompleteTask resolves a task. Completing a task twice, or after its
// record was flushed, is a no-op returning (nil, nil). When the service's
// pending set empties it transitions to done, with the error flag raised
// only if every one of its tasks failed.
func (m *Manager) CompleteTask(taskID string, failed bool) (*Record, *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[taskID]
	if t == nil {
		return nil, nil
	}
	delete(m.tasks, taskID)
	t.DoneTime = time.Now()
	t.Errored = failed

	rec := m.records[t.DialogID]
	if rec == nil {
		return nil, t
	}
	delete(rec.handles, taskID)
	st := rec.services[t.Service.Name]
	if st == nil {
		return rec, t
	}
	delete(st.pending, taskID)
	if failed {
		st.failed++
	}
	if len(st.pending) == 0 {
		st.done = true
		st.errored = st.total > 0 && st.failed == st.total
	}
	return rec, t
}

// ServicesStatus partitions the record's services into done, waiting and
// skipped name sets. Errored services count as skipped.
func (m *Manager) ServicesStatus(dialogID string) (done, waiting, skipped map[string]bool) {
	done, waiting, skipped = map[string]bool{}, map[string]bool{}, map[string]bool{}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[dialogID]
	if rec == nil {
		return done, waiting, skipped
	}
	for name, st := range rec.services {
		switch {
		case st.skipped || st.errored:
			skipped[name] = true
		case st.done:
			done[name] = true
		default:
			waiting[name] = true
		}
	}
	return done, waiting, skipped
}

// CancelPendingTasks invokes every stored task handle and returns how many
// were cancelled. Used by the deadline watcher.
func (m *Manager) CancelPendingTasks(dialogID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[dialogID]
	if rec == nil {
		return 0
	}
	n := len(rec.handles)
	for id, cancel := range rec.handles {
		cancel()
		delete(rec.handles, id)
	}
	return n
}

// FlushRecord detaches and returns the record. Tasks still pending are
// dropped from the index, so their late responses become no-ops.
func (m *Manager) FlushRecord(dialogID string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[dialogID]
	if rec == nil {
		return nil
	}
	delete(m.records, dialogID)
	for _, st := range rec.services {
		for id := range st.pending {
			delete(m.tasks, id)
		}
	}
	return rec
}
