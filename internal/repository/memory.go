package repository

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pesio-ai/be-pm-approvals/internal/platform/errors"
)

// MemoryTaskStore keeps tasks in process. Values are copied on the way in
// and out so callers never alias stored state.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
}

// NewMemoryTaskStore creates a store seeded with tasks.
func NewMemoryTaskStore(tasks ...*Task) *MemoryTaskStore {
	s := &MemoryTaskStore{tasks: make(map[string]*Task)}
	for _, t := range tasks {
		s.Put(t)
	}
	return s
}

// Put inserts or replaces a task.
func (s *MemoryTaskStore) Put(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		s.order = append(s.order, t.ID)
	}
	s.tasks[t.ID] = copyTask(t)
}

func (s *MemoryTaskStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return copyTask(t), nil
}

func (s *MemoryTaskStore) UpdateTask(_ context.Context, id string, update TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return errors.NotFound("task", id)
	}
	if update.Approval != nil {
		t.Approval = update.Approval.Clone()
	}
	if update.Status != nil {
		t.Status = *update.Status
	}
	if update.StartDate != nil {
		ts := *update.StartDate
		t.StartDate = &ts
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryTaskStore) GetTaskByApprovalID(_ context.Context, requestID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Approval != nil && t.Approval.ID == requestID {
			return copyTask(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryTaskStore) ListTasksWithPendingApproval(_ context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Approval != nil && t.Approval.Status == StatusPending {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func copyTask(t *Task) *Task {
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	c.Approval = t.Approval.Clone()
	if t.EstimatedValue != nil {
		v := *t.EstimatedValue
		c.EstimatedValue = &v
	}
	if t.StartDate != nil {
		ts := *t.StartDate
		c.StartDate = &ts
	}
	return &c
}

// MemoryDirectory is a fixed user list.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users []*User
}

// NewMemoryDirectory creates a directory holding users in the given order.
func NewMemoryDirectory(users ...*User) *MemoryDirectory {
	d := &MemoryDirectory{}
	for _, u := range users {
		cp := *u
		d.users = append(d.users, &cp)
	}
	return d
}

func (d *MemoryDirectory) GetUsers(_ context.Context) ([]*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*User, len(d.users))
	for i, u := range d.users {
		cp := *u
		out[i] = &cp
	}
	return out, nil
}

func (d *MemoryDirectory) GetUser(_ context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

// MemoryAuditLog collects audit entries in process.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []*ApprovalAuditEntry
	seq     int
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (l *MemoryAuditLog) Append(_ context.Context, entry *ApprovalAuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	cp := *entry
	cp.ID = strconv.Itoa(l.seq)
	if cp.PerformedAt.IsZero() {
		cp.PerformedAt = time.Now()
	}
	entry.ID = cp.ID
	entry.PerformedAt = cp.PerformedAt
	l.entries = append(l.entries, &cp)
	return nil
}

// GetByTaskID returns the entries recorded for taskID in append order.
func (l *MemoryAuditLog) GetByTaskID(_ context.Context, taskID string) ([]*ApprovalAuditEntry, error) {
	return l.filter(func(e *ApprovalAuditEntry) bool { return e.TaskID == taskID }), nil
}

// GetByRequestID returns the entries recorded for requestID in append order.
func (l *MemoryAuditLog) GetByRequestID(_ context.Context, requestID string) ([]*ApprovalAuditEntry, error) {
	return l.filter(func(e *ApprovalAuditEntry) bool { return e.RequestID == requestID }), nil
}

func (l *MemoryAuditLog) filter(match func(*ApprovalAuditEntry) bool) []*ApprovalAuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*ApprovalAuditEntry, 0)
	for _, e := range l.entries {
		if match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}
