package storage

import (
	"context"
	"sync"
	"time"

	"github.com/t77yq/opsgate/internal/model"
)

// DefaultMemoryCapacity bounds the in-memory execution log
const DefaultMemoryCapacity = 10000

// ExecutionFilter narrows execution queries. Zero values match everything.
type ExecutionFilter struct {
	JobID  string
	Status model.ExecutionStatus
	Limit  int
}

func (f ExecutionFilter) matches(exec *model.JobExecution) bool {
	if f.JobID != "" && exec.JobID != f.JobID {
		return false
	}
	if f.Status != "" && exec.Status != f.Status {
		return false
	}
	return true
}

// ExecutionLog is the append-only record of job attempts
type ExecutionLog interface {
	// Append stores one attempt. Records are never updated afterwards.
	Append(ctx context.Context, exec *model.JobExecution) error

	// List returns matching records, most recently finished first
	List(ctx context.Context, filter ExecutionFilter) ([]*model.JobExecution, error)

	// ForJob returns every record of one job, most recent first
	ForJob(ctx context.Context, jobID string) ([]*model.JobExecution, error)

	// DeleteBefore drops records that finished before the given time and
	// returns how many were removed
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	// Ping reports whether the store is usable
	Ping(ctx context.Context) error

	Close() error
}

// MemoryLog keeps the most recent executions in a fixed-size ring
type MemoryLog struct {
	mu    sync.RWMutex
	ring  []*model.JobExecution
	next  int
	count int
}

// NewMemoryLog creates an in-memory log holding at most capacity records
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryLog{ring: make([]*model.JobExecution, capacity)}
}

// Append implements ExecutionLog.Append. The oldest record is evicted once
// the ring is full.
func (m *MemoryLog) Append(ctx context.Context, exec *model.JobExecution) error {
	cp := copyExecution(exec)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.next] = cp
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	return nil
}

// List implements ExecutionLog.List
func (m *MemoryLog) List(ctx context.Context, filter ExecutionFilter) ([]*model.JobExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.JobExecution
	for i := 0; i < m.count; i++ {
		idx := (m.next - 1 - i + len(m.ring)) % len(m.ring)
		exec := m.ring[idx]
		if !filter.matches(exec) {
			continue
		}
		out = append(out, copyExecution(exec))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ForJob implements ExecutionLog.ForJob
func (m *MemoryLog) ForJob(ctx context.Context, jobID string) ([]*model.JobExecution, error) {
	return m.List(ctx, ExecutionFilter{JobID: jobID})
}

// DeleteBefore implements ExecutionLog.DeleteBefore
func (m *MemoryLog) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]*model.JobExecution, 0, m.count)
	for i := m.count - 1; i >= 0; i-- {
		idx := (m.next - 1 - i + len(m.ring)) % len(m.ring)
		if exec := m.ring[idx]; !exec.FinishedAt.Before(before) {
			kept = append(kept, exec)
		}
	}

	removed := int64(m.count - len(kept))
	ring := make([]*model.JobExecution, len(m.ring))
	copy(ring, kept)
	m.ring = ring
	m.count = len(kept)
	m.next = len(kept) % len(ring)
	return removed, nil
}

// Len returns the number of records held
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Ping implements ExecutionLog.Ping
func (m *MemoryLog) Ping(ctx context.Context) error {
	return nil
}

// Close implements ExecutionLog.Close
func (m *MemoryLog) Close() error {
	return nil
}

func copyExecution(exec *model.JobExecution) *model.JobExecution {
	cp := *exec
	if exec.RetryAt != nil {
		t := *exec.RetryAt
		cp.RetryAt = &t
	}
	return &cp
}
