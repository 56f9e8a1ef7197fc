package storage

import (
	"sync"
	"time"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// MemoryDatabase is an in-memory ResultsDatabase with the same semantics as
// the SQLite backend, used for tests.
type MemoryDatabase struct {
	mu             sync.Mutex
	rows           map[plan.NodeId]*Record
	runtimeVersion string
}

// NewMemoryDatabase creates an empty in-memory backend namespaced by
// runtimeVersion.
func NewMemoryDatabase(runtimeVersion string) *MemoryDatabase {
	return &MemoryDatabase{rows: map[plan.NodeId]*Record{}, runtimeVersion: runtimeVersion}
}

func (m *MemoryDatabase) Has(id plan.NodeId) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	return ok && r.RuntimeVersion == m.runtimeVersion, nil
}

func (m *MemoryDatabase) GetRecord(id plan.NodeId) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.RuntimeVersion != m.runtimeVersion {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (m *MemoryDatabase) PutRunning(id plan.NodeId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.rows[id] = &Record{NodeId: id, Status: StatusRunning, RuntimeVersion: m.runtimeVersion, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *MemoryDatabase) PutSuccess(id plan.NodeId, payload *value.EncodedRecord, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	existing, ok := m.rows[id]
	created := now
	if ok {
		created = existing.CreatedAt
	}
	m.rows[id] = &Record{
		NodeId: id, Status: StatusSuccess, Payload: payload, Metadata: metadata,
		RuntimeVersion: m.runtimeVersion, CreatedAt: created, UpdatedAt: now,
	}
	return nil
}

func (m *MemoryDatabase) PutFailure(id plan.NodeId, message string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	existing, ok := m.rows[id]
	created := now
	if ok {
		created = existing.CreatedAt
	}
	m.rows[id] = &Record{
		NodeId: id, Status: StatusFailure, Error: message, Metadata: metadata,
		RuntimeVersion: m.runtimeVersion, CreatedAt: created, UpdatedAt: now,
	}
	return nil
}

func (m *MemoryDatabase) Delete(id plan.NodeId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *MemoryDatabase) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rows {
		if r.RuntimeVersion == m.runtimeVersion {
			delete(m.rows, id)
		}
	}
	return nil
}

func (m *MemoryDatabase) Close() error { return nil }

// ListAll returns every row namespaced to the active runtime version.
func (m *MemoryDatabase) ListAll() ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.rows))
	for _, r := range m.rows {
		if r.RuntimeVersion != m.runtimeVersion {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryDatabase) SweepStaleRunning(maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for id, r := range m.rows {
		if r.Status == StatusRunning && r.UpdatedAt.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}
