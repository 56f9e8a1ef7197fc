package storage

import (
	"sync"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// entry is one in-memory materialized result.
type entry struct {
	Status   Status
	Value    value.Value
	Error    string
	Metadata map[string]any
}

// MaterializationStore is the per-run runtime view onto (optionally) a
// durable ResultsDatabase, with independent read-through/write-through
// policy bits.
type MaterializationStore struct {
	mu           sync.Mutex
	entries      map[plan.NodeId]*entry
	backend      ResultsDatabase
	readThrough  bool
	writeThrough bool
}

// NewMaterializationStore builds a fresh runtime view. backend may be nil,
// in which case readThrough/writeThrough have no effect.
func NewMaterializationStore(backend ResultsDatabase, readThrough, writeThrough bool) *MaterializationStore {
	return &MaterializationStore{
		entries:      map[plan.NodeId]*entry{},
		backend:      backend,
		readThrough:  readThrough,
		writeThrough: writeThrough,
	}
}

// MarkRunning records id as in-progress in the durable backend, so a crash
// mid-evaluation can be swept on the next startup.
func (m *MaterializationStore) MarkRunning(id plan.NodeId) {
	if m.backend != nil {
		_ = m.backend.PutRunning(id)
	}
}

// Put stores v as the successful result for id.
func (m *MaterializationStore) Put(id plan.NodeId, v value.Value, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	m.mu.Lock()
	m.entries[id] = &entry{Status: StatusSuccess, Value: v, Metadata: metadata}
	m.mu.Unlock()

	if m.writeThrough && m.backend != nil {
		enc, err := value.EncodeForStorage(v, 0)
		if err != nil {
			metadata["persist_error"] = err.Error()
			return
		}
		if err := m.backend.PutSuccess(id, enc, metadata); err != nil {
			metadata["persist_error"] = err.Error()
			return
		}
		metadata["persisted"] = true
	}
}

// Fail records id as failed with message.
func (m *MaterializationStore) Fail(id plan.NodeId, message string) {
	m.mu.Lock()
	m.entries[id] = &entry{Status: StatusFailure, Error: message}
	m.mu.Unlock()

	if m.writeThrough && m.backend != nil {
		_ = m.backend.PutFailure(id, message, nil)
	}
}

// Get returns the materialized value for id, consulting the durable
// backend when readThrough is enabled and the value isn't already cached.
func (m *MaterializationStore) Get(id plan.NodeId) (value.Value, bool) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if ok {
		return e.Value, e.Status == StatusSuccess
	}

	if !m.readThrough || m.backend == nil {
		return value.Value{}, false
	}
	rec, ok, err := m.backend.GetRecord(id)
	if err != nil || !ok || rec.Status != StatusSuccess || rec.Payload == nil {
		return value.Value{}, false
	}
	v, err := value.DecodeRuntimeValue(rec.Payload)
	if err != nil {
		return value.Value{}, false
	}
	m.mu.Lock()
	m.entries[id] = &entry{Status: StatusSuccess, Value: v, Metadata: rec.Metadata}
	m.mu.Unlock()
	return v, true
}

// Has reports whether id has a materialized (in-memory or, with
// read-through, durable) successful value.
func (m *MaterializationStore) Has(id plan.NodeId) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if ok {
		return e.Status == StatusSuccess
	}
	if !m.readThrough || m.backend == nil {
		return false
	}
	has, _ := m.backend.Has(id)
	return has
}

// Summary reports entry counts by status for run reporting.
func (m *MaterializationStore) Summary() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	materialized, failed := 0, 0
	for _, e := range m.entries {
		switch e.Status {
		case StatusSuccess:
			materialized++
		case StatusFailure:
			failed++
		}
	}
	return map[string]any{"materialized": materialized, "failed": failed}
}

// Failed returns the recorded failure message for id, if any.
func (m *MaterializationStore) Failed(id plan.NodeId) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != StatusFailure {
		return "", false
	}
	return e.Error, true
}
