// Package storage implements the durable result store (ResultsDatabase)
// and the per-run MaterializationStore view onto it.
package storage

import (
	"time"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// Status is the lifecycle state of a durable record.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Record is one durable row, keyed by NodeId.
type Record struct {
	NodeId         plan.NodeId
	Status         Status
	Payload        *value.EncodedRecord
	Error          string
	Metadata       map[string]any
	RuntimeVersion string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ResultsDatabase is the abstract durable backend.
type ResultsDatabase interface {
	Has(id plan.NodeId) (bool, error)
	GetRecord(id plan.NodeId) (*Record, bool, error)
	PutRunning(id plan.NodeId) error
	PutSuccess(id plan.NodeId, payload *value.EncodedRecord, metadata map[string]any) error
	PutFailure(id plan.NodeId, message string, metadata map[string]any) error
	Delete(id plan.NodeId) error
	Clear() error
	Close() error
	// SweepStaleRunning deletes rows still marked "running" and older than
	// maxAge.
	SweepStaleRunning(maxAge time.Duration) (int, error)
}
