package storage

import (
	"time"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// NoCacheDatabase stubs every read/write so a run can opt entirely out of
// durable persistence.
type NoCacheDatabase struct{}

func (NoCacheDatabase) Has(plan.NodeId) (bool, error)                                       { return false, nil }
func (NoCacheDatabase) GetRecord(plan.NodeId) (*Record, bool, error)                         { return nil, false, nil }
func (NoCacheDatabase) PutRunning(plan.NodeId) error                                        { return nil }
func (NoCacheDatabase) PutSuccess(plan.NodeId, *value.EncodedRecord, map[string]any) error { return nil }
func (NoCacheDatabase) PutFailure(plan.NodeId, string, map[string]any) error                { return nil }
func (NoCacheDatabase) Delete(plan.NodeId) error                                            { return nil }
func (NoCacheDatabase) Clear() error                                                         { return nil }
func (NoCacheDatabase) Close() error                                                         { return nil }
func (NoCacheDatabase) SweepStaleRunning(time.Duration) (int, error)                         { return 0, nil }
