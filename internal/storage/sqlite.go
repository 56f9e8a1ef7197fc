package storage

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// decodePayload unmarshals a persisted EncodedRecord with json.Number
// preserved (UseNumber), so integers surviving the JSON round-trip through
// PayloadJSON's map[string]any don't silently turn into float64 and lose
// their int-vs-float identity on the way back through value.DecodeRuntimeValue.
func decodePayload(raw []byte) (*value.EncodedRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var env value.EncodedRecord
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// SQLiteDatabase is the reference durable ResultsDatabase backend: a
// single-file embedded database keyed by NodeId.
type SQLiteDatabase struct {
	mu             sync.Mutex
	db             *sql.DB
	runtimeVersion string
}

// OpenSQLiteDatabase opens (creating if necessary) a SQLite-backed store at
// path, namespaced by runtimeVersion.
func OpenSQLiteDatabase(path, runtimeVersion string) (*SQLiteDatabase, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // serialize writers on one connection

	const schema = `
CREATE TABLE IF NOT EXISTS results (
	node_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	payload BLOB,
	payload_encoding TEXT,
	error TEXT,
	metadata_json TEXT,
	runtime_version TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_status ON results(status);
CREATE INDEX IF NOT EXISTS idx_results_runtime_version ON results(runtime_version);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLiteDatabase{db: db, runtimeVersion: runtimeVersion}, nil
}

func (s *SQLiteDatabase) Has(id plan.NodeId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM results WHERE node_id = ? AND runtime_version = ?`, string(id), s.runtimeVersion).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteDatabase) GetRecord(id plan.NodeId) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT status, payload, COALESCE(error, ''), COALESCE(metadata_json, ''), runtime_version, created_at, updated_at
		FROM results WHERE node_id = ? AND runtime_version = ?`, string(id), s.runtimeVersion)

	var status, errMsg, metaJSON, runtimeVersion string
	var payload []byte
	var createdAt, updatedAt int64
	if err := row.Scan(&status, &payload, &errMsg, &metaJSON, &runtimeVersion, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}

	rec := &Record{
		NodeId: id, Status: Status(status), Error: errMsg,
		RuntimeVersion: runtimeVersion,
		CreatedAt:      time.Unix(createdAt, 0).UTC(),
		UpdatedAt:      time.Unix(updatedAt, 0).UTC(),
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			return nil, false, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(payload) > 0 {
		env, err := decodePayload(payload)
		if err != nil {
			return nil, false, fmt.Errorf("decode payload: %w", err)
		}
		rec.Payload = env
	}
	return rec, true, nil
}

// ListAll returns every row namespaced to the active runtime version.
func (s *SQLiteDatabase) ListAll() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT node_id, status, payload, COALESCE(error, ''), COALESCE(metadata_json, ''), created_at, updated_at
		FROM results WHERE runtime_version = ?`, s.runtimeVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var nodeID, status, errMsg, metaJSON string
		var payload []byte
		var createdAt, updatedAt int64
		if err := rows.Scan(&nodeID, &status, &payload, &errMsg, &metaJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec := &Record{
			NodeId: plan.NodeId(nodeID), Status: Status(status), Error: errMsg,
			RuntimeVersion: s.runtimeVersion,
			CreatedAt:      time.Unix(createdAt, 0).UTC(),
			UpdatedAt:      time.Unix(updatedAt, 0).UTC(),
		}
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		if len(payload) > 0 {
			env, err := decodePayload(payload)
			if err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
			rec.Payload = env
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) PutRunning(id plan.NodeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Unix()
	_, err := s.db.Exec(`INSERT INTO results(node_id, status, runtime_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET status=excluded.status, runtime_version=excluded.runtime_version, updated_at=excluded.updated_at`,
		string(id), string(StatusRunning), s.runtimeVersion, now, now)
	return err
}

func (s *SQLiteDatabase) PutSuccess(id plan.NodeId, payload *value.EncodedRecord, metadata map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Unix()
	_, err = s.db.Exec(`INSERT INTO results(node_id, status, payload, payload_encoding, metadata_json, runtime_version, created_at, updated_at)
		VALUES (?, ?, ?, 'json', ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET status=excluded.status, payload=excluded.payload, payload_encoding=excluded.payload_encoding,
			error='', metadata_json=excluded.metadata_json, runtime_version=excluded.runtime_version, updated_at=excluded.updated_at`,
		string(id), string(StatusSuccess), payloadBytes, string(metaBytes), s.runtimeVersion, now, now)
	return err
}

func (s *SQLiteDatabase) PutFailure(id plan.NodeId, message string, metadata map[string]any) error {
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Unix()
	_, err = s.db.Exec(`INSERT INTO results(node_id, status, error, metadata_json, runtime_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET status=excluded.status, error=excluded.error,
			metadata_json=excluded.metadata_json, runtime_version=excluded.runtime_version, updated_at=excluded.updated_at`,
		string(id), string(StatusFailure), message, string(metaBytes), s.runtimeVersion, now, now)
	return err
}

func (s *SQLiteDatabase) Delete(id plan.NodeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM results WHERE node_id = ?`, string(id))
	return err
}

func (s *SQLiteDatabase) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM results WHERE runtime_version = ?`, s.runtimeVersion)
	return err
}

func (s *SQLiteDatabase) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *SQLiteDatabase) SweepStaleRunning(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.Exec(`DELETE FROM results WHERE status = ? AND updated_at < ?`, string(StatusRunning), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
