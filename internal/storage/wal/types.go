package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// ============================================================================

// EventType defines WAL record types.
type EventType string

const (
	EventPut    EventType = "PUT"    // full job record written
	EventDelete EventType = "DELETE" // job record removed
)

// Event is one line of the log.
//
// Payload holds the JSON encoding of the job for PUT records and is empty
// for DELETE. The checksum covers Seq, Type, JobID and Payload.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	JobID     types.JobID     `json:"job_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Checksum  uint32          `json:"checksum"`
}

// Job decodes the payload of a PUT event.
func (e Event) Job() (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(e.Payload, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// EventHandler applies a replayed event to in-memory state.
type EventHandler func(event Event) error

// Options tune a WAL instance.
type Options struct {
	// SyncOnAppend fsyncs after every record. Without it a crash may lose
	// the most recent records, so production stores keep it on.
	SyncOnAppend bool

	// ArchiveRotated keeps rotated segments as gzip files next to the log
	// instead of deleting them.
	ArchiveRotated bool
}
