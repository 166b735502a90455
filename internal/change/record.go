package change

import (
	"encoding/json"
	"fmt"
)

// Op is the operation kind of a change record. The single-letter forms
// match the recorded script format.
type Op string

const (
	OpInsert Op = "i"
	OpUpdate Op = "u"
	OpDelete Op = "d"
)

// Valid reports whether the op is one of the known kinds.
func (o Op) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Element is a snapshot of a graph element (node or relation) before or
// after a change.
type Element struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Provenance identifies where a change originated. LSN is the log sequence
// number assigned by the recording tool; it increases monotonically within
// a script and is the sequence number stop triggers compare against.
type Provenance struct {
	Dataset     string `json:"db"`
	Table       string `json:"table"`
	TimestampNs int64  `json:"ts_ns"`
	LSN         int64  `json:"lsn"`
}

// Payload carries the element snapshots and provenance of a change.
// Insert records have only After, deletes only Before, updates both.
type Payload struct {
	Before *Element   `json:"before,omitempty"`
	After  *Element   `json:"after,omitempty"`
	Source Provenance `json:"source"`
}

// Record is one logical change. OffsetNs is nanoseconds since the script's
// logical start and drives pacing; it is not part of the payload delivered
// to sinks' consumers but travels with the record for replay tooling.
type Record struct {
	Op       Op      `json:"op"`
	Payload  Payload `json:"payload"`
	OffsetNs int64   `json:"offset_ns"`
}

// Validate checks structural invariants of a record as read from a script.
func (r *Record) Validate() error {
	if !r.Op.Valid() {
		return fmt.Errorf("change: unknown op %q", r.Op)
	}
	switch r.Op {
	case OpInsert:
		if r.Payload.After == nil {
			return fmt.Errorf("change: insert record (lsn %d) missing after snapshot", r.Payload.Source.LSN)
		}
	case OpDelete:
		if r.Payload.Before == nil {
			return fmt.Errorf("change: delete record (lsn %d) missing before snapshot", r.Payload.Source.LSN)
		}
	case OpUpdate:
		if r.Payload.After == nil {
			return fmt.Errorf("change: update record (lsn %d) missing after snapshot", r.Payload.Source.LSN)
		}
	}
	if r.OffsetNs < 0 {
		return fmt.Errorf("change: record (lsn %d) has negative offset %d", r.Payload.Source.LSN, r.OffsetNs)
	}
	return nil
}

// Marshal returns the wire form of the record (one script line, no
// trailing newline).
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal parses one script line into a record and validates it.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("change: decode record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
