// Package source provides change sources: pull-based producers of ordered
// change records. A source is either a reader over a recorded script
// (JSONL file or SQLite script database) or a synthetic model generator;
// both satisfy the same contract, so the lifecycle runner never knows
// which it is driving.
package source

import (
	"context"
	"errors"

	"github.com/agentofreality/drasi-test-infra/internal/change"
)

// ErrEndOfStream is returned by Pull when the source has no more records.
// It is the normal end of a run, not a failure.
var ErrEndOfStream = errors.New("change source: end of stream")

// ChangeSource is the pull contract consumed by the lifecycle runner.
//
// Implementations are owned by exactly one generation loop; they do not
// need to be safe for concurrent use. Pull blocks only on I/O, never on
// pacing; pacing is the runner's job.
type ChangeSource interface {
	// Pull returns the next record in script order, or ErrEndOfStream.
	Pull(ctx context.Context) (*change.Record, error)

	// Seek positions the cursor so the next Pull returns the record at
	// the given zero-based index.
	Seek(ctx context.Context, index int64) error

	// Reset rewinds the cursor to the start of the script. For model
	// generators this re-seeds, so a reset run replays identically.
	Reset(ctx context.Context) error

	// Close releases underlying resources. The source is unusable after.
	Close() error
}
