package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/agentofreality/drasi-test-infra/internal/change"
)

// ScriptReader reads a recorded change script: one JSON change record per
// line, in log order. Blank lines and lines starting with '#' are skipped,
// matching what the recording tools emit.
type ScriptReader struct {
	path string
	file *os.File
	scan *bufio.Scanner
	pos  int64 // index of the next record to return
}

// maxScriptLine bounds a single script line. Bootstrap-sized snapshots can
// carry large property maps, so this is generous.
const maxScriptLine = 16 * 1024 * 1024

// OpenScript opens a JSONL change script for reading.
func OpenScript(path string) (*ScriptReader, error) {
	r := &ScriptReader{path: path}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ScriptReader) open() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("source: open script: %w", err)
	}
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 64*1024), maxScriptLine)
	r.file = f
	r.scan = scan
	r.pos = 0
	return nil
}

// Pull returns the next record in the script.
func (r *ScriptReader) Pull(ctx context.Context) (*change.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.file == nil {
		return nil, fmt.Errorf("source: script %s is closed", r.path)
	}

	for r.scan.Scan() {
		line := bytes.TrimSpace(r.scan.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		rec, err := change.Unmarshal(line)
		if err != nil {
			return nil, fmt.Errorf("source: script %s record %d: %w", r.path, r.pos, err)
		}
		r.pos++
		return rec, nil
	}
	if err := r.scan.Err(); err != nil {
		return nil, fmt.Errorf("source: read script %s: %w", r.path, err)
	}
	return nil, ErrEndOfStream
}

// Seek rescans from the top of the file to the given record index.
// Scripts are read-once forward streams, so seeking is O(n); it is used
// for operator fast-forward, not hot paths.
func (r *ScriptReader) Seek(ctx context.Context, index int64) error {
	if index < 0 {
		return fmt.Errorf("source: seek to negative index %d", index)
	}
	if err := r.Reset(ctx); err != nil {
		return err
	}
	for r.pos < index {
		if _, err := r.Pull(ctx); err != nil {
			if err == ErrEndOfStream {
				return fmt.Errorf("source: seek past end of script %s (index %d, length %d)", r.path, index, r.pos)
			}
			return err
		}
	}
	return nil
}

// Reset rewinds to the start of the script.
func (r *ScriptReader) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("source: reset script %s: %w", r.path, err)
		}
		r.file = nil
	}
	return r.open()
}

// Close releases the underlying file.
func (r *ScriptReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	if err != nil && err != io.ErrClosedPipe {
		return fmt.Errorf("source: close script %s: %w", r.path, err)
	}
	return nil
}

var _ ChangeSource = (*ScriptReader)(nil)
