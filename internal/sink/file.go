package sink

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/agentofreality/drasi-test-infra/internal/change"
)

// FileSink appends records to a JSONL file, one record per line. Useful for
// capturing a run into a replayable script.
type FileSink struct {
	f *os.File
	w *bufio.Writer
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	return &FileSink{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *FileSink) SendBatch(ctx context.Context, batch []*change.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, rec := range batch {
		data, err := rec.Marshal()
		if err != nil {
			return fmt.Errorf("sink: encode record: %w", err)
		}
		if _, err := s.w.Write(data); err != nil {
			return fmt.Errorf("sink: write %s: %w", s.f.Name(), err)
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return fmt.Errorf("sink: write %s: %w", s.f.Name(), err)
		}
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("sink: flush %s: %w", s.f.Name(), err)
	}
	return nil
}

func (s *FileSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return fmt.Errorf("sink: flush %s: %w", s.f.Name(), err)
	}
	return s.f.Close()
}

var _ TransportSink = (*FileSink)(nil)
