package sink

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/agentofreality/drasi-test-infra/internal/change"
)

// ConsoleSink writes a one-line summary per record, for interactive runs.
// Each line carries a truncated content digest so two runs can be compared
// by eye.
type ConsoleSink struct {
	w io.Writer
}

func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{w: os.Stdout}
}

func (s *ConsoleSink) SendBatch(ctx context.Context, batch []*change.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, rec := range batch {
		id := ""
		if rec.Payload.After != nil {
			id = rec.Payload.After.ID
		} else if rec.Payload.Before != nil {
			id = rec.Payload.Before.ID
		}
		digest, err := change.Digest(rec)
		if err != nil {
			return fmt.Errorf("sink: console digest: %w", err)
		}
		_, err = fmt.Fprintf(s.w, "%s lsn=%d id=%s offset_ns=%d digest=%s\n",
			rec.Op, rec.Payload.Source.LSN, id, rec.OffsetNs, digest[:12])
		if err != nil {
			return fmt.Errorf("sink: console write: %w", err)
		}
	}
	return nil
}

func (s *ConsoleSink) Close() error { return nil }

var _ TransportSink = (*ConsoleSink)(nil)
