package sink

import (
	"context"
	"fmt"

	"github.com/agentofreality/drasi-test-infra/internal/change"
)

// ChannelSink hands batches to an in-process consumer. Used by tests and by
// embedded hosts that process records directly.
type ChannelSink struct {
	ch chan []*change.Record
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan []*change.Record, buffer)}
}

// Batches returns the receive side.
func (s *ChannelSink) Batches() <-chan []*change.Record {
	return s.ch
}

func (s *ChannelSink) SendBatch(ctx context.Context, batch []*change.Record) error {
	// Batches are reused by callers between sends; hand the consumer a copy.
	out := make([]*change.Record, len(batch))
	copy(out, batch)
	select {
	case s.ch <- out:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sink: channel send: %w", ctx.Err())
	}
}

func (s *ChannelSink) Close() error {
	close(s.ch)
	return nil
}

var _ TransportSink = (*ChannelSink)(nil)
