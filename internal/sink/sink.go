// Package sink delivers change record batches to downstream consumers. Sinks
// are dumb pipes: batching, retry and drop policy live in the dispatcher.
package sink

import (
	"context"
	"errors"

	"github.com/agentofreality/drasi-test-infra/internal/change"
)

// TransportSink delivers one batch to a destination. SendBatch is called from
// a single dispatch goroutine per source; implementations need not be safe
// for concurrent use.
type TransportSink interface {
	SendBatch(ctx context.Context, batch []*change.Record) error
	Close() error
}

// Fanout delivers each batch to every member sink. A member failure does not
// stop delivery to the others; all failures are reported together.
type Fanout struct {
	sinks []TransportSink
}

func NewFanout(sinks ...TransportSink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) SendBatch(ctx context.Context, batch []*change.Record) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.SendBatch(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ TransportSink = (*Fanout)(nil)
