package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentofreality/drasi-test-infra/internal/change"
)

func pullN(t *testing.T, src ChangeSource, n int) []*change.Record {
	t.Helper()
	recs := make([]*change.Record, 0, n)
	for i := 0; i < n; i++ {
		rec, err := src.Pull(context.Background())
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs
}

func TestMarketDeterministicForSeed(t *testing.T) {
	cfg := DefaultMarketConfig()
	a := pullN(t, NewMarket(cfg), 50)
	b := pullN(t, NewMarket(cfg), 50)

	for i := range a {
		wantBytes, err := change.MarshalCanonical(a[i])
		require.NoError(t, err)
		gotBytes, err := change.MarshalCanonical(b[i])
		require.NoError(t, err)
		require.Equal(t, wantBytes, gotBytes, "record %d diverged", i)
	}
}

func TestMarketResetReplaysIdentically(t *testing.T) {
	m := NewMarket(DefaultMarketConfig())
	first := pullN(t, m, 20)
	require.NoError(t, m.Reset(context.Background()))
	second := pullN(t, m, 20)

	for i := range first {
		require.Equal(t, first[i].Payload.Source.LSN, second[i].Payload.Source.LSN)
		require.Equal(t, first[i].OffsetNs, second[i].OffsetNs)
	}
}

func TestMarketInitialInsertsPerStock(t *testing.T) {
	cfg := DefaultMarketConfig()
	cfg.Stocks = 3
	recs := pullN(t, NewMarket(cfg), 5)

	for i := 0; i < 3; i++ {
		require.Equal(t, change.OpInsert, recs[i].Op)
		require.Nil(t, recs[i].Payload.Before)
		require.Zero(t, recs[i].OffsetNs)
	}
	for i := 3; i < 5; i++ {
		require.Equal(t, change.OpUpdate, recs[i].Op)
		require.NotNil(t, recs[i].Payload.Before)
	}
}

func TestMarketRecordsAreValid(t *testing.T) {
	var prevLSN, prevOffset int64
	for _, rec := range pullN(t, NewMarket(DefaultMarketConfig()), 100) {
		require.NoError(t, rec.Validate())
		require.Greater(t, rec.Payload.Source.LSN, prevLSN)
		require.GreaterOrEqual(t, rec.OffsetNs, prevOffset)
		prevLSN = rec.Payload.Source.LSN
		prevOffset = rec.OffsetNs
	}
}

func TestMarketRecordLimit(t *testing.T) {
	cfg := DefaultMarketConfig()
	cfg.Records = 10
	m := NewMarket(cfg)
	pullN(t, m, 10)
	_, err := m.Pull(context.Background())
	require.ErrorIs(t, err, ErrEndOfStream)
}

func TestMarketSeekMatchesSequentialPull(t *testing.T) {
	cfg := DefaultMarketConfig()
	want := pullN(t, NewMarket(cfg), 30)[29]

	m := NewMarket(cfg)
	require.NoError(t, m.Seek(context.Background(), 29))
	got, err := m.Pull(context.Background())
	require.NoError(t, err)

	wantBytes, err := change.MarshalCanonical(want)
	require.NoError(t, err)
	gotBytes, err := change.MarshalCanonical(got)
	require.NoError(t, err)
	require.Equal(t, wantBytes, gotBytes)
}
