package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentofreality/drasi-test-infra/internal/change"
)

func testBatch(n int) []*change.Record {
	batch := make([]*change.Record, n)
	for i := range batch {
		batch[i] = &change.Record{
			Op: change.OpInsert,
			Payload: change.Payload{
				After: &change.Element{ID: "node-01", Properties: map[string]any{"n": float64(i)}},
				Source: change.Provenance{
					Dataset: "test", Table: "t", TimestampNs: int64(i), LSN: int64(i + 1),
				},
			},
			OffsetNs: int64(i),
		}
	}
	return batch
}

func TestHTTPSinkPostsJSONArray(t *testing.T) {
	var gotPath string
	var gotBody []*change.Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL, "src-a", time.Second)
	defer s.Close()

	require.NoError(t, s.SendBatch(context.Background(), testBatch(3)))
	require.Equal(t, "/sources/src-a/events", gotPath)
	require.Len(t, gotBody, 3)
	require.Equal(t, int64(2), gotBody[2].Payload.Source.LSN)
}

func TestHTTPSinkReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL, "src-a", time.Second)
	defer s.Close()

	err := s.SendBatch(context.Background(), testBatch(1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestFileSinkWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	s, err := NewFileSink(path)
	require.NoError(t, err)

	require.NoError(t, s.SendBatch(context.Background(), testBatch(2)))
	require.NoError(t, s.SendBatch(context.Background(), testBatch(1)))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rec, err := change.Unmarshal(sc.Bytes())
		require.NoError(t, err)
		require.NoError(t, rec.Validate())
		lines++
	}
	require.NoError(t, sc.Err())
	require.Equal(t, 3, lines)
}

func TestConsoleSinkSummarizesWithDigest(t *testing.T) {
	var buf bytes.Buffer
	s := &ConsoleSink{w: &buf}

	batch := testBatch(1)
	require.NoError(t, s.SendBatch(context.Background(), batch))

	digest, err := change.Digest(batch[0])
	require.NoError(t, err)
	line := strings.TrimSpace(buf.String())
	require.Contains(t, line, "lsn=1")
	require.Contains(t, line, "id=node-01")
	require.Contains(t, line, "digest="+digest[:12])
}

func TestChannelSinkCopiesBatch(t *testing.T) {
	s := NewChannelSink(1)
	batch := testBatch(2)
	require.NoError(t, s.SendBatch(context.Background(), batch))

	batch[0] = nil // caller reuses its slice
	got := <-s.Batches()
	require.NotNil(t, got[0])
	require.Len(t, got, 2)
}

func TestFanoutDeliversToAllDespiteFailure(t *testing.T) {
	good := NewChannelSink(1)
	bad := failingSink{err: errors.New("broker down")}

	f := NewFanout(bad, good)
	err := f.SendBatch(context.Background(), testBatch(1))
	require.Error(t, err)
	require.Len(t, <-good.Batches(), 1)
}

type failingSink struct{ err error }

func (s failingSink) SendBatch(context.Context, []*change.Record) error { return s.err }
func (s failingSink) Close() error                                      { return nil }
