package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentofreality/drasi-test-infra/internal/change"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPSink POSTs each batch as a JSON array to a source-scoped endpoint,
// {base}/sources/{id}/events by default.
type HTTPSink struct {
	client   *http.Client
	endpoint string
}

// NewHTTPSink builds a sink for the given base URL and source id. timeout
// bounds each request; zero means the default.
func NewHTTPSink(baseURL string, sourceID string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPSink{
		client:   &http.Client{Timeout: timeout},
		endpoint: fmt.Sprintf("%s/sources/%s/events", strings.TrimRight(baseURL, "/"), sourceID),
	}
}

func (s *HTTPSink) SendBatch(ctx context.Context, batch []*change.Record) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("sink: encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: post %s: %w", s.endpoint, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sink: post %s: unexpected status %s", s.endpoint, resp.Status)
	}
	return nil
}

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

var _ TransportSink = (*HTTPSink)(nil)
