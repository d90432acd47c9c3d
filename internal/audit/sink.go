package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sink receives audit entries that have been committed locally. Index
// returns nil only when the sink durably accepted the document; any error
// leaves the entry unsent for a later attempt.
type Sink interface {
	Index(ctx context.Context, message []byte) error
}

// HTTPSink ships entries to an Elasticsearch-compatible document endpoint.
type HTTPSink struct {
	client *http.Client
	url    string
	index  string
	apiKey string
}

func NewHTTPSink(url, index, apiKey string) *HTTPSink {
	return &HTTPSink{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    strings.TrimRight(url, "/"),
		index:  index,
		apiKey: apiKey,
	}
}

func (s *HTTPSink) Index(ctx context.Context, message []byte) error {
	endpoint := fmt.Sprintf("%s/%s/_doc", s.url, s.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("audit: sink returned %s", resp.Status)
	}
	return nil
}
