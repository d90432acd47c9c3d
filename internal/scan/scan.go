// Package scan checks uploaded files for malware before they are persisted.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Scanner reports whether a file is safe to store. An error means the
// verdict is unknown and the upload must be rejected rather than let
// through unscanned.
type Scanner interface {
	Scan(ctx context.Context, filename string, data []byte) (clean bool, err error)
}

// Noop accepts everything, for deployments without a scanning service.
type Noop struct{}

func (Noop) Scan(ctx context.Context, filename string, data []byte) (bool, error) {
	return true, nil
}

// ClamAV talks to a clamav REST endpoint: files are posted as multipart
// form data and the response lists a per-file infection verdict.
type ClamAV struct {
	client *http.Client
	url    string
}

var _ Scanner = (*ClamAV)(nil)

func NewClamAV(url string) *ClamAV {
	return &ClamAV{
		client: &http.Client{Timeout: 30 * time.Second},
		url:    url,
	}
}

type scanResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Result []struct {
			Name       string `json:"name"`
			IsInfected bool   `json:"is_infected"`
		} `json:"result"`
	} `json:"data"`
}

func (c *ClamAV) Scan(ctx context.Context, filename string, data []byte) (bool, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("FILES", filename)
	if err != nil {
		return false, err
	}
	if _, err := fw.Write(data); err != nil {
		return false, err
	}
	if err := mw.Close(); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("scan: scanner returned %s", resp.Status)
	}

	var decoded scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, err
	}
	if !decoded.Success || len(decoded.Data.Result) == 0 {
		return false, fmt.Errorf("scan: scanner returned no verdict")
	}
	for _, r := range decoded.Data.Result {
		if r.IsInfected {
			return false, nil
		}
	}
	return true, nil
}
