// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/absmach/dispatcher/workqueue"
)

// HTTPProcessor delivers work items to a plugin endpoint with a POST of the
// raw payload. Routing ids travel as headers.
type HTTPProcessor struct {
	url    string
	client *http.Client
}

var _ Processor = (*HTTPProcessor)(nil)

// NewHTTPProcessor creates a processor posting to url.
func NewHTTPProcessor(url string, timeout time.Duration) (*HTTPProcessor, error) {
	if url == "" {
		return nil, errors.New("executor: plugin url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProcessor{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Process posts item. Network failures, 429 and 5xx are retriable; any other
// non-2xx status is permanent.
func (p *HTTPProcessor) Process(ctx context.Context, item workqueue.Item) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(item.Payload))
	if err != nil {
		return Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", "Absmach-Dispatcher/1.0")
	req.Header.Set("X-Tenant-ID", item.TenantID.String())
	req.Header.Set("X-Trace-ID", item.TraceID.String())
	req.Header.Set("X-Event-Source-ID", item.EventSourceID.String())
	req.Header.Set("X-Target-ID", item.TargetID.String())

	resp, err := p.client.Do(req)
	if err != nil {
		return Retriable(fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return Retriable(fmt.Errorf("plugin returned status %d", resp.StatusCode))
	default:
		return Permanent(fmt.Errorf("plugin returned status %d", resp.StatusCode))
	}
}
