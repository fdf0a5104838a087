// Package client holds the HTTP adapters for the wallet balance holder and
// the BI-FAST and QRIS settlement networks.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("client")

// statusError is a non-2xx answer from a downstream API.
type statusError struct {
	Service string
	Code    int
	Message string
}

func (e *statusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s API returned status %d", e.Service, e.Code)
}

// retryable reports whether the status is worth another attempt.
func (e *statusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// doJSON sends body (when non-nil) as JSON and decodes a 2xx answer into out.
// Non-2xx answers become *statusError carrying the downstream message.
func doJSON(ctx context.Context, hc *http.Client, method, url, service string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		return &statusError{Service: service, Code: resp.StatusCode, Message: msg}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
