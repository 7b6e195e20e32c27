package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/IVVI0927/AIgreement/pkg/fault"
)

const maxResponseBytes = 8 << 20

// StatusError reports a non-2xx response from a downstream service.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Status)
}

// DoJSON performs a single JSON request. Failures come back tagged: transport
// errors keep their standard classification, 5xx and 429 responses are I/O
// faults and other 4xx responses are caller input faults. Retrying is left to
// the caller.
func DoJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	op := method + " " + url
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fault.New(fault.Input, op, err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, tagTransport(op, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, tagTransport(op, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, respBody, fault.New(fault.IO, op, &StatusError{Status: resp.StatusCode, Body: string(respBody)})
	case resp.StatusCode >= 400:
		return resp.StatusCode, respBody, fault.New(fault.Input, op, &StatusError{Status: resp.StatusCode, Body: string(respBody)})
	}
	return resp.StatusCode, respBody, nil
}

func tagTransport(op string, err error) error {
	kind := fault.KindOf(err)
	if kind == fault.Unknown {
		kind = fault.IO
	}
	return fault.New(kind, op, err)
}
