package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/c360studio/lexitask/task"
)

// doJSON sends a JSON request and decodes a JSON response into out (if non-nil).
// Every returned error is classified.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, in, out any) error {
	resp, err := send(ctx, client, method, url, headers, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return classifyTransportError(ctx, fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPError(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return task.Errorf(task.ErrEmptyResult, "parse response: %v", err)
	}
	return nil
}

// send builds and executes a request. The caller closes the body of a nil-error response.
func send(ctx context.Context, client *http.Client, method, url string, headers map[string]string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, task.Errorf(task.ErrUnsupportedInputPair, "encode request: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, task.Errorf(task.ErrCapabilityUnavailable, "create HTTP request: %v", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, fmt.Errorf("HTTP request failed: %w", err))
	}
	return resp, nil
}

// classifyTransportError maps a failed round trip to timeout or network.
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return task.NewError(task.ErrTimeout, err)
	}
	return task.NewError(task.ErrNetwork, err)
}

// classifyHTTPError maps a non-200 status to an error kind.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("provider API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return task.NewError(task.ErrRateLimited, err)
	case statusCode >= 500:
		// 502, 503, 504 and the rest of 5xx are worth another attempt
		return task.NewError(task.ErrNetwork, err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusNotFound:
		return task.NewError(task.ErrCapabilityUnavailable, err)
	case statusCode == http.StatusBadRequest,
		statusCode == http.StatusUnprocessableEntity:
		return task.NewError(task.ErrUnsupportedInputPair, err)
	default:
		return task.NewError(task.ErrUnsupportedInputPair, err)
	}
}
