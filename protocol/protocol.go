// Package protocol implements the request/response server methods used by
// the sync engine: the challenge/response/token session handshake, message
// listing and download, and one method per generic server-query kind.
//
// Every method builds a JSON request, posts it, and parses the reply into a
// typed result plus a well-known Status. Transport and parse problems are
// returned as errors; server-reported conditions are returned as statuses so
// coordinators can branch on them without string matching.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the well-known outcome reported by the server for a method.
type Status string

const (
	StatusOK                  Status = "ok"
	StatusInvalidSession      Status = "invalidSession"
	StatusGeneralError        Status = "generalError"
	StatusGroupIsLocked       Status = "groupIsLocked"
	StatusDeletedFromServer   Status = "deletedFromServer"
	StatusChallengeNotFound   Status = "challengeNotFound"
	StatusDeviceNotRegistered Status = "deviceNotRegistered"
	StatusNotFound            Status = "notFound"
)

var (
	// ErrInvalidServerResponse is returned when the server reply cannot be
	// parsed or carries an unexpected HTTP status.
	ErrInvalidServerResponse = errors.New("invalid server response")
	// ErrUnknownStatus is returned when the server reports a status the
	// client does not recognize.
	ErrUnknownStatus = errors.New("unknown server status")
)

// maxResponseSize bounds server reply bodies (32 MiB).
const maxResponseSize = 32 * 1024 * 1024

// Client issues server methods over HTTP. Identities may live on different
// servers, so every method takes the server base URL explicitly.
type Client struct {
	http *http.Client
}

// NewClient creates a protocol client. A nil httpClient uses a default with
// a 30 second timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: httpClient}
}

// post sends a JSON request body to serverURL+path and returns the raw
// response body.
func (c *Client) post(ctx context.Context, serverURL, path string, request any) ([]byte, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		logrus.WithFields(logrus.Fields{
			"function": "post",
			"path":     path,
			"status":   resp.StatusCode,
		}).Warn("Server returned non-200 status")
		return nil, fmt.Errorf("%w: http %d", ErrInvalidServerResponse, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return raw, nil
}

// envelope is the common wrapper of every method response.
type envelope struct {
	Status Status          `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// call posts request and decodes the enveloped response body into result
// when the status is ok. A nil result skips body decoding.
func (c *Client) call(ctx context.Context, serverURL, path string, request, result any) (Status, error) {
	raw, err := c.post(ctx, serverURL, path, request)
	if err != nil {
		return "", err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidServerResponse, err)
	}
	if env.Status == "" {
		return "", fmt.Errorf("%w: missing status", ErrInvalidServerResponse)
	}
	if env.Status != StatusOK || result == nil {
		return env.Status, nil
	}
	if err := json.Unmarshal(env.Body, result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidServerResponse, err)
	}
	return env.Status, nil
}
