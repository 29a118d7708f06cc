package protocol

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"courier/crypto"
)

// AttachmentDescriptor describes one attachment in a message listing. An
// empty DownloadURL means the server cancelled the attachment.
type AttachmentDescriptor struct {
	Index          int    `json:"index"`
	ExpectedLength int64  `json:"expectedLength"`
	DownloadURL    string `json:"downloadUrl,omitempty"`
}

// MessageDescriptor describes one inbox message in a listing, or a message
// delivered inline over the push transport.
type MessageDescriptor struct {
	ID                 string                 `json:"id"`
	ServerTimestampMS  int64                  `json:"serverTimestamp"`
	EncryptedContent   []byte                 `json:"content"`
	HasExtendedPayload bool                   `json:"hasExtendedPayload,omitempty"`
	Attachments        []AttachmentDescriptor `json:"attachments,omitempty"`
}

// ServerTimestamp converts the wire timestamp.
func (d *MessageDescriptor) ServerTimestamp() time.Time {
	return time.UnixMilli(d.ServerTimestampMS)
}

// MessageList is the result of a list/download call.
type MessageList struct {
	DownloadTimestampMS int64               `json:"downloadTimestamp"`
	Messages            []MessageDescriptor `json:"messages"`
}

type listMessagesRequest struct {
	Identity string `json:"identity"`
	DeviceID string `json:"deviceId"`
	Token    []byte `json:"token"`
}

// DownloadMessagesAndListAttachments lists and downloads the inbox of an
// identity+device. StatusInvalidSession and StatusDeviceNotRegistered are
// reported as statuses for the coordinator to branch on.
func (c *Client) DownloadMessagesAndListAttachments(ctx context.Context, serverURL string, identity crypto.Identity, deviceID string, token []byte) (*MessageList, Status, error) {
	var result MessageList
	status, err := c.call(ctx, serverURL, "/downloadMessagesAndListAttachments", listMessagesRequest{
		Identity: identity.Hex(),
		DeviceID: deviceID,
		Token:    token,
	}, &result)
	if err != nil {
		return nil, "", err
	}
	if status != StatusOK {
		return nil, status, nil
	}
	return &result, status, nil
}

type extendedPayloadRequest struct {
	Identity  string `json:"identity"`
	MessageID string `json:"messageId"`
	Token     []byte `json:"token"`
}

type extendedPayloadResponse struct {
	EncryptedPayload []byte `json:"encryptedPayload"`
}

// DownloadExtendedPayload fetches the separately-encrypted extended payload
// of a message.
func (c *Client) DownloadExtendedPayload(ctx context.Context, serverURL string, identity crypto.Identity, messageID string, token []byte) ([]byte, Status, error) {
	var result extendedPayloadResponse
	status, err := c.call(ctx, serverURL, "/downloadExtendedPayload", extendedPayloadRequest{
		Identity:  identity.Hex(),
		MessageID: messageID,
		Token:     token,
	}, &result)
	if err != nil {
		return nil, "", err
	}
	if status != StatusOK {
		return nil, status, nil
	}
	return result.EncryptedPayload, status, nil
}

// DownloadChunk streams a byte range of a signed attachment URL. The server
// honors Range requests; offset 0 with the full length downloads the whole
// attachment. The body must be closed by the caller.
func (c *Client) DownloadChunk(ctx context.Context, signedURL string, offset int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download chunk: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: http %d", ErrInvalidServerResponse, resp.StatusCode)
	}
	return resp.Body, nil
}
