package protocol

import (
	"context"
	"time"

	"courier/crypto"
	"courier/store"
)

// requestChallengeRequest asks the server for an authentication challenge
// bound to the client-chosen nonce.
type requestChallengeRequest struct {
	Identity string `json:"identity"`
	Nonce    []byte `json:"nonce"`
}

type requestChallengeResponse struct {
	Challenge []byte `json:"challenge"`
	Nonce     []byte `json:"nonce"`
}

// RequestChallenge obtains a challenge for the identity. The server echoes
// the nonce; a mismatch is treated as an invalid response.
func (c *Client) RequestChallenge(ctx context.Context, serverURL string, identity crypto.Identity, nonce []byte) ([]byte, Status, error) {
	var result requestChallengeResponse
	status, err := c.call(ctx, serverURL, "/requestChallenge", requestChallengeRequest{
		Identity: identity.Hex(),
		Nonce:    nonce,
	}, &result)
	if err != nil {
		return nil, "", err
	}
	if status != StatusOK {
		return nil, status, nil
	}
	if string(result.Nonce) != string(nonce) {
		return nil, "", ErrInvalidServerResponse
	}
	return result.Challenge, status, nil
}

type getTokenRequest struct {
	Identity string `json:"identity"`
	Response []byte `json:"response"`
	Nonce    []byte `json:"nonce"`
}

type getTokenResponse struct {
	Token        []byte `json:"token"`
	Nonce        []byte `json:"nonce"`
	APIKeyStatus string `json:"apiKeyStatus"`
	Permissions  uint32 `json:"permissions"`
	ExpirationMS int64  `json:"expiration,omitempty"`
}

// TokenResult carries a freshly issued session token and its API key
// elements.
type TokenResult struct {
	Token    []byte
	Elements store.APIKeyElements
}

// GetToken exchanges a solved challenge response for a session token. The
// server reports StatusChallengeNotFound when it has no challenge matching
// the response; the caller resets the session in that case.
func (c *Client) GetToken(ctx context.Context, serverURL string, identity crypto.Identity, response, nonce []byte) (*TokenResult, Status, error) {
	var result getTokenResponse
	status, err := c.call(ctx, serverURL, "/getToken", getTokenRequest{
		Identity: identity.Hex(),
		Response: response,
		Nonce:    nonce,
	}, &result)
	if err != nil {
		return nil, "", err
	}
	if status != StatusOK {
		return nil, status, nil
	}
	if string(result.Nonce) != string(nonce) {
		return nil, "", ErrInvalidServerResponse
	}

	elements := store.APIKeyElements{
		Status:      store.APIKeyStatus(result.APIKeyStatus),
		Permissions: store.APIPermissions(result.Permissions),
	}
	if result.ExpirationMS > 0 {
		expiration := time.UnixMilli(result.ExpirationMS)
		elements.Expiration = &expiration
	}
	return &TokenResult{Token: result.Token, Elements: elements}, status, nil
}

type deleteSessionRequest struct {
	Identity string `json:"identity"`
	Token    []byte `json:"token"`
}

// DeleteSession invalidates the session token server side. Used when an
// identity is removed from the owned set.
func (c *Client) DeleteSession(ctx context.Context, serverURL string, identity crypto.Identity, token []byte) (Status, error) {
	return c.call(ctx, serverURL, "/deleteSession", deleteSessionRequest{
		Identity: identity.Hex(),
		Token:    token,
	}, nil)
}
