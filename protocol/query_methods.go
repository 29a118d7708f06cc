package protocol

import (
	"context"

	"courier/crypto"
)

type deviceDiscoveryRequest struct {
	Identity string `json:"identity"`
}

type deviceDiscoveryResponse struct {
	DeviceIDs []string `json:"deviceIds"`
}

// DeviceDiscovery returns the device ids registered for an identity. No
// session token required.
func (c *Client) DeviceDiscovery(ctx context.Context, serverURL string, ofIdentity crypto.Identity) ([]string, Status, error) {
	var result deviceDiscoveryResponse
	status, err := c.call(ctx, serverURL, "/deviceDiscovery", deviceDiscoveryRequest{
		Identity: ofIdentity.Hex(),
	}, &result)
	if err != nil {
		return nil, "", err
	}
	if status != StatusOK {
		return nil, status, nil
	}
	return result.DeviceIDs, status, nil
}

type putUserDataRequest struct {
	Identity string `json:"identity"`
	Token    []byte `json:"token"`
	Label    string `json:"label"`
	Data     []byte `json:"data"`
}

// PutUserData uploads an encrypted user-data blob under a label. Requires a
// valid session token; StatusInvalidSession triggers a refresh upstream.
func (c *Client) PutUserData(ctx context.Context, serverURL string, identity crypto.Identity, token []byte, label string, data []byte) (Status, error) {
	return c.call(ctx, serverURL, "/putUserData", putUserDataRequest{
		Identity: identity.Hex(),
		Token:    token,
		Label:    label,
		Data:     data,
	}, nil)
}

type getUserDataRequest struct {
	Identity string `json:"identity"`
	Label    string `json:"label"`
}

type getUserDataResponse struct {
	Data []byte `json:"data"`
}

// GetUserData downloads the user-data blob of an identity by label.
// StatusDeletedFromServer means the blob no longer exists.
func (c *Client) GetUserData(ctx context.Context, serverURL string, ofIdentity crypto.Identity, label string) ([]byte, Status, error) {
	var result getUserDataResponse
	status, err := c.call(ctx, serverURL, "/getUserData", getUserDataRequest{
		Identity: ofIdentity.Hex(),
		Label:    label,
	}, &result)
	if err != nil {
		return nil, "", err
	}
	if status != StatusOK {
		return nil, status, nil
	}
	return result.Data, status, nil
}

type checkKeycloakRevocationRequest struct {
	SignedContactDetails string `json:"signedContactDetails"`
}

type checkKeycloakRevocationResponse struct {
	Revoked bool `json:"revoked"`
}

// CheckKeycloakRevocation asks a Keycloak server whether signed contact
// details were revoked. The request goes to the Keycloak server URL, not
// the identity's message server.
func (c *Client) CheckKeycloakRevocation(ctx context.Context, keycloakServerURL string, signedContactDetails string) (bool, Status, error) {
	var result checkKeycloakRevocationResponse
	status, err := c.call(ctx, keycloakServerURL, "/verify", checkKeycloakRevocationRequest{
		SignedContactDetails: signedContactDetails,
	}, &result)
	if err != nil {
		return false, "", err
	}
	if status != StatusOK {
		return false, status, nil
	}
	return result.Revoked, status, nil
}

type groupBlobRequest struct {
	Identity        string `json:"identity"`
	Token           []byte `json:"token,omitempty"`
	GroupIdentifier []byte `json:"groupIdentifier"`
	PublicKey       []byte `json:"publicKey,omitempty"`
	EncryptedBlob   []byte `json:"encryptedBlob,omitempty"`
	Signature       []byte `json:"signature,omitempty"`
	LockNonce       []byte `json:"lockNonce,omitempty"`
}

type groupBlobResponse struct {
	EncryptedBlob []byte `json:"encryptedBlob,omitempty"`
}

// CreateGroupBlob uploads a new group blob. Requires a valid session token.
func (c *Client) CreateGroupBlob(ctx context.Context, serverURL string, identity crypto.Identity, token []byte, groupIdentifier, publicKey, encryptedBlob []byte) (Status, error) {
	return c.call(ctx, serverURL, "/groupBlob/create", groupBlobRequest{
		Identity:        identity.Hex(),
		Token:           token,
		GroupIdentifier: groupIdentifier,
		PublicKey:       publicKey,
		EncryptedBlob:   encryptedBlob,
	}, nil)
}

// GetGroupBlob downloads a group blob. StatusDeletedFromServer means the
// group was deleted.
func (c *Client) GetGroupBlob(ctx context.Context, serverURL string, identity crypto.Identity, groupIdentifier []byte) ([]byte, Status, error) {
	var result groupBlobResponse
	status, err := c.call(ctx, serverURL, "/groupBlob/get", groupBlobRequest{
		Identity:        identity.Hex(),
		GroupIdentifier: groupIdentifier,
	}, &result)
	if err != nil {
		return nil, "", err
	}
	if status != StatusOK {
		return nil, status, nil
	}
	return result.EncryptedBlob, status, nil
}

// DeleteGroupBlob deletes a group blob using an admin signature.
func (c *Client) DeleteGroupBlob(ctx context.Context, serverURL string, identity crypto.Identity, groupIdentifier, signature []byte) (Status, error) {
	return c.call(ctx, serverURL, "/groupBlob/delete", groupBlobRequest{
		Identity:        identity.Hex(),
		GroupIdentifier: groupIdentifier,
		Signature:       signature,
	}, nil)
}

// UpdateGroupBlob replaces a group blob under a previously obtained lock
// nonce. StatusGroupIsLocked is a temporary failure; the caller retries
// after backoff.
func (c *Client) UpdateGroupBlob(ctx context.Context, serverURL string, identity crypto.Identity, groupIdentifier, publicKey, encryptedBlob, lockNonce, signature []byte) (Status, error) {
	return c.call(ctx, serverURL, "/groupBlob/update", groupBlobRequest{
		Identity:        identity.Hex(),
		GroupIdentifier: groupIdentifier,
		PublicKey:       publicKey,
		EncryptedBlob:   encryptedBlob,
		LockNonce:       lockNonce,
		Signature:       signature,
	}, nil)
}

// PutGroupLog appends a signed entry to a group's server-side log.
func (c *Client) PutGroupLog(ctx context.Context, serverURL string, identity crypto.Identity, groupIdentifier, querySignature []byte) (Status, error) {
	return c.call(ctx, serverURL, "/groupBlob/putLog", groupBlobRequest{
		Identity:        identity.Hex(),
		GroupIdentifier: groupIdentifier,
		Signature:       querySignature,
	}, nil)
}

// RequestGroupBlobLock takes the update lock on a group blob and returns
// the current encrypted blob. StatusGroupIsLocked means another admin holds
// the lock.
func (c *Client) RequestGroupBlobLock(ctx context.Context, serverURL string, identity crypto.Identity, groupIdentifier, lockNonce, signature []byte) ([]byte, Status, error) {
	var result groupBlobResponse
	status, err := c.call(ctx, serverURL, "/groupBlob/requestLock", groupBlobRequest{
		Identity:        identity.Hex(),
		GroupIdentifier: groupIdentifier,
		LockNonce:       lockNonce,
		Signature:       signature,
	}, &result)
	if err != nil {
		return nil, "", err
	}
	if status != StatusOK {
		return nil, status, nil
	}
	return result.EncryptedBlob, status, nil
}
