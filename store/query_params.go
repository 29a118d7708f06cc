package store

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"courier/crypto"
)

// Kind-specific parameter structs persisted inside PendingServerQuery.
// Each query kind has exactly one parameter struct; NewQuery encodes it.

// DeviceDiscoveryParams asks for the device ids of a (possibly contact)
// identity.
type DeviceDiscoveryParams struct {
	OfIdentity crypto.Identity `cbor:"1,keyasint"`
}

// PutUserDataParams uploads an encrypted user-data blob under a label.
type PutUserDataParams struct {
	Label   string `cbor:"1,keyasint"`
	Data    []byte `cbor:"2,keyasint"`
	DataKey []byte `cbor:"3,keyasint"`
}

// GetUserDataParams downloads the user-data blob of an identity by label.
type GetUserDataParams struct {
	OfIdentity crypto.Identity `cbor:"1,keyasint"`
	Label      string          `cbor:"2,keyasint"`
}

// CheckKeycloakRevocationParams verifies signed contact details against a
// Keycloak server.
type CheckKeycloakRevocationParams struct {
	KeycloakServerURL   string `cbor:"1,keyasint"`
	SignedContactDetails string `cbor:"2,keyasint"`
}

// GroupBlobParams covers the group-blob query family; unused fields stay
// empty depending on the kind.
type GroupBlobParams struct {
	GroupIdentifier []byte `cbor:"1,keyasint"`
	PublicKey       []byte `cbor:"2,keyasint,omitempty"`
	EncryptedBlob   []byte `cbor:"3,keyasint,omitempty"`
	Signature       []byte `cbor:"4,keyasint,omitempty"`
	LockNonce       []byte `cbor:"5,keyasint,omitempty"`
}

// TransferParams covers the identity-transfer query family carried over the
// relay websocket.
type TransferParams struct {
	ProtocolInstanceUID  string `cbor:"1,keyasint"`
	ServerURL            string `cbor:"2,keyasint"`
	SessionNumber        int    `cbor:"3,keyasint,omitempty"`
	ConnectionIdentifier string `cbor:"4,keyasint,omitempty"`
	Payload              []byte `cbor:"5,keyasint,omitempty"`
	ThenCloseWebSocket   bool   `cbor:"6,keyasint,omitempty"`
}

// NewQuery builds a pending query record for the given kind and parameter
// struct. The delivery flag follows the kind.
func NewQuery(identity crypto.Identity, kind QueryKind, params any) (*PendingServerQuery, error) {
	raw, err := cbor.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &PendingServerQuery{
		ID:            uuid.New(),
		Identity:      identity,
		Kind:          kind,
		Params:        raw,
		OverWebSocket: kind.OverWebSocket(),
		CreatedAt:     time.Now(),
	}, nil
}
