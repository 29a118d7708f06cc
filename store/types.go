package store

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"courier/crypto"
)

// APIKeyStatus describes the server-side standing of the API key bound to a
// session token.
type APIKeyStatus string

const (
	APIKeyStatusValid     APIKeyStatus = "valid"
	APIKeyStatusExpired   APIKeyStatus = "expired"
	APIKeyStatusRevoked   APIKeyStatus = "revoked"
	APIKeyStatusFreeTrial APIKeyStatus = "freeTrial"
)

// APIPermissions is a bit set of permissions granted with a session token.
type APIPermissions uint32

const (
	PermissionCanCall APIPermissions = 1 << iota
	PermissionCanDownloadMessages
	PermissionCanUploadUserData
	PermissionMultiDevice
)

// Has reports whether all permissions in p2 are granted.
func (p APIPermissions) Has(p2 APIPermissions) bool { return p&p2 == p2 }

// APIKeyElements are the permission elements returned alongside a session
// token.
type APIKeyElements struct {
	Status      APIKeyStatus   `cbor:"1,keyasint"`
	Permissions APIPermissions `cbor:"2,keyasint"`
	Expiration  *time.Time     `cbor:"3,keyasint,omitempty"`
}

// ServerSession is the per-identity challenge/response/token state. The
// token being set implies the response was previously accepted by the
// server. Reset clears nonce, response and token together.
type ServerSession struct {
	Identity crypto.Identity `cbor:"1,keyasint"`
	Nonce    []byte          `cbor:"2,keyasint,omitempty"`
	Response []byte          `cbor:"3,keyasint,omitempty"`
	Token    []byte          `cbor:"4,keyasint,omitempty"`
	Elements APIKeyElements  `cbor:"5,keyasint,omitempty"`
}

// Reset clears the challenge state atomically with respect to the record;
// callers persist the result inside a transaction.
func (s *ServerSession) Reset() {
	s.Nonce = nil
	s.Response = nil
	s.Token = nil
	s.Elements = APIKeyElements{}
}

// QueryKind discriminates the persisted server-query union.
type QueryKind string

const (
	KindDeviceDiscovery          QueryKind = "deviceDiscovery"
	KindPutUserData              QueryKind = "putUserData"
	KindGetUserData              QueryKind = "getUserData"
	KindCheckKeycloakRevocation  QueryKind = "checkKeycloakRevocation"
	KindCreateGroupBlob          QueryKind = "createGroupBlob"
	KindGetGroupBlob             QueryKind = "getGroupBlob"
	KindDeleteGroupBlob          QueryKind = "deleteGroupBlob"
	KindUpdateGroupBlob          QueryKind = "updateGroupBlob"
	KindPutGroupLog              QueryKind = "putGroupLog"
	KindRequestGroupBlobLock     QueryKind = "requestGroupBlobLock"
	KindSourceGetSessionNumber   QueryKind = "sourceGetSessionNumber"
	KindSourceWaitForTarget      QueryKind = "sourceWaitForTargetConnection"
	KindTargetSendEphemeralID    QueryKind = "targetSendEphemeralIdentity"
	KindTransferRelay            QueryKind = "transferRelay"
	KindTransferWait             QueryKind = "transferWait"
	KindCloseWebsocketConnection QueryKind = "closeWebsocketConnection"
)

// OverWebSocket reports whether queries of this kind are carried over the
// identity-transfer push transport instead of an HTTP-style call.
func (k QueryKind) OverWebSocket() bool {
	switch k {
	case KindSourceGetSessionNumber, KindSourceWaitForTarget,
		KindTargetSendEphemeralID, KindTransferRelay, KindTransferWait,
		KindCloseWebsocketConnection:
		return true
	}
	return false
}

// NeedsToken reports whether the server call for this kind requires a valid
// session token.
func (k QueryKind) NeedsToken() bool {
	switch k {
	case KindPutUserData, KindCreateGroupBlob:
		return true
	}
	return false
}

// QueryStatus is the resolved outcome recorded in a query response.
type QueryStatus string

const (
	QueryStatusOK                   QueryStatus = "ok"
	QueryStatusInvalidSession       QueryStatus = "invalidSession"
	QueryStatusGeneralError         QueryStatus = "generalError"
	QueryStatusPermanentFailure     QueryStatus = "permanentFailure"
	QueryStatusGroupIsLocked        QueryStatus = "groupIsLocked"
	QueryStatusDeletedFromServer    QueryStatus = "deletedFromServer"
	QueryStatusWrongTransferSession QueryStatus = "wrongTransferSessionNumber"
	QueryStatusTransportFailure     QueryStatus = "transportFailure"
)

// QueryResponse is the kind-matching response variant written back into a
// pending query once the server replied (or the attempt definitively
// failed).
type QueryResponse struct {
	Status        QueryStatus `cbor:"1,keyasint"`
	Payload       []byte      `cbor:"2,keyasint,omitempty"`
	DeviceIDs     []string    `cbor:"3,keyasint,omitempty"`
	Revoked       *bool       `cbor:"4,keyasint,omitempty"`
	SessionNumber *int        `cbor:"5,keyasint,omitempty"`
	ConnectionID  string      `cbor:"6,keyasint,omitempty"`
}

// PendingServerQuery is the persisted record of a not-yet-completed generic
// server query. Params holds the kind-specific parameter struct, CBOR
// encoded.
type PendingServerQuery struct {
	ID            uuid.UUID       `cbor:"1,keyasint"`
	Identity      crypto.Identity `cbor:"2,keyasint"`
	Kind          QueryKind       `cbor:"3,keyasint"`
	Params        cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	OverWebSocket bool            `cbor:"5,keyasint"`
	Response      *QueryResponse  `cbor:"6,keyasint,omitempty"`
	CreatedAt     time.Time       `cbor:"7,keyasint"`
}

// DecodeParams decodes the kind-specific parameter struct into out.
func (q *PendingServerQuery) DecodeParams(out any) error {
	return cbor.Unmarshal(q.Params, out)
}

// InboxMessage is a downloaded-but-not-yet-consumed message awaiting
// higher-level processing.
type InboxMessage struct {
	ID                 string          `cbor:"1,keyasint"`
	Identity           crypto.Identity `cbor:"2,keyasint"`
	DeviceID           string          `cbor:"3,keyasint"`
	ServerTimestamp    time.Time       `cbor:"4,keyasint"`
	DownloadTimestamp  time.Time       `cbor:"5,keyasint"`
	EncryptedContent   []byte          `cbor:"6,keyasint,omitempty"`
	HasExtendedPayload bool            `cbor:"7,keyasint"`
	ExtendedPayloadKey []byte          `cbor:"8,keyasint,omitempty"`
	ExtendedPayload    []byte          `cbor:"9,keyasint,omitempty"`
	MarkedForDeletion  bool            `cbor:"10,keyasint"`
}

// InboxAttachment is one attachment of an inbox message. A missing download
// URL on listing means the server cancelled the attachment.
type InboxAttachment struct {
	MessageID         string          `cbor:"1,keyasint"`
	Index             int             `cbor:"2,keyasint"`
	Identity          crypto.Identity `cbor:"3,keyasint"`
	ExpectedLength    int64           `cbor:"4,keyasint"`
	ReceivedLength    int64           `cbor:"5,keyasint"`
	DownloadURL       string          `cbor:"6,keyasint,omitempty"`
	CancelledByServer bool            `cbor:"7,keyasint"`
	Paused            bool            `cbor:"8,keyasint"`
	Downloaded        bool            `cbor:"9,keyasint"`
	Content           []byte          `cbor:"10,keyasint,omitempty"`
}

// PendingServerDeletion records the intent to acknowledge a local message
// deletion to the server. It is created in the same transaction that
// deletes the local records.
type PendingServerDeletion struct {
	Identity  crypto.Identity `cbor:"1,keyasint"`
	MessageID string          `cbor:"2,keyasint"`
	CreatedAt time.Time       `cbor:"3,keyasint"`
}

// DeviceBinding holds the per-identity device id and push endpoint. All
// three fields of (deviceID, token, endpoint) must be known before a push
// connection attempt is made; the token lives in ServerSession.
type DeviceBinding struct {
	Identity    crypto.Identity `cbor:"1,keyasint"`
	DeviceID    string          `cbor:"2,keyasint"`
	EndpointURL string          `cbor:"3,keyasint"`
}
