package push

import "encoding/json"

// Server-assigned error codes carried in register acks.
const (
	errCodeInvalidServerSession = 4
	errCodeGeneral              = 255
)

// registerFrame subscribes one identity to push delivery on a connection.
type registerFrame struct {
	Action    string `json:"action"`
	Identity  string `json:"identity"`
	DeviceUID string `json:"deviceUid"`
	Token     []byte `json:"token"`
}

func newRegisterFrame(identityHex, deviceID string, token []byte) ([]byte, error) {
	return json.Marshal(registerFrame{
		Action:    "register",
		Identity:  identityHex,
		DeviceUID: deviceID,
		Token:     token,
	})
}

// inboundFrame is the superset decode target for every server-to-client
// frame on the push connection. Action selects which fields are meaningful.
type inboundFrame struct {
	Action   string `json:"action"`
	Identity string `json:"identity,omitempty"`
	Err      *int   `json:"err,omitempty"`
	Message  []byte `json:"message,omitempty"`
	Topic    string `json:"topic,omitempty"`
}
