package relay

import "encoding/json"

// Client-to-server frames of the transfer relay protocol. Payloads are
// base64 inside the JSON text frames.

type sourceRequest struct {
	Action string `json:"action"`
}

func newSourceRequest() ([]byte, error) {
	return json.Marshal(sourceRequest{Action: "source"})
}

type targetRequest struct {
	Action         string `json:"action"`
	SessionNumber  int    `json:"sessionNumber"`
	Payload        []byte `json:"payload"`
	FragmentNumber *int   `json:"fragmentNumber,omitempty"`
	TotalFragments *int   `json:"totalFragments,omitempty"`
}

type relayRequest struct {
	Action            string `json:"action"`
	RelayConnectionID string `json:"relayConnectionId"`
	Payload           []byte `json:"payload"`
	FragmentNumber    *int   `json:"fragmentNumber,omitempty"`
	TotalFragments    *int   `json:"totalFragments,omitempty"`
}

// inboundFrame is the superset decode target for server-to-client relay
// frames. Which fields are present decides the frame kind: an errorCode
// marks a rejection, an awsConnectionId answers a source request, an
// otherConnectionId carries a (possibly fragmented) peer payload.
type inboundFrame struct {
	ErrorCode         *int   `json:"errorCode,omitempty"`
	SessionNumber     *int   `json:"sessionNumber,omitempty"`
	AWSConnectionID   string `json:"awsConnectionId,omitempty"`
	OtherConnectionID string `json:"otherConnectionId,omitempty"`
	Payload           []byte `json:"payload,omitempty"`
	FragmentNumber    *int   `json:"fragmentNumber,omitempty"`
	TotalFragments    *int   `json:"totalFragments,omitempty"`
}

// targetFrames builds the fragmented frame sequence of a target request.
func targetFrames(sessionNumber int, payload []byte) ([][]byte, error) {
	fragments := fragmentPayload(payload)
	frames := make([][]byte, 0, len(fragments))
	for number, fragment := range fragments {
		request := targetRequest{Action: "target", SessionNumber: sessionNumber, Payload: fragment}
		if len(fragments) > 1 {
			number, total := number, len(fragments)
			request.FragmentNumber = &number
			request.TotalFragments = &total
		}
		frame, err := json.Marshal(request)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// relayFrames builds the fragmented frame sequence of a relay request.
func relayFrames(connectionID string, payload []byte) ([][]byte, error) {
	fragments := fragmentPayload(payload)
	frames := make([][]byte, 0, len(fragments))
	for number, fragment := range fragments {
		request := relayRequest{Action: "relay", RelayConnectionID: connectionID, Payload: fragment}
		if len(fragments) > 1 {
			number, total := number, len(fragments)
			request.FragmentNumber = &number
			request.TotalFragments = &total
		}
		frame, err := json.Marshal(request)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
