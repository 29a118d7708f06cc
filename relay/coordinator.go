// Package relay carries the device-to-device identity-transfer protocol
// over a dedicated websocket per protocol instance, independent of the
// push connection pool. Each step of the handshake is a pending server
// query; every outcome settles its query with exactly one response.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"courier/store"
)

const dialTimeout = 10 * time.Second

var errConnectionLost = errors.New("relay connection lost")

// Coordinator caches one websocket per transfer protocol instance.
type Coordinator struct {
	mu     sync.Mutex
	conns  map[string]*transferConn
	dialer *websocket.Dialer
}

// NewCoordinator creates a transfer relay coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		conns:  make(map[string]*transferConn),
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
}

// Execute runs one transfer step. The returned response is never nil on a
// nil error: transport failures and protocol rejections settle the query
// with a failure-shaped response instead of leaving it pending.
func (c *Coordinator) Execute(ctx context.Context, query *store.PendingServerQuery) (*store.QueryResponse, error) {
	var params store.TransferParams
	if err := query.DecodeParams(&params); err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "Execute",
		"kind":     string(query.Kind),
		"instance": params.ProtocolInstanceUID,
	})

	switch query.Kind {
	case store.KindSourceGetSessionNumber:
		return c.sourceGetSessionNumber(ctx, &params, log)
	case store.KindTargetSendEphemeralID:
		return c.targetSendEphemeralID(ctx, &params, log)
	case store.KindSourceWaitForTarget:
		return c.awaitPeerPayload(&params, "", log)
	case store.KindTransferRelay:
		return c.transferRelay(&params, log)
	case store.KindTransferWait:
		return c.awaitPeerPayload(&params, params.ConnectionIdentifier, log)
	case store.KindCloseWebsocketConnection:
		c.closeInstance(params.ProtocolInstanceUID)
		return &store.QueryResponse{Status: store.QueryStatusOK}, nil
	default:
		return nil, errors.New("not a transfer query kind")
	}
}

// conn returns the cached connection of a protocol instance, dialing it if
// needed.
func (c *Coordinator) conn(ctx context.Context, instanceUID, serverURL string) (*transferConn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[instanceUID]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, err
	}
	conn := &transferConn{instanceUID: instanceUID, ws: ws}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.conns[instanceUID]; ok {
		// Lost the dial race; keep the established one.
		_ = ws.Close()
		return existing, nil
	}
	c.conns[instanceUID] = conn
	return conn, nil
}

// cachedConn returns the existing connection of a protocol instance.
// Steps after the first require one.
func (c *Coordinator) cachedConn(instanceUID string) (*transferConn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[instanceUID]
	return conn, ok
}

func (c *Coordinator) closeInstance(instanceUID string) {
	c.mu.Lock()
	conn, ok := c.conns[instanceUID]
	delete(c.conns, instanceUID)
	c.mu.Unlock()
	if ok {
		conn.close()
	}
}

func (c *Coordinator) failInstance(instanceUID string, log *logrus.Entry, reason string) *store.QueryResponse {
	log.WithField("reason", reason).Warn("Transfer step failed, closing connection")
	c.closeInstance(instanceUID)
	return &store.QueryResponse{Status: store.QueryStatusTransportFailure}
}

// sourceGetSessionNumber opens the instance connection and asks the server
// for the session number the target device will have to present.
func (c *Coordinator) sourceGetSessionNumber(ctx context.Context, params *store.TransferParams, log *logrus.Entry) (*store.QueryResponse, error) {
	conn, err := c.conn(ctx, params.ProtocolInstanceUID, params.ServerURL)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Relay dial failed")
		return &store.QueryResponse{Status: store.QueryStatusTransportFailure}, nil
	}

	frame, err := newSourceRequest()
	if err != nil {
		return nil, err
	}
	if err := conn.write(frame); err != nil {
		return c.failInstance(params.ProtocolInstanceUID, log, "source request write failed"), nil
	}

	for {
		inbound, err := conn.next()
		if err != nil {
			return c.failInstance(params.ProtocolInstanceUID, log, "connection lost awaiting session number"), nil
		}
		if inbound.ErrorCode != nil {
			return c.failInstance(params.ProtocolInstanceUID, log, "server rejected source request"), nil
		}
		if inbound.SessionNumber == nil || inbound.AWSConnectionID == "" {
			continue
		}
		log.Debug("Transfer session number obtained")
		return &store.QueryResponse{
			Status:        store.QueryStatusOK,
			SessionNumber: inbound.SessionNumber,
			ConnectionID:  inbound.AWSConnectionID,
		}, nil
	}
}

// targetSendEphemeralID presents the session number together with the
// target's ephemeral identity and waits for the source's answer. A wrong
// session number is a soft failure: the query settles but the connection
// stays open for a corrected retry.
func (c *Coordinator) targetSendEphemeralID(ctx context.Context, params *store.TransferParams, log *logrus.Entry) (*store.QueryResponse, error) {
	conn, err := c.conn(ctx, params.ProtocolInstanceUID, params.ServerURL)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Relay dial failed")
		return &store.QueryResponse{Status: store.QueryStatusTransportFailure}, nil
	}

	frames, err := targetFrames(params.SessionNumber, params.Payload)
	if err != nil {
		return nil, err
	}
	for _, frame := range frames {
		if err := conn.write(frame); err != nil {
			return c.failInstance(params.ProtocolInstanceUID, log, "target request write failed"), nil
		}
	}

	response, errorFrame, err := conn.awaitPeer("")
	if err != nil {
		return c.failInstance(params.ProtocolInstanceUID, log, "connection lost awaiting source response"), nil
	}
	if errorFrame {
		// Wrong session number. The connection stays open so a corrected
		// retry reuses it.
		log.Info("Wrong transfer session number")
		return &store.QueryResponse{Status: store.QueryStatusWrongTransferSession}, nil
	}
	return response, nil
}

// awaitPeerPayload waits for a (possibly fragmented) peer payload. With a
// non-empty filter only frames from that connection id count.
func (c *Coordinator) awaitPeerPayload(params *store.TransferParams, filterConnectionID string, log *logrus.Entry) (*store.QueryResponse, error) {
	conn, ok := c.cachedConn(params.ProtocolInstanceUID)
	if !ok {
		log.Warn("No relay connection for transfer step")
		return &store.QueryResponse{Status: store.QueryStatusTransportFailure}, nil
	}
	response, errorFrame, err := conn.awaitPeer(filterConnectionID)
	if err != nil {
		return c.failInstance(params.ProtocolInstanceUID, log, "connection lost awaiting peer payload"), nil
	}
	if errorFrame {
		return c.failInstance(params.ProtocolInstanceUID, log, "server error frame awaiting peer payload"), nil
	}
	return response, nil
}

// transferRelay sends a payload to a known peer connection and waits for
// the peer's answer. The thenClose flag tears the connection down after a
// successful exchange.
func (c *Coordinator) transferRelay(params *store.TransferParams, log *logrus.Entry) (*store.QueryResponse, error) {
	conn, ok := c.cachedConn(params.ProtocolInstanceUID)
	if !ok {
		log.Warn("No relay connection for transfer step")
		return &store.QueryResponse{Status: store.QueryStatusTransportFailure}, nil
	}

	frames, err := relayFrames(params.ConnectionIdentifier, params.Payload)
	if err != nil {
		return nil, err
	}
	for _, frame := range frames {
		if err := conn.write(frame); err != nil {
			return c.failInstance(params.ProtocolInstanceUID, log, "relay request write failed"), nil
		}
	}

	response, errorFrame, err := conn.awaitPeer(params.ConnectionIdentifier)
	if err != nil {
		return c.failInstance(params.ProtocolInstanceUID, log, "connection lost awaiting relay response"), nil
	}
	if errorFrame {
		return c.failInstance(params.ProtocolInstanceUID, log, "server error frame awaiting relay response"), nil
	}
	if params.ThenCloseWebSocket {
		c.closeInstance(params.ProtocolInstanceUID)
	}
	return response, nil
}

// transferConn is one cached websocket. Reads happen from the single
// Execute in flight for the instance; writes are serialized anyway.
type transferConn struct {
	instanceUID string
	ws          *websocket.Conn
	writeMu     sync.Mutex
	closeOnce   sync.Once
}

func (c *transferConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(dialTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *transferConn) close() {
	c.closeOnce.Do(func() { _ = c.ws.Close() })
}

// next reads the next non-empty frame. Empty frames are keep-alives.
func (c *transferConn) next() (*inboundFrame, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, errConnectionLost
		}
		if len(data) == 0 {
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		return &frame, nil
	}
}

// awaitPeer collects a peer payload, reassembling fragments. The first
// peer connection id seen sticks; with a filter, frames from other
// connection ids are ignored. An error frame stops the wait with
// errorFrame set; the caller decides whether that is the wrong-session
// soft failure or a hard one.
func (c *transferConn) awaitPeer(filterConnectionID string) (response *store.QueryResponse, errorFrame bool, err error) {
	buffer := newReassembly()
	stickyConnectionID := filterConnectionID

	for {
		frame, err := c.next()
		if err != nil {
			return nil, false, err
		}
		if frame.ErrorCode != nil {
			return nil, true, nil
		}
		if frame.OtherConnectionID == "" {
			continue
		}
		if stickyConnectionID == "" {
			stickyConnectionID = frame.OtherConnectionID
		} else if frame.OtherConnectionID != stickyConnectionID {
			continue
		}

		if buffer.add(frame.Payload, frame.FragmentNumber, frame.TotalFragments) {
			return &store.QueryResponse{
				Status:       store.QueryStatusOK,
				Payload:      buffer.concat(),
				ConnectionID: stickyConnectionID,
			}, false, nil
		}
	}
}
