// Package push maintains the long-lived websocket connections used for
// push delivery. One connection is shared per server endpoint across all
// identities hosted there; each identity registers itself on the shared
// connection once its (device id, token, endpoint) triple is complete.
package push

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"courier/crypto"
	"courier/retry"
	"courier/store"
)

const (
	handshakeTimeout   = 10 * time.Second
	defaultPingEvery   = 20 * time.Second
	defaultPongWithin  = 10 * time.Second
	pathChangeDebounce = time.Second
)

// SessionRefresher invalidates a rejected token and acquires a fresh one.
// Implemented by the session manager.
type SessionRefresher interface {
	InvalidateAndRefresh(ctx context.Context, identity crypto.Identity, invalidToken []byte) ([]byte, store.APIKeyElements, error)
}

// Events is the seam through which the coordinator reports push activity.
type Events interface {
	IdentityRegistered(identity crypto.Identity)
	MessageAvailable(identity crypto.Identity, inlinePayload []byte)
	PushTopicReceived(topic string)
	OwnedDevicesChanged(identity crypto.Identity)
	ConnectionStateChanged(endpoint string, connected bool)
}

// identityState is the connection triple of one identity. All three fields
// must be populated before the identity takes part in a connection.
type identityState struct {
	deviceID string
	token    []byte
	endpoint string
}

func (s *identityState) ready() bool {
	return s.deviceID != "" && len(s.token) > 0 && s.endpoint != ""
}

// Coordinator owns the per-endpoint websocket pool.
type Coordinator struct {
	mu         sync.Mutex
	identities map[crypto.Identity]*identityState
	conns      map[string]*endpointConn
	dialing    map[string]bool

	sessions SessionRefresher
	backoff  *retry.Manager
	events   Events
	dialer   *websocket.Dialer

	alwaysReconnect bool
	pingEvery       time.Duration
	pongWithin      time.Duration

	pathChangeTimer *time.Timer
}

// NewCoordinator creates a push coordinator. Events are wired by the
// engine via SetEvents; connections are attempted once triples complete.
func NewCoordinator(sessions SessionRefresher, backoff *retry.Manager) *Coordinator {
	return &Coordinator{
		identities: make(map[crypto.Identity]*identityState),
		conns:      make(map[string]*endpointConn),
		dialing:    make(map[string]bool),
		sessions:   sessions,
		backoff:    backoff,
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		pingEvery:  defaultPingEvery,
		pongWithin: defaultPongWithin,
	}
}

// SetEvents wires the upstream event consumer.
func (c *Coordinator) SetEvents(events Events) { c.events = events }

// SetLiveness overrides the ping period and pong wait bound. Affects
// connections opened afterwards.
func (c *Coordinator) SetLiveness(pingEvery, pongWithin time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pingEvery > 0 {
		c.pingEvery = pingEvery
	}
	if pongWithin > 0 {
		c.pongWithin = pongWithin
	}
}

// WebSocketURL converts an http(s) server URL into its ws(s) endpoint.
func WebSocketURL(serverURL string) string {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return serverURL
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	return parsed.String()
}

// SetIdentity binds an identity to its device id and endpoint. A connection
// attempt follows if the triple is now complete.
func (c *Coordinator) SetIdentity(identity crypto.Identity, deviceID, endpoint string) {
	c.mu.Lock()
	state := c.stateLocked(identity)
	state.deviceID = deviceID
	state.endpoint = endpoint
	c.mu.Unlock()
	c.tryConnect(endpoint)
}

// SessionTokenChanged records a freshly acquired token and retries the
// connection of the identity's endpoint. Satisfies the session manager's
// token sink.
func (c *Coordinator) SessionTokenChanged(identity crypto.Identity, token []byte) {
	c.mu.Lock()
	state := c.stateLocked(identity)
	state.token = token
	endpoint := state.endpoint
	c.mu.Unlock()
	if endpoint != "" {
		c.tryConnect(endpoint)
	}
}

// RemoveIdentity unbinds an identity. The endpoint connection is torn down
// if no other identity needs it.
func (c *Coordinator) RemoveIdentity(identity crypto.Identity) {
	c.mu.Lock()
	state, ok := c.identities[identity]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.identities, identity)
	endpoint := state.endpoint
	stillNeeded := false
	for _, other := range c.identities {
		if other.endpoint == endpoint {
			stillNeeded = true
			break
		}
	}
	var conn *endpointConn
	if !stillNeeded {
		conn = c.conns[endpoint]
	}
	c.mu.Unlock()
	if conn != nil {
		c.teardown(conn, false)
	}
}

// SetAlwaysReconnect flips the reconnect policy. Turning it on connects
// everything that can connect; turning it off only affects future drops.
func (c *Coordinator) SetAlwaysReconnect(on bool) {
	c.mu.Lock()
	c.alwaysReconnect = on
	c.mu.Unlock()
	if on {
		c.ConnectAll()
	}
}

// ConnectAll attempts a connection for every endpoint with a complete
// triple. Idempotent.
func (c *Coordinator) ConnectAll() {
	c.mu.Lock()
	endpoints := make(map[string]bool)
	for _, state := range c.identities {
		if state.ready() {
			endpoints[state.endpoint] = true
		}
	}
	c.mu.Unlock()
	for endpoint := range endpoints {
		c.tryConnect(endpoint)
	}
}

// DisconnectAll closes every connection. Explicit disconnects never
// auto-reconnect.
func (c *Coordinator) DisconnectAll() {
	c.mu.Lock()
	conns := make([]*endpointConn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		c.teardown(conn, false)
	}
}

// NetworkPathChanged forces a debounced disconnect-all/connect-all cycle.
// Duplicate change notifications within the debounce window collapse into
// one cycle.
func (c *Coordinator) NetworkPathChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pathChangeTimer != nil {
		c.pathChangeTimer.Stop()
	}
	c.pathChangeTimer = time.AfterFunc(pathChangeDebounce, func() {
		logrus.WithField("function", "NetworkPathChanged").Info("Network path changed, cycling connections")
		c.DisconnectAll()
		c.ConnectAll()
	})
}

func (c *Coordinator) stateLocked(identity crypto.Identity) *identityState {
	state, ok := c.identities[identity]
	if !ok {
		state = &identityState{}
		c.identities[identity] = state
	}
	return state
}

// readyIdentitiesLocked returns the identities whose triple is complete
// for an endpoint.
func (c *Coordinator) readyIdentitiesLocked(endpoint string) map[crypto.Identity]*identityState {
	ready := make(map[crypto.Identity]*identityState)
	for identity, state := range c.identities {
		if state.endpoint == endpoint && state.ready() {
			ready[identity] = state
		}
	}
	return ready
}

// tryConnect is the idempotent connection attempt invoked after every
// state update. With a live connection it registers any identity that
// became ready since; without one it dials if at least one identity is
// ready.
func (c *Coordinator) tryConnect(endpoint string) {
	c.mu.Lock()
	ready := c.readyIdentitiesLocked(endpoint)
	if len(ready) == 0 {
		c.mu.Unlock()
		return
	}
	if conn, ok := c.conns[endpoint]; ok {
		pending := make(map[crypto.Identity]*identityState)
		for identity, state := range ready {
			if !conn.registered[identity] {
				conn.registered[identity] = true
				pending[identity] = state
			}
		}
		c.mu.Unlock()
		for identity, state := range pending {
			c.sendRegister(conn, identity, state)
		}
		return
	}
	if c.dialing[endpoint] {
		c.mu.Unlock()
		return
	}
	c.dialing[endpoint] = true
	c.mu.Unlock()
	go c.dial(endpoint)
}

func (c *Coordinator) dial(endpoint string) {
	log := logrus.WithFields(logrus.Fields{
		"function": "dial",
		"endpoint": endpoint,
	})

	ws, _, err := c.dialer.Dial(endpoint, nil)

	c.mu.Lock()
	delete(c.dialing, endpoint)
	if err != nil {
		reconnect := c.alwaysReconnect
		delay := c.backoff.IncrementAndGetDelay("push/" + endpoint)
		c.mu.Unlock()
		log.WithField("error", err.Error()).Warn("Websocket dial failed")
		if reconnect {
			time.AfterFunc(delay, func() { c.tryConnect(endpoint) })
		}
		return
	}
	c.backoff.Reset("push/" + endpoint)

	conn := newEndpointConn(endpoint, ws)
	c.conns[endpoint] = conn
	ready := c.readyIdentitiesLocked(endpoint)
	for identity := range ready {
		conn.registered[identity] = true
	}
	c.mu.Unlock()

	log.Info("Websocket connected")
	if c.events != nil {
		c.events.ConnectionStateChanged(endpoint, true)
	}
	for identity, state := range ready {
		c.sendRegister(conn, identity, state)
	}

	go c.readLoop(conn)
	go c.pingLoop(conn)
}

func (c *Coordinator) sendRegister(conn *endpointConn, identity crypto.Identity, state *identityState) {
	frame, err := newRegisterFrame(identity.Hex(), state.deviceID, state.token)
	if err != nil {
		return
	}
	if err := conn.writeText(frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendRegister",
			"endpoint": conn.endpoint,
			"error":    err.Error(),
		}).Warn("Register frame write failed")
	}
}

func (c *Coordinator) readLoop(conn *endpointConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			c.teardown(conn, true)
			return
		}
		if len(data) == 0 {
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"endpoint": conn.endpoint,
			}).Debug("Discarding unparseable frame")
			continue
		}
		c.handleFrame(conn, &frame)
	}
}

func (c *Coordinator) handleFrame(conn *endpointConn, frame *inboundFrame) {
	log := logrus.WithFields(logrus.Fields{
		"function": "handleFrame",
		"endpoint": conn.endpoint,
		"action":   frame.Action,
	})

	switch frame.Action {
	case "register":
		c.handleRegisterAck(conn, frame, log)
	case "message":
		identity, err := crypto.IdentityFromHex(frame.Identity)
		if err != nil {
			log.Debug("Message frame with bad identity")
			return
		}
		if c.events != nil {
			c.events.MessageAvailable(identity, frame.Message)
		}
	case "push_topic":
		if c.events != nil && frame.Topic != "" {
			c.events.PushTopicReceived(frame.Topic)
		}
	case "ownedDevices":
		identity, err := crypto.IdentityFromHex(frame.Identity)
		if err != nil {
			return
		}
		if c.events != nil {
			c.events.OwnedDevicesChanged(identity)
		}
	default:
		log.Debug("Ignoring frame with unknown action")
	}
}

func (c *Coordinator) handleRegisterAck(conn *endpointConn, frame *inboundFrame, log *logrus.Entry) {
	if frame.Err == nil {
		identity, err := crypto.IdentityFromHex(frame.Identity)
		if err != nil {
			return
		}
		log.Debug("Identity registered for push")
		if c.events != nil {
			c.events.IdentityRegistered(identity)
		}
		return
	}

	switch *frame.Err {
	case errCodeInvalidServerSession:
		log.Info("Register rejected, server session invalid")
		c.dropTokensOnEndpoint(conn.endpoint)
		c.teardown(conn, false)
	default:
		log.WithField("code", *frame.Err).Warn("Register rejected")
		c.teardown(conn, true)
	}
}

// dropTokensOnEndpoint forgets every token bound to an endpoint and starts
// a refresh for each. The cleared tokens keep tryConnect from redialing
// until fresh ones arrive through the token sink.
func (c *Coordinator) dropTokensOnEndpoint(endpoint string) {
	c.mu.Lock()
	stale := make(map[crypto.Identity][]byte)
	for identity, state := range c.identities {
		if state.endpoint == endpoint && len(state.token) > 0 {
			stale[identity] = state.token
			state.token = nil
		}
	}
	c.mu.Unlock()

	for identity, token := range stale {
		identity, token := identity, token
		go func() {
			_, _, _ = c.sessions.InvalidateAndRefresh(context.Background(), identity, token)
		}()
	}
}

func (c *Coordinator) pingLoop(conn *endpointConn) {
	c.mu.Lock()
	pingEvery, pongWithin := c.pingEvery, c.pongWithin
	c.mu.Unlock()

	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-conn.stop:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				c.teardown(conn, true)
				return
			}
			if conn.sincePong() > pingEvery+pongWithin {
				logrus.WithFields(logrus.Fields{
					"function": "pingLoop",
					"endpoint": conn.endpoint,
				}).Warn("Pong timeout, tearing connection down")
				c.teardown(conn, true)
				return
			}
		}
	}
}

// teardown closes a connection exactly once, removes it from the pool and
// optionally schedules a reconnect.
func (c *Coordinator) teardown(conn *endpointConn, unexpected bool) {
	first := conn.close()
	if !first {
		return
	}

	c.mu.Lock()
	if c.conns[conn.endpoint] == conn {
		delete(c.conns, conn.endpoint)
	}
	reconnect := unexpected && c.alwaysReconnect
	var delay time.Duration
	if reconnect {
		delay = c.backoff.IncrementAndGetDelay("push/" + conn.endpoint)
	}
	c.mu.Unlock()

	if c.events != nil {
		c.events.ConnectionStateChanged(conn.endpoint, false)
	}
	if reconnect {
		time.AfterFunc(delay, func() { c.tryConnect(conn.endpoint) })
	}
}
