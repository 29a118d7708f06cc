// Package session owns the challenge/response/token lifecycle of every
// owned identity. It provides "get valid token" (blocking until a token is
// available or acquisition definitively fails) and "invalidate and refresh"
// with stale-invalidation protection.
package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"courier/crypto"
	"courier/protocol"
	"courier/registry"
	"courier/retry"
	"courier/store"
)

// NonceLength is the length of the client-chosen nonce bound to each
// challenge.
const NonceLength = 32

var (
	// ErrFailedToGetToken covers transport-level failures anywhere in the
	// acquisition sequence.
	ErrFailedToGetToken = errors.New("failed to get server session token")
	// ErrFailedToSolveChallenge is returned when the server did not find a
	// challenge matching our response; the session was reset.
	ErrFailedToSolveChallenge = errors.New("failed to solve server challenge")
	// ErrAcquisitionAlreadyRunning indicates a registry invariant
	// violation: the coalescing layer should never let two acquisitions
	// race for one identity.
	ErrAcquisitionAlreadyRunning = errors.New("token acquisition already in flight")
)

// Directory resolves the HTTP server base URL of an owned identity.
type Directory interface {
	ServerURL(identity crypto.Identity) (string, error)
}

// KeyProvider returns the signing key pair of an owned identity.
type KeyProvider interface {
	KeyPairFor(identity crypto.Identity) (*crypto.KeyPair, error)
}

// TokenSink receives every freshly acquired session token, so queued push
// registrations can proceed.
type TokenSink interface {
	SessionTokenChanged(identity crypto.Identity, token []byte)
}

// Events is the seam through which the manager reports outcomes upstream.
type Events interface {
	TokenRefreshed(identity crypto.Identity, token []byte, elements store.APIKeyElements)
	SessionAcquisitionFailed(identity crypto.Identity, err error)
}

// Manager acquires and refreshes server session tokens. Acquisition is
// single-flight per identity: concurrent callers coalesce onto one
// in-flight handshake and all observe its outcome.
type Manager struct {
	store     *store.Store
	client    *protocol.Client
	directory Directory
	keys      KeyProvider
	registry  *registry.Registry
	backoff   *retry.Manager

	mu    sync.Mutex
	calls map[crypto.Identity]*call

	tokenSink TokenSink
	events    Events
}

type call struct {
	done     chan struct{}
	token    []byte
	elements store.APIKeyElements
	err      error
}

// NewManager creates a session manager. tokenSink and events may be nil
// until wired by the engine via SetTokenSink / SetEvents.
func NewManager(st *store.Store, client *protocol.Client, directory Directory, keys KeyProvider, reg *registry.Registry, backoff *retry.Manager) *Manager {
	return &Manager{
		store:     st,
		client:    client,
		directory: directory,
		keys:      keys,
		registry:  reg,
		backoff:   backoff,
		calls:     make(map[crypto.Identity]*call),
	}
}

// SetTokenSink wires the push coordinator that receives new tokens.
func (m *Manager) SetTokenSink(sink TokenSink) { m.tokenSink = sink }

// SetEvents wires the upstream event consumer.
func (m *Manager) SetEvents(events Events) { m.events = events }

// StoredToken returns the persisted token and elements for identity without
// triggering an acquisition. ok is false when no token is stored.
func (m *Manager) StoredToken(identity crypto.Identity) (token []byte, elements store.APIKeyElements, ok bool) {
	_ = m.store.View(func(tx *store.Tx) error {
		session, err := tx.Session(identity)
		if err != nil {
			return nil
		}
		if session.Token != nil {
			token = session.Token
			elements = session.Elements
			ok = true
		}
		return nil
	})
	return token, elements, ok
}

// GetValidToken returns a session token for identity. A stored token that
// differs from currentInvalidToken is returned immediately; otherwise a
// full acquisition runs (challenge, solve, token), coalesced with any
// concurrent caller for the same identity.
func (m *Manager) GetValidToken(ctx context.Context, identity crypto.Identity, currentInvalidToken []byte) ([]byte, store.APIKeyElements, error) {
	requestID := uuid.New()
	log := logrus.WithFields(logrus.Fields{
		"function": "GetValidToken",
		"identity": identity.String(),
		"request":  requestID.String(),
	})

	if currentInvalidToken != nil {
		if err := m.resetIfTokenMatches(identity, currentInvalidToken); err != nil {
			return nil, store.APIKeyElements{}, fmt.Errorf("%w: %v", ErrFailedToGetToken, err)
		}
	}

	if token, elements, ok := m.StoredToken(identity); ok && !bytes.Equal(token, currentInvalidToken) {
		log.Debug("Returning stored session token")
		return token, elements, nil
	}

	m.mu.Lock()
	if existing, ok := m.calls[identity]; ok {
		m.mu.Unlock()
		log.Debug("Acquisition in flight, waiting for its outcome")
		select {
		case <-existing.done:
			return existing.token, existing.elements, existing.err
		case <-ctx.Done():
			return nil, store.APIKeyElements{}, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	m.calls[identity] = c
	m.mu.Unlock()

	// Earlier failures for this identity impose a backoff before the next
	// handshake attempt.
	if delay := m.backoff.CurrentDelay(retryKey(identity)); delay > 0 {
		log.WithField("delay", delay).Debug("Backing off before session acquisition")
		c.err = m.backoff.WaitForDelay(ctx, delay)
	}
	if c.err == nil {
		c.token, c.elements, c.err = m.acquire(ctx, identity, log)
	}

	m.mu.Lock()
	delete(m.calls, identity)
	m.mu.Unlock()
	close(c.done)

	if c.err != nil {
		m.backoff.IncrementAndGetDelay(retryKey(identity))
		if m.events != nil {
			m.events.SessionAcquisitionFailed(identity, c.err)
		}
		return nil, store.APIKeyElements{}, c.err
	}

	m.backoff.Reset(retryKey(identity))
	if m.tokenSink != nil {
		m.tokenSink.SessionTokenChanged(identity, c.token)
	}
	if m.events != nil {
		m.events.TokenRefreshed(identity, c.token, c.elements)
	}
	return c.token, c.elements, nil
}

// InvalidateAndRefresh clears the stored session if its token still equals
// invalidToken, then re-runs acquisition. A token refreshed concurrently by
// another caller is never clobbered.
func (m *Manager) InvalidateAndRefresh(ctx context.Context, identity crypto.Identity, invalidToken []byte) ([]byte, store.APIKeyElements, error) {
	logrus.WithFields(logrus.Fields{
		"function": "InvalidateAndRefresh",
		"identity": identity.String(),
	}).Info("Invalidating server session token")

	return m.GetValidToken(ctx, identity, invalidToken)
}

// DeleteSession invalidates the session server side and removes the local
// record. Used when an identity leaves the owned set.
func (m *Manager) DeleteSession(ctx context.Context, identity crypto.Identity) error {
	serverURL, err := m.directory.ServerURL(identity)
	if err != nil {
		return err
	}

	var token []byte
	_ = m.store.View(func(tx *store.Tx) error {
		if session, err := tx.Session(identity); err == nil {
			token = session.Token
		}
		return nil
	})

	if token != nil {
		if _, err := m.client.DeleteSession(ctx, serverURL, identity, token); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DeleteSession",
				"identity": identity.String(),
				"error":    err.Error(),
			}).Warn("Server-side session deletion failed, removing local record anyway")
		}
	}

	return m.store.Update(func(tx *store.Tx) error {
		return tx.DeleteSession(identity)
	})
}

// acquire performs the full handshake: ensure nonce, obtain challenge,
// solve it, exchange the response for a token, persist everything. The two
// acquisition branches are deliberately distinct: an existing solved
// response skips the challenge and solve steps without touching the nonce.
func (m *Manager) acquire(ctx context.Context, identity crypto.Identity, log *logrus.Entry) ([]byte, store.APIKeyElements, error) {
	serverURL, err := m.directory.ServerURL(identity)
	if err != nil {
		return nil, store.APIKeyElements{}, fmt.Errorf("%w: %v", ErrFailedToGetToken, err)
	}

	var session *store.ServerSession
	err = m.store.View(func(tx *store.Tx) error {
		session, err = tx.SessionOrNew(identity)
		return err
	})
	if err != nil {
		return nil, store.APIKeyElements{}, fmt.Errorf("%w: %v", ErrFailedToGetToken, err)
	}

	if session.Token != nil {
		log.Debug("Found token persisted by a concurrent acquisition")
		return session.Token, session.Elements, nil
	}

	var nonce, response []byte
	if session.Response != nil {
		// A solved response is already persisted; go straight to the token
		// exchange with the stored nonce.
		log.Debug("Reusing persisted challenge response")
		nonce, response = session.Nonce, session.Response
	} else {
		nonce, response, err = m.solveFreshChallenge(ctx, identity, serverURL, session, log)
		if err != nil {
			return nil, store.APIKeyElements{}, err
		}
	}

	result, err := m.exchangeResponseForToken(ctx, identity, serverURL, response, nonce, log)
	if err != nil {
		return nil, store.APIKeyElements{}, err
	}

	err = m.store.Update(func(tx *store.Tx) error {
		stored, err := tx.SessionOrNew(identity)
		if err != nil {
			return err
		}
		stored.Token = result.Token
		stored.Elements = result.Elements
		return tx.PutSession(stored)
	})
	if err != nil {
		return nil, store.APIKeyElements{}, fmt.Errorf("%w: %v", ErrFailedToGetToken, err)
	}

	log.Info("Server session token acquired")
	return result.Token, result.Elements, nil
}

// solveFreshChallenge runs steps (1) and (2) of the acquisition sequence:
// obtain a challenge bound to a nonce and solve it. The solved response is
// persisted only if no response or token appeared concurrently.
func (m *Manager) solveFreshChallenge(ctx context.Context, identity crypto.Identity, serverURL string, session *store.ServerSession, log *logrus.Entry) (nonce, response []byte, err error) {
	nonce = session.Nonce
	if nonce == nil {
		nonce, err = crypto.GenerateNonce(NonceLength)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrFailedToGetToken, err)
		}
		err = m.store.Update(func(tx *store.Tx) error {
			stored, err := tx.SessionOrNew(identity)
			if err != nil {
				return err
			}
			if stored.Nonce == nil {
				stored.Nonce = nonce
			} else {
				nonce = stored.Nonce
			}
			return tx.PutSession(stored)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrFailedToGetToken, err)
		}
	}

	handle, ok := m.registry.TryBegin(registry.Key{Scope: registry.ScopeChallenge, ID: identity.Hex()})
	if !ok {
		log.Error("Challenge request already in flight despite coalescing")
		return nil, nil, ErrAcquisitionAlreadyRunning
	}
	challenge, status, err := m.client.RequestChallenge(ctx, serverURL, identity, nonce)
	m.registry.End(handle)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFailedToGetToken, err)
	}
	if status != protocol.StatusOK {
		return nil, nil, fmt.Errorf("%w: server status %s", ErrFailedToGetToken, status)
	}

	keys, err := m.keys.KeyPairFor(identity)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFailedToGetToken, err)
	}
	response, err = crypto.SolveChallenge(challenge, nil, keys, rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFailedToSolveChallenge, err)
	}

	// Persist the response, unless a concurrent path already stored one
	// (or a full token); in that case theirs wins.
	err = m.store.Update(func(tx *store.Tx) error {
		stored, err := tx.SessionOrNew(identity)
		if err != nil {
			return err
		}
		if stored.Response == nil && stored.Token == nil {
			stored.Nonce = nonce
			stored.Response = response
			return tx.PutSession(stored)
		}
		nonce, response = stored.Nonce, stored.Response
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFailedToGetToken, err)
	}
	return nonce, response, nil
}

// exchangeResponseForToken runs step (3): trade the solved response for a
// token. A challengeNotFound reply resets the whole session so the next
// attempt starts from a fresh nonce.
func (m *Manager) exchangeResponseForToken(ctx context.Context, identity crypto.Identity, serverURL string, response, nonce []byte, log *logrus.Entry) (*protocol.TokenResult, error) {
	handle, ok := m.registry.TryBegin(registry.Key{Scope: registry.ScopeToken, ID: identity.Hex()})
	if !ok {
		log.Error("Token request already in flight despite coalescing")
		return nil, ErrAcquisitionAlreadyRunning
	}
	result, status, err := m.client.GetToken(ctx, serverURL, identity, response, nonce)
	m.registry.End(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToGetToken, err)
	}

	switch status {
	case protocol.StatusOK:
		return result, nil
	case protocol.StatusChallengeNotFound:
		log.Warn("Server did not find our challenge, resetting session")
		resetErr := m.store.Update(func(tx *store.Tx) error {
			stored, err := tx.SessionOrNew(identity)
			if err != nil {
				return err
			}
			stored.Reset()
			return tx.PutSession(stored)
		})
		if resetErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToGetToken, resetErr)
		}
		return nil, ErrFailedToSolveChallenge
	default:
		return nil, fmt.Errorf("%w: server status %s", ErrFailedToGetToken, status)
	}
}

// resetIfTokenMatches resets the stored session only when its token still
// equals invalidToken, so a concurrently refreshed token is preserved.
func (m *Manager) resetIfTokenMatches(identity crypto.Identity, invalidToken []byte) error {
	return m.store.Update(func(tx *store.Tx) error {
		session, err := tx.Session(identity)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(session.Token, invalidToken) {
			return nil
		}
		session.Reset()
		return tx.PutSession(session)
	})
}

func retryKey(identity crypto.Identity) string {
	return "session/" + identity.Hex()
}
