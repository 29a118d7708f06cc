// Package courier is the client-side sync engine of a secure-messaging
// service: it acquires per-identity server sessions, downloads inbound
// messages and attachments, dispatches generic server queries, keeps the
// websocket push transport alive and relays identity transfers.
package courier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"courier/config"
	"courier/crypto"
	"courier/fetch"
	"courier/protocol"
	"courier/push"
	"courier/query"
	"courier/registry"
	"courier/relay"
	"courier/retry"
	"courier/session"
	"courier/store"
)

// ErrUnknownIdentity is returned for operations on an identity that was
// never registered.
var ErrUnknownIdentity = errors.New("unknown identity")

// Engine wires all coordinators together behind one façade. Construction
// is plain dependency injection; the coordinators never reach around it.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	client   *protocol.Client
	registry *registry.Registry
	backoff  *retry.Manager

	sessions *session.Manager
	fetch    *fetch.Coordinator
	queries  *query.Dispatcher
	push     *push.Coordinator
	relay    *relay.Coordinator

	mu   sync.RWMutex
	keys map[crypto.Identity]*crypto.KeyPair

	callbacks callbacks
}

// New builds an engine from a configuration. Private keys are provided per
// identity at registration time; the engine never persists them.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		store:    st,
		client:   protocol.NewClient(&http.Client{Timeout: cfg.HTTPTimeout()}),
		registry: registry.New(),
		backoff:  retry.NewManager(),
		keys:     make(map[crypto.Identity]*crypto.KeyPair),
	}

	e.sessions = session.NewManager(st, e.client, e, e, e.registry, e.backoff)
	e.fetch = fetch.NewCoordinator(st, e.client, e.sessions, e, e.registry)
	e.queries = query.NewDispatcher(st, e.client, e.sessions, e, e.registry)
	e.push = push.NewCoordinator(e.sessions, e.backoff)
	e.relay = relay.NewCoordinator()

	e.push.SetLiveness(cfg.PingInterval(), cfg.PongTimeout())
	e.queries.SetRelay(e.relay)

	e.sessions.SetTokenSink(e)
	e.sessions.SetEvents(e)
	e.fetch.SetEvents(e)
	e.queries.SetEvents(e)
	e.push.SetEvents(e)

	e.push.SetAlwaysReconnect(cfg.ActiveOnStart)
	return e, nil
}

// Close disconnects the push transport and closes the store.
func (e *Engine) Close() error {
	e.push.DisconnectAll()
	return e.store.Close()
}

// ServerURL resolves the message server of a registered identity. Part of
// the directory seam the coordinators depend on.
func (e *Engine) ServerURL(identity crypto.Identity) (string, error) {
	var url string
	err := e.store.View(func(tx *store.Tx) error {
		binding, err := tx.DeviceBinding(identity)
		if err != nil {
			return err
		}
		url = binding.EndpointURL
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnknownIdentity
	}
	return url, err
}

// KeyPairFor returns the signing keys of a registered identity.
func (e *Engine) KeyPairFor(identity crypto.Identity) (*crypto.KeyPair, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys, ok := e.keys[identity]
	if !ok {
		return nil, ErrUnknownIdentity
	}
	return keys, nil
}

// RegisterIdentity binds an owned identity to its device id and server.
// Session acquisition and push registration start in the background.
func (e *Engine) RegisterIdentity(keys *crypto.KeyPair, deviceID, serverURL string) error {
	identity := keys.Public
	err := e.store.Update(func(tx *store.Tx) error {
		return tx.PutDeviceBinding(&store.DeviceBinding{
			Identity:    identity,
			DeviceID:    deviceID,
			EndpointURL: serverURL,
		})
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.keys[identity] = keys
	e.mu.Unlock()

	e.push.SetIdentity(identity, deviceID, push.WebSocketURL(serverURL))
	go func() {
		if _, _, err := e.sessions.GetValidToken(context.Background(), identity, nil); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RegisterIdentity",
				"identity": identity.String(),
				"error":    err.Error(),
			}).Warn("Initial session acquisition failed")
		}
	}()
	return nil
}

// RemoveIdentity unbinds an identity: its push connection is dropped if
// unused, its server session deleted and its binding removed. Stored
// messages stay until the application deletes them.
func (e *Engine) RemoveIdentity(ctx context.Context, identity crypto.Identity) error {
	e.push.RemoveIdentity(identity)
	if err := e.sessions.DeleteSession(ctx, identity); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RemoveIdentity",
			"identity": identity.String(),
			"error":    err.Error(),
		}).Info("Server session deletion failed, removing binding anyway")
	}

	e.mu.Lock()
	delete(e.keys, identity)
	e.mu.Unlock()

	return e.store.Update(func(tx *store.Tx) error {
		return tx.DeleteDeviceBinding(identity)
	})
}

// DownloadMessages lists and downloads the inbox of an identity's device.
func (e *Engine) DownloadMessages(ctx context.Context, identity crypto.Identity) error {
	binding, err := e.binding(identity)
	if err != nil {
		return err
	}
	return e.fetch.DownloadMessagesAndListAttachments(ctx, identity, binding.DeviceID)
}

// DownloadAttachment fetches one attachment, resuming from stored
// progress.
func (e *Engine) DownloadAttachment(ctx context.Context, identity crypto.Identity, messageID string, index int) error {
	return e.fetch.DownloadAttachment(ctx, identity, messageID, index)
}

// PauseAttachmentDownload interrupts a running attachment download.
func (e *Engine) PauseAttachmentDownload(identity crypto.Identity, messageID string, index int) bool {
	return e.fetch.PauseAttachmentDownload(identity, messageID, index)
}

// ResumeAttachmentDownload restarts a paused attachment download from its
// stored offset.
func (e *Engine) ResumeAttachmentDownload(ctx context.Context, identity crypto.Identity, messageID string, index int) error {
	return e.fetch.ResumeAttachmentDownload(ctx, identity, messageID, index)
}

// SetExtendedPayloadKey attaches the decryption key for a message's
// extended payload and triggers its download.
func (e *Engine) SetExtendedPayloadKey(ctx context.Context, identity crypto.Identity, messageID string, key [32]byte) error {
	if err := e.fetch.SetExtendedPayloadKey(identity, messageID, key); err != nil {
		return err
	}
	return e.fetch.DownloadExtendedPayload(ctx, identity, messageID)
}

// DeleteMessageAndAttachments deletes a message locally and records the
// server-deletion intent in the same transaction.
func (e *Engine) DeleteMessageAndAttachments(identity crypto.Identity, messageID string) error {
	return e.fetch.DeleteMessageAndAttachments(identity, messageID)
}

// PostServerQuery persists a generic server query and dispatches it. The
// returned id identifies the query in the processed notification.
func (e *Engine) PostServerQuery(ctx context.Context, identity crypto.Identity, kind store.QueryKind, params any) (uuid.UUID, error) {
	pending, err := store.NewQuery(identity, kind, params)
	if err != nil {
		return uuid.Nil, err
	}
	if err := e.queries.Post(ctx, pending); err != nil {
		return uuid.Nil, err
	}
	return pending.ID, nil
}

// QueryResponse returns the stored response of a query, if any.
func (e *Engine) QueryResponse(queryID uuid.UUID) (*store.QueryResponse, error) {
	var response *store.QueryResponse
	err := e.store.View(func(tx *store.Tx) error {
		pending, err := tx.Query(queryID)
		if err != nil {
			return err
		}
		response = pending.Response
		return nil
	})
	return response, err
}

// DeleteProcessedQuery removes a query once its response was consumed.
func (e *Engine) DeleteProcessedQuery(queryID uuid.UUID) error {
	return e.queries.Delete(queryID)
}

// RefreshAPIPermissions forces a fresh token acquisition and returns the
// refreshed API key elements.
func (e *Engine) RefreshAPIPermissions(ctx context.Context, identity crypto.Identity) (store.APIKeyElements, error) {
	token, _, ok := e.sessions.StoredToken(identity)
	if !ok {
		_, elements, err := e.sessions.GetValidToken(ctx, identity, nil)
		return elements, err
	}
	_, elements, err := e.sessions.InvalidateAndRefresh(ctx, identity, token)
	return elements, err
}

// Connect attempts push connections for every complete identity triple.
func (e *Engine) Connect() { e.push.ConnectAll() }

// Disconnect closes every push connection without reconnecting.
func (e *Engine) Disconnect() { e.push.DisconnectAll() }

// SetActive flips the always-reconnect flag: true while the application is
// foregrounded, false otherwise.
func (e *Engine) SetActive(active bool) { e.push.SetAlwaysReconnect(active) }

// NetworkPathChanged forces a debounced reconnect cycle after an interface
// change.
func (e *Engine) NetworkPathChanged() { e.push.NetworkPathChanged() }

// Bootstrap restores runtime state after a restart: push triples are
// re-bound, pending queries re-dispatched, interrupted attachment
// downloads resumed and inboxes re-listed.
func (e *Engine) Bootstrap(ctx context.Context) error {
	var bindings []*store.DeviceBinding
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		bindings, err = tx.AllDeviceBindings()
		return err
	})
	if err != nil {
		return err
	}

	for _, binding := range bindings {
		e.push.SetIdentity(binding.Identity, binding.DeviceID, push.WebSocketURL(binding.EndpointURL))
		if token, _, ok := e.sessions.StoredToken(binding.Identity); ok {
			e.push.SessionTokenChanged(binding.Identity, token)
		}

		if err := e.queries.DispatchAllPending(ctx, binding.Identity); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Bootstrap",
				"identity": binding.Identity.String(),
				"error":    err.Error(),
			}).Warn("Pending query re-dispatch failed")
		}
		if err := e.DownloadMessages(ctx, binding.Identity); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Bootstrap",
				"identity": binding.Identity.String(),
				"error":    err.Error(),
			}).Info("Inbox listing deferred")
		}
		e.resumeInterruptedDownloads(ctx, binding)
	}
	return nil
}

// resumeInterruptedDownloads restarts attachment downloads that were
// neither finished, paused by the caller nor cancelled by the server.
func (e *Engine) resumeInterruptedDownloads(ctx context.Context, binding *store.DeviceBinding) {
	type ref struct {
		messageID string
		index     int
	}
	var interrupted []ref
	_ = e.store.View(func(tx *store.Tx) error {
		messages, err := tx.MessagesFor(binding.Identity, binding.DeviceID)
		if err != nil {
			return err
		}
		for _, message := range messages {
			attachments, err := tx.AttachmentsOf(binding.Identity, message.ID)
			if err != nil {
				continue
			}
			for _, attachment := range attachments {
				if !attachment.Downloaded && !attachment.Paused && !attachment.CancelledByServer {
					interrupted = append(interrupted, ref{message.ID, attachment.Index})
				}
			}
		}
		return nil
	})

	for _, r := range interrupted {
		r := r
		go func() {
			_ = e.fetch.DownloadAttachment(ctx, binding.Identity, r.messageID, r.index)
		}()
	}
}

func (e *Engine) binding(identity crypto.Identity) (*store.DeviceBinding, error) {
	var binding *store.DeviceBinding
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		binding, err = tx.DeviceBinding(identity)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownIdentity
	}
	return binding, err
}

// handleInlineMessage funnels a push-delivered message through the same
// insert-if-new path the listing uses. A missing or unparseable inline
// payload falls back to a full listing round trip.
func (e *Engine) handleInlineMessage(identity crypto.Identity, inline []byte) {
	binding, err := e.binding(identity)
	if err != nil {
		return
	}

	if len(inline) > 0 {
		var descriptor protocol.MessageDescriptor
		if err := json.Unmarshal(inline, &descriptor); err == nil && descriptor.ID != "" {
			if _, err := e.fetch.ProcessInlineMessage(identity, binding.DeviceID, &descriptor); err == nil {
				return
			}
		}
	}

	go func() {
		_ = e.fetch.DownloadMessagesAndListAttachments(context.Background(), identity, binding.DeviceID)
	}()
}
