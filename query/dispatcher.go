// Package query persists and executes generic server queries. A query is
// written to the store first, then dispatched; its response is written back
// into the same record so the caller survives restarts in between.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"courier/crypto"
	"courier/protocol"
	"courier/registry"
	"courier/session"
	"courier/store"
)

var (
	// ErrQueryVanished is returned when the query record no longer exists.
	ErrQueryVanished = errors.New("query no longer exists")
	// ErrUnknownKind is returned for a query kind without a handler.
	ErrUnknownKind = errors.New("unknown query kind")
)

// Relay executes queries carried over the identity-transfer websocket.
// Implemented by the relay coordinator.
type Relay interface {
	Execute(ctx context.Context, query *store.PendingServerQuery) (*store.QueryResponse, error)
}

// Events is the seam through which the dispatcher reports outcomes.
// QueryFailed fires on parse failures and transport errors; the query
// stays pending and the caller decides whether to re-dispatch or delete.
type Events interface {
	QueryProcessed(identity crypto.Identity, queryID uuid.UUID)
	QueryFailed(identity crypto.Identity, queryID uuid.UUID, err error)
	ServerSessionRequired(identity crypto.Identity)
}

// Dispatcher owns the pending-query lifecycle.
type Dispatcher struct {
	store     *store.Store
	client    *protocol.Client
	sessions  *session.Manager
	directory session.Directory
	registry  *registry.Registry
	relay     Relay
	events    Events
}

// NewDispatcher creates a query dispatcher. The relay and events are wired
// by the engine via the setters.
func NewDispatcher(st *store.Store, client *protocol.Client, sessions *session.Manager, directory session.Directory, reg *registry.Registry) *Dispatcher {
	return &Dispatcher{
		store:     st,
		client:    client,
		sessions:  sessions,
		directory: directory,
		registry:  reg,
	}
}

// SetRelay wires the websocket relay used for identity-transfer kinds.
func (d *Dispatcher) SetRelay(relay Relay) { d.relay = relay }

// SetEvents wires the upstream event consumer.
func (d *Dispatcher) SetEvents(events Events) { d.events = events }

// Post persists a new query and immediately attempts to dispatch it. The
// persistence is what matters; a dispatch failure here just means a later
// re-dispatch will pick the query up.
func (d *Dispatcher) Post(ctx context.Context, query *store.PendingServerQuery) error {
	err := d.store.Update(func(tx *store.Tx) error {
		return tx.CreateQuery(query)
	})
	if err != nil {
		return fmt.Errorf("persist query: %w", err)
	}
	if err := d.Dispatch(ctx, query.ID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Post",
			"query":    query.ID.String(),
			"error":    err.Error(),
		}).Info("Initial dispatch failed, query stays pending")
	}
	return nil
}

// Dispatch executes one pending query end to end. At most one dispatch per
// query id runs at a time; a concurrent call returns nil immediately. A
// query that already holds a response is only re-notified.
func (d *Dispatcher) Dispatch(ctx context.Context, queryID uuid.UUID) error {
	log := logrus.WithFields(logrus.Fields{
		"function": "Dispatch",
		"query":    queryID.String(),
	})

	handle, ok := d.registry.TryBegin(registry.Key{Scope: registry.ScopeQuery, ID: queryID.String()})
	if !ok {
		log.Debug("Query dispatch already in flight")
		return nil
	}
	defer d.registry.End(handle)

	var query *store.PendingServerQuery
	err := d.store.View(func(tx *store.Tx) error {
		var err error
		query, err = tx.Query(queryID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		log.Info("Query vanished before dispatch")
		return ErrQueryVanished
	}
	if err != nil {
		return err
	}

	if query.Response != nil {
		// Response already obtained in an earlier run; the consumer was
		// not notified (or did not act on it), so notify again.
		log.Debug("Query already answered, re-notifying")
		d.notifyProcessed(query)
		return nil
	}

	var response *store.QueryResponse
	if query.OverWebSocket {
		if d.relay == nil {
			return fmt.Errorf("dispatch %s: no relay wired", query.Kind)
		}
		response, err = d.relay.Execute(ctx, query)
	} else {
		response, err = d.execute(ctx, query, log)
	}
	if err != nil {
		d.notifyFailed(query, err)
		return fmt.Errorf("dispatch %s: %w", query.Kind, err)
	}
	if response == nil {
		// Retriable outcome; the query stays pending untouched.
		return nil
	}
	return d.storeResponse(query, response)
}

// DispatchAllPending re-dispatches every stored query of an identity, for
// bootstrap and after a token refresh. Failures are logged per query and
// do not stop the sweep.
func (d *Dispatcher) DispatchAllPending(ctx context.Context, identity crypto.Identity) error {
	var pending []*store.PendingServerQuery
	err := d.store.View(func(tx *store.Tx) error {
		var err error
		pending, err = tx.PendingQueries(identity, false)
		return err
	})
	if err != nil {
		return err
	}
	for _, query := range pending {
		if err := d.Dispatch(ctx, query.ID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DispatchAllPending",
				"query":    query.ID.String(),
				"error":    err.Error(),
			}).Warn("Re-dispatch failed")
		}
	}
	return nil
}

// Delete removes a processed query once its consumer acknowledged the
// response.
func (d *Dispatcher) Delete(queryID uuid.UUID) error {
	return d.store.Update(func(tx *store.Tx) error {
		return tx.DeleteQuery(queryID)
	})
}

func (d *Dispatcher) storeResponse(query *store.PendingServerQuery, response *store.QueryResponse) error {
	return d.store.Update(func(tx *store.Tx) error {
		current, err := tx.Query(query.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil // deleted behind our back, nothing to record
		}
		if err != nil {
			return err
		}
		current.Response = response
		return tx.PutQuery(current)
	}, func() {
		d.notifyProcessed(query)
	})
}

func (d *Dispatcher) notifyProcessed(query *store.PendingServerQuery) {
	if d.events != nil {
		d.events.QueryProcessed(query.Identity, query.ID)
	}
}

func (d *Dispatcher) notifyFailed(query *store.PendingServerQuery, err error) {
	if d.events != nil {
		d.events.QueryFailed(query.Identity, query.ID, err)
	}
}

// execute runs the HTTP-style kinds. A nil response with a nil error means
// the attempt should be retried later and the query stays pending; this is
// how transient transport failures and invalid sessions come out.
func (d *Dispatcher) execute(ctx context.Context, query *store.PendingServerQuery, log *logrus.Entry) (*store.QueryResponse, error) {
	serverURL, err := d.directory.ServerURL(query.Identity)
	if err != nil {
		return nil, err
	}

	var token []byte
	if query.Kind.NeedsToken() {
		var hasToken bool
		token, _, hasToken = d.sessions.StoredToken(query.Identity)
		if !hasToken {
			log.Info("No session token for query, requesting one")
			if d.events != nil {
				d.events.ServerSessionRequired(query.Identity)
			}
			return nil, nil
		}
	}

	switch query.Kind {
	case store.KindDeviceDiscovery:
		return d.deviceDiscovery(ctx, serverURL, query)
	case store.KindPutUserData:
		return d.putUserData(ctx, serverURL, query, token, log)
	case store.KindGetUserData:
		return d.getUserData(ctx, serverURL, query)
	case store.KindCheckKeycloakRevocation:
		return d.checkKeycloakRevocation(ctx, query, log)
	case store.KindCreateGroupBlob, store.KindGetGroupBlob, store.KindDeleteGroupBlob,
		store.KindUpdateGroupBlob, store.KindPutGroupLog, store.KindRequestGroupBlobLock:
		return d.groupBlob(ctx, serverURL, query, token, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, query.Kind)
	}
}

// invalidSession handles a server-side token rejection for a query: the
// stale token is invalidated, a refresh starts, and the query stays
// pending so the next dispatch retries with the fresh token.
func (d *Dispatcher) invalidSession(identity crypto.Identity, token []byte, log *logrus.Entry) (*store.QueryResponse, error) {
	log.Info("Server reported invalid session for query")
	if d.events != nil {
		d.events.ServerSessionRequired(identity)
	}
	go func() {
		_, _, _ = d.sessions.InvalidateAndRefresh(context.Background(), identity, token)
	}()
	return nil, nil
}

func (d *Dispatcher) deviceDiscovery(ctx context.Context, serverURL string, query *store.PendingServerQuery) (*store.QueryResponse, error) {
	var params store.DeviceDiscoveryParams
	if err := query.DecodeParams(&params); err != nil {
		return nil, err
	}
	deviceIDs, status, err := d.client.DeviceDiscovery(ctx, serverURL, params.OfIdentity)
	if err != nil {
		return nil, err
	}
	if status != protocol.StatusOK {
		return &store.QueryResponse{Status: store.QueryStatusGeneralError}, nil
	}
	return &store.QueryResponse{Status: store.QueryStatusOK, DeviceIDs: deviceIDs}, nil
}

func (d *Dispatcher) putUserData(ctx context.Context, serverURL string, query *store.PendingServerQuery, token []byte, log *logrus.Entry) (*store.QueryResponse, error) {
	var params store.PutUserDataParams
	if err := query.DecodeParams(&params); err != nil {
		return nil, err
	}
	status, err := d.client.PutUserData(ctx, serverURL, query.Identity, token, params.Label, params.Data)
	if err != nil {
		return nil, err
	}
	switch status {
	case protocol.StatusOK:
		return &store.QueryResponse{Status: store.QueryStatusOK}, nil
	case protocol.StatusInvalidSession:
		return d.invalidSession(query.Identity, token, log)
	default:
		return &store.QueryResponse{Status: store.QueryStatusGeneralError}, nil
	}
}

func (d *Dispatcher) getUserData(ctx context.Context, serverURL string, query *store.PendingServerQuery) (*store.QueryResponse, error) {
	var params store.GetUserDataParams
	if err := query.DecodeParams(&params); err != nil {
		return nil, err
	}
	data, status, err := d.client.GetUserData(ctx, serverURL, params.OfIdentity, params.Label)
	if err != nil {
		return nil, err
	}
	switch status {
	case protocol.StatusOK:
		return &store.QueryResponse{Status: store.QueryStatusOK, Payload: data}, nil
	case protocol.StatusDeletedFromServer, protocol.StatusNotFound:
		return &store.QueryResponse{Status: store.QueryStatusDeletedFromServer}, nil
	default:
		return &store.QueryResponse{Status: store.QueryStatusGeneralError}, nil
	}
}

func (d *Dispatcher) groupBlob(ctx context.Context, serverURL string, query *store.PendingServerQuery, token []byte, log *logrus.Entry) (*store.QueryResponse, error) {
	var params store.GroupBlobParams
	if err := query.DecodeParams(&params); err != nil {
		return nil, err
	}

	var payload []byte
	var status protocol.Status
	var err error
	switch query.Kind {
	case store.KindCreateGroupBlob:
		status, err = d.client.CreateGroupBlob(ctx, serverURL, query.Identity, token, params.GroupIdentifier, params.PublicKey, params.EncryptedBlob)
	case store.KindGetGroupBlob:
		payload, status, err = d.client.GetGroupBlob(ctx, serverURL, query.Identity, params.GroupIdentifier)
	case store.KindDeleteGroupBlob:
		status, err = d.client.DeleteGroupBlob(ctx, serverURL, query.Identity, params.GroupIdentifier, params.Signature)
	case store.KindUpdateGroupBlob:
		status, err = d.client.UpdateGroupBlob(ctx, serverURL, query.Identity, params.GroupIdentifier, params.PublicKey, params.EncryptedBlob, params.LockNonce, params.Signature)
	case store.KindPutGroupLog:
		status, err = d.client.PutGroupLog(ctx, serverURL, query.Identity, params.GroupIdentifier, params.Signature)
	case store.KindRequestGroupBlobLock:
		payload, status, err = d.client.RequestGroupBlobLock(ctx, serverURL, query.Identity, params.GroupIdentifier, params.LockNonce, params.Signature)
	}
	if err != nil {
		return nil, err
	}

	switch status {
	case protocol.StatusOK:
		return &store.QueryResponse{Status: store.QueryStatusOK, Payload: payload}, nil
	case protocol.StatusInvalidSession:
		return d.invalidSession(query.Identity, token, log)
	case protocol.StatusGroupIsLocked:
		return &store.QueryResponse{Status: store.QueryStatusGroupIsLocked}, nil
	case protocol.StatusDeletedFromServer, protocol.StatusNotFound:
		return &store.QueryResponse{Status: store.QueryStatusDeletedFromServer}, nil
	default:
		return &store.QueryResponse{Status: store.QueryStatusGeneralError}, nil
	}
}
