package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"courier/crypto"
	"courier/protocol"
	"courier/registry"
	"courier/retry"
	"courier/session"
	"courier/store"
)

type staticDirectory struct{ url string }

func (d *staticDirectory) ServerURL(crypto.Identity) (string, error) { return d.url, nil }

type staticKeys struct{}

func (staticKeys) KeyPairFor(crypto.Identity) (*crypto.KeyPair, error) {
	return crypto.GenerateKeyPair()
}

type recordingEvents struct {
	mu              sync.Mutex
	processed       []uuid.UUID
	failed          []uuid.UUID
	sessionRequired int
}

func (e *recordingEvents) QueryProcessed(_ crypto.Identity, queryID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed = append(e.processed, queryID)
}

func (e *recordingEvents) QueryFailed(_ crypto.Identity, queryID uuid.UUID, _ error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, queryID)
}

func (e *recordingEvents) ServerSessionRequired(crypto.Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionRequired++
}

func (e *recordingEvents) processedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.processed)
}

func (e *recordingEvents) failedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.failed)
}

type harness struct {
	store      *store.Store
	dispatcher *Dispatcher
	events     *recordingEvents
	identity   crypto.Identity
}

func newHarness(t *testing.T, serverURL string) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "query.db"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	directory := &staticDirectory{url: serverURL}
	reg := registry.New()
	sessions := session.NewManager(st, protocol.NewClient(nil), directory, staticKeys{}, reg, retry.NewManager())
	dispatcher := NewDispatcher(st, protocol.NewClient(nil), sessions, directory, reg)
	events := &recordingEvents{}
	dispatcher.SetEvents(events)

	keys, _ := crypto.GenerateKeyPair()
	return &harness{store: st, dispatcher: dispatcher, events: events, identity: keys.Public}
}

func (h *harness) seedToken(t *testing.T, token []byte) {
	t.Helper()
	err := h.store.Update(func(tx *store.Tx) error {
		session, err := tx.SessionOrNew(h.identity)
		if err != nil {
			return err
		}
		session.Token = token
		return tx.PutSession(session)
	})
	if err != nil {
		t.Fatalf("Seeding token failed: %v", err)
	}
}

func (h *harness) storedQuery(t *testing.T, id uuid.UUID) *store.PendingServerQuery {
	t.Helper()
	var query *store.PendingServerQuery
	err := h.store.View(func(tx *store.Tx) error {
		var err error
		query, err = tx.Query(id)
		return err
	})
	if err != nil {
		t.Fatalf("Query lookup failed: %v", err)
	}
	return query
}

func okBody(t *testing.T, body any) []byte {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	out, _ := json.Marshal(map[string]any{"status": "ok", "body": json.RawMessage(raw)})
	return out
}

func TestDeviceDiscoveryWritesResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deviceDiscovery" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write(okBody(t, map[string]any{"deviceIds": []string{"d1", "d2"}}))
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	contact, _ := crypto.GenerateKeyPair()
	query, err := store.NewQuery(h.identity, store.KindDeviceDiscovery, store.DeviceDiscoveryParams{OfIdentity: contact.Public})
	if err != nil {
		t.Fatalf("NewQuery failed: %v", err)
	}

	if err := h.dispatcher.Post(context.Background(), query); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	stored := h.storedQuery(t, query.ID)
	if stored.Response == nil || stored.Response.Status != store.QueryStatusOK {
		t.Fatalf("Expected OK response, got %+v", stored.Response)
	}
	if len(stored.Response.DeviceIDs) != 2 {
		t.Errorf("Expected 2 device ids, got %v", stored.Response.DeviceIDs)
	}
	if h.events.processedCount() != 1 {
		t.Errorf("Expected one processed notification, got %d", h.events.processedCount())
	}
}

// TestPutUserDataRetriesAfterInvalidSession drives the token-requiring
// flow through a server-side session rejection: the query must stay
// pending, and a later dispatch with a fresh token must complete it.
func TestPutUserDataRetriesAfterInvalidSession(t *testing.T) {
	var rejects atomic.Int32
	rejects.Store(1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/putUserData" {
			// Background session refresh; fail it at the transport level.
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if rejects.Add(-1) >= 0 {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "invalidSession"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	h.seedToken(t, []byte("stale"))

	query, _ := store.NewQuery(h.identity, store.KindPutUserData, store.PutUserDataParams{Label: "photo", Data: []byte("blob")})
	if err := h.dispatcher.Post(context.Background(), query); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	if stored := h.storedQuery(t, query.ID); stored.Response != nil {
		t.Fatalf("Query answered despite invalid session: %+v", stored.Response)
	}
	if h.events.sessionRequired != 1 {
		t.Errorf("Expected one ServerSessionRequired event, got %d", h.events.sessionRequired)
	}

	// A fresh token arrived; the re-dispatch sweep must complete the query.
	h.seedToken(t, []byte("fresh"))
	if err := h.dispatcher.DispatchAllPending(context.Background(), h.identity); err != nil {
		t.Fatalf("DispatchAllPending failed: %v", err)
	}
	stored := h.storedQuery(t, query.ID)
	if stored.Response == nil || stored.Response.Status != store.QueryStatusOK {
		t.Fatalf("Expected OK after retry, got %+v", stored.Response)
	}
}

func TestTransportFailureKeepsQueryPending(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	contact, _ := crypto.GenerateKeyPair()
	query, _ := store.NewQuery(h.identity, store.KindDeviceDiscovery, store.DeviceDiscoveryParams{OfIdentity: contact.Public})

	if err := h.dispatcher.Post(context.Background(), query); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if stored := h.storedQuery(t, query.ID); stored.Response != nil {
		t.Fatalf("Transport failure must not settle the query: %+v", stored.Response)
	}
	if h.events.processedCount() != 0 {
		t.Errorf("Processed notification without a response")
	}
	// The caller must still learn about the failed attempt.
	if h.events.failedCount() != 1 {
		t.Errorf("Expected 1 failure notification, got %d", h.events.failedCount())
	}

	// Every further attempt reports its own failure.
	if err := h.dispatcher.Dispatch(context.Background(), query.ID); err == nil {
		t.Fatal("Expected the second attempt against the broken server to fail too")
	}
	if h.events.failedCount() != 2 {
		t.Errorf("Expected a failure notification per attempt, got %d", h.events.failedCount())
	}
}

func TestGetUserDataDeletedFromServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "deletedFromServer"})
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	contact, _ := crypto.GenerateKeyPair()
	query, _ := store.NewQuery(h.identity, store.KindGetUserData, store.GetUserDataParams{OfIdentity: contact.Public, Label: "photo"})

	if err := h.dispatcher.Post(context.Background(), query); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	stored := h.storedQuery(t, query.ID)
	if stored.Response == nil || stored.Response.Status != store.QueryStatusDeletedFromServer {
		t.Fatalf("Expected deletedFromServer, got %+v", stored.Response)
	}
}

func TestAnsweredQueryIsOnlyRenotified(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write(okBody(t, map[string]any{"deviceIds": []string{"d1"}}))
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	contact, _ := crypto.GenerateKeyPair()
	query, _ := store.NewQuery(h.identity, store.KindDeviceDiscovery, store.DeviceDiscoveryParams{OfIdentity: contact.Public})

	_ = h.dispatcher.Post(context.Background(), query)
	if err := h.dispatcher.Dispatch(context.Background(), query.ID); err != nil {
		t.Fatalf("Second dispatch failed: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("Expected 1 server call, got %d", calls.Load())
	}
	if h.events.processedCount() != 2 {
		t.Errorf("Expected 2 processed notifications, got %d", h.events.processedCount())
	}
}

func TestDeleteRemovesQuery(t *testing.T) {
	h := newHarness(t, "http://unused.invalid")
	contact, _ := crypto.GenerateKeyPair()
	query, _ := store.NewQuery(h.identity, store.KindDeviceDiscovery, store.DeviceDiscoveryParams{OfIdentity: contact.Public})
	_ = h.store.Update(func(tx *store.Tx) error { return tx.CreateQuery(query) })

	if err := h.dispatcher.Delete(query.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := h.dispatcher.Dispatch(context.Background(), query.ID); err != ErrQueryVanished {
		t.Fatalf("Expected ErrQueryVanished, got %v", err)
	}
}

func signedDetails(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "contact",
		"exp": expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("Signing failed: %v", err)
	}
	return signed
}

func TestKeycloakRevocationExpiredDetailsSettledLocally(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	query, _ := store.NewQuery(h.identity, store.KindCheckKeycloakRevocation, store.CheckKeycloakRevocationParams{
		KeycloakServerURL:    ts.URL,
		SignedContactDetails: signedDetails(t, time.Now().Add(-time.Hour)),
	})

	if err := h.dispatcher.Post(context.Background(), query); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	stored := h.storedQuery(t, query.ID)
	if stored.Response == nil || stored.Response.Revoked == nil || !*stored.Response.Revoked {
		t.Fatalf("Expected locally revoked, got %+v", stored.Response)
	}
	if calls.Load() != 0 {
		t.Errorf("Expired details must not reach the server, saw %d calls", calls.Load())
	}
}

func TestKeycloakRevocationValidDetailsAskServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write(okBody(t, map[string]any{"revoked": false}))
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	query, _ := store.NewQuery(h.identity, store.KindCheckKeycloakRevocation, store.CheckKeycloakRevocationParams{
		KeycloakServerURL:    ts.URL,
		SignedContactDetails: signedDetails(t, time.Now().Add(time.Hour)),
	})

	if err := h.dispatcher.Post(context.Background(), query); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	stored := h.storedQuery(t, query.ID)
	if stored.Response == nil || stored.Response.Revoked == nil || *stored.Response.Revoked {
		t.Fatalf("Expected not revoked, got %+v", stored.Response)
	}
}
