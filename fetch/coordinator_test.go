package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

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
	mu               sync.Mutex
	downloaded       int
	sessionRequired  int
	deviceNotReg     int
	cancelled        int
	extendedDone     int
	readyForDeletion int
	attachmentDone   int
}

func (e *recordingEvents) MessagesDownloaded(crypto.Identity, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.downloaded++
}

func (e *recordingEvents) ServerSessionRequired(crypto.Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionRequired++
}

func (e *recordingEvents) DeviceNotRegistered(crypto.Identity, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deviceNotReg++
}

func (e *recordingEvents) AttachmentCancelledByServer(crypto.Identity, string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled++
}

func (e *recordingEvents) AttachmentDownloaded(crypto.Identity, string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attachmentDone++
}

func (e *recordingEvents) ExtendedPayloadDownloaded(crypto.Identity, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extendedDone++
}

func (e *recordingEvents) MessageReadyForServerDeletion(crypto.Identity, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readyForDeletion++
}

type harness struct {
	store       *store.Store
	coordinator *Coordinator
	events      *recordingEvents
	directory   *staticDirectory
	identity    crypto.Identity
}

func newHarness(t *testing.T, serverURL string) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fetch.db"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	directory := &staticDirectory{url: serverURL}
	reg := registry.New()
	sessions := session.NewManager(st, protocol.NewClient(nil), directory, staticKeys{}, reg, retry.NewManager())
	coordinator := NewCoordinator(st, protocol.NewClient(nil), sessions, directory, reg)
	events := &recordingEvents{}
	coordinator.SetEvents(events)

	keys, _ := crypto.GenerateKeyPair()
	return &harness{
		store:       st,
		coordinator: coordinator,
		events:      events,
		directory:   directory,
		identity:    keys.Public,
	}
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

func listResponse(messages ...protocol.MessageDescriptor) []byte {
	body, _ := json.Marshal(protocol.MessageList{DownloadTimestampMS: 1000, Messages: messages})
	out, _ := json.Marshal(map[string]any{"status": "ok", "body": json.RawMessage(body)})
	return out
}

func TestDownloadRequiresToken(t *testing.T) {
	h := newHarness(t, "http://unused.invalid")

	err := h.coordinator.DownloadMessagesAndListAttachments(context.Background(), h.identity, "dev")
	if !errors.Is(err, ErrServerSessionRequired) {
		t.Fatalf("Expected ErrServerSessionRequired, got %v", err)
	}
	if h.events.sessionRequired != 1 {
		t.Errorf("Expected one ServerSessionRequired event, got %d", h.events.sessionRequired)
	}
}

func TestListInsertsMessagesAndAttachments(t *testing.T) {
	descriptor := protocol.MessageDescriptor{
		ID:                "m1",
		ServerTimestampMS: 500,
		EncryptedContent:  []byte("cipher"),
		Attachments: []protocol.AttachmentDescriptor{
			{Index: 0, ExpectedLength: 10, DownloadURL: "https://cdn.example.org/a0"},
			{Index: 1, ExpectedLength: 20}, // no URL: cancelled by server
		},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(listResponse(descriptor))
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	h.seedToken(t, []byte("token"))

	if err := h.coordinator.DownloadMessagesAndListAttachments(context.Background(), h.identity, "dev"); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	_ = h.store.View(func(tx *store.Tx) error {
		if !tx.MessageExists(h.identity, "m1") {
			t.Error("Message not inserted")
		}
		attachments, _ := tx.AttachmentsOf(h.identity, "m1")
		if len(attachments) != 2 {
			t.Fatalf("Expected 2 attachments, got %d", len(attachments))
		}
		if attachments[0].CancelledByServer || !attachments[1].CancelledByServer {
			t.Error("Cancelled-by-server marking wrong")
		}
		return nil
	})
	if h.events.downloaded != 1 || h.events.cancelled != 1 {
		t.Errorf("Event counts wrong: downloaded=%d cancelled=%d", h.events.downloaded, h.events.cancelled)
	}
}

// TestIdempotentInsertionAcrossDeliveryPaths delivers the same message id
// via the listing path and the inline push path and expects one stored
// message.
func TestIdempotentInsertionAcrossDeliveryPaths(t *testing.T) {
	descriptor := protocol.MessageDescriptor{
		ID:                "dup",
		ServerTimestampMS: 500,
		EncryptedContent:  []byte("cipher"),
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(listResponse(descriptor))
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	h.seedToken(t, []byte("token"))

	if err := h.coordinator.DownloadMessagesAndListAttachments(context.Background(), h.identity, "dev"); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	inserted, err := h.coordinator.ProcessInlineMessage(h.identity, "dev", &descriptor)
	if err != nil {
		t.Fatalf("ProcessInlineMessage failed: %v", err)
	}
	if inserted {
		t.Error("Inline duplicate was inserted")
	}

	_ = h.store.View(func(tx *store.Tx) error {
		messages, _ := tx.MessagesFor(h.identity, "dev")
		if len(messages) != 1 {
			t.Errorf("Expected exactly 1 stored message, got %d", len(messages))
		}
		return nil
	})
}

func TestDeletedMessageIsNotReinserted(t *testing.T) {
	descriptor := protocol.MessageDescriptor{ID: "gone", ServerTimestampMS: 1}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(listResponse(descriptor))
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	h.seedToken(t, []byte("token"))

	if _, err := h.coordinator.ProcessInlineMessage(h.identity, "dev", &descriptor); err != nil {
		t.Fatalf("ProcessInlineMessage failed: %v", err)
	}
	if err := h.coordinator.DeleteMessageAndAttachments(h.identity, "gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if h.events.readyForDeletion != 1 {
		t.Errorf("Expected deletion hand-off event, got %d", h.events.readyForDeletion)
	}

	// Relisting the deleted id must not resurrect it.
	if err := h.coordinator.DownloadMessagesAndListAttachments(context.Background(), h.identity, "dev"); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	_ = h.store.View(func(tx *store.Tx) error {
		if tx.MessageExists(h.identity, "gone") {
			t.Error("Deleted message was re-inserted by listing")
		}
		if !tx.DeletionExists(h.identity, "gone") {
			t.Error("Server-deletion intent missing")
		}
		return nil
	})
}

func TestInvalidSessionSurfacesSessionRequired(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/downloadMessagesAndListAttachments" {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "invalidSession"})
			return
		}
		// Challenge/token endpoints of the background refresh; report a
		// transport-shaped failure to end the cycle.
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	h.seedToken(t, []byte("stale"))

	err := h.coordinator.DownloadMessagesAndListAttachments(context.Background(), h.identity, "dev")
	if !errors.Is(err, ErrServerSessionRequired) {
		t.Fatalf("Expected ErrServerSessionRequired, got %v", err)
	}
	if h.events.sessionRequired != 1 {
		t.Errorf("Expected one ServerSessionRequired event, got %d", h.events.sessionRequired)
	}
}

// TestExtendedPayloadVanishedMessage covers the flow finding the message
// deleted from the store: it must fail gracefully, not error out the
// process, and leave no stuck in-flight state.
func TestExtendedPayloadVanishedMessage(t *testing.T) {
	h := newHarness(t, "http://unused.invalid")
	h.seedToken(t, []byte("token"))

	err := h.coordinator.DownloadExtendedPayload(context.Background(), h.identity, "never-existed")
	if !errors.Is(err, ErrMessageVanished) {
		t.Fatalf("Expected ErrMessageVanished, got %v", err)
	}

	// The single-flight key must be free for a future attempt.
	err = h.coordinator.DownloadExtendedPayload(context.Background(), h.identity, "never-existed")
	if !errors.Is(err, ErrMessageVanished) {
		t.Fatalf("Key stuck after vanished-message failure: %v", err)
	}
}

func TestExtendedPayloadRoundTrip(t *testing.T) {
	key, _ := crypto.GenerateSharedKey()
	plaintext := []byte("the extended payload")
	encrypted, _ := crypto.EncryptPayload(key, plaintext)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{"encryptedPayload": encrypted})
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "body": json.RawMessage(body)})
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	h.seedToken(t, []byte("token"))

	descriptor := protocol.MessageDescriptor{ID: "m1", ServerTimestampMS: 1, HasExtendedPayload: true}
	if _, err := h.coordinator.ProcessInlineMessage(h.identity, "dev", &descriptor); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := h.coordinator.SetExtendedPayloadKey(h.identity, "m1", key); err != nil {
		t.Fatalf("SetExtendedPayloadKey failed: %v", err)
	}

	if err := h.coordinator.DownloadExtendedPayload(context.Background(), h.identity, "m1"); err != nil {
		t.Fatalf("DownloadExtendedPayload failed: %v", err)
	}

	_ = h.store.View(func(tx *store.Tx) error {
		message, err := tx.Message(h.identity, "m1")
		if err != nil {
			t.Fatalf("Message lookup failed: %v", err)
		}
		if !bytes.Equal(message.ExtendedPayload, plaintext) {
			t.Errorf("Stored payload mismatch: %q", message.ExtendedPayload)
		}
		return nil
	})
	if h.events.extendedDone != 1 {
		t.Errorf("Expected one ExtendedPayloadDownloaded event, got %d", h.events.extendedDone)
	}
}

func TestExtendedPayloadDecryptFailureClearsState(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{"encryptedPayload": []byte("garbage")})
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "body": json.RawMessage(body)})
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	h.seedToken(t, []byte("token"))

	key, _ := crypto.GenerateSharedKey()
	descriptor := protocol.MessageDescriptor{ID: "m1", ServerTimestampMS: 1, HasExtendedPayload: true}
	_, _ = h.coordinator.ProcessInlineMessage(h.identity, "dev", &descriptor)
	_ = h.coordinator.SetExtendedPayloadKey(h.identity, "m1", key)

	if err := h.coordinator.DownloadExtendedPayload(context.Background(), h.identity, "m1"); err == nil {
		t.Fatal("Expected decrypt failure")
	}

	_ = h.store.View(func(tx *store.Tx) error {
		message, _ := tx.Message(h.identity, "m1")
		if message.HasExtendedPayload || message.ExtendedPayloadKey != nil {
			t.Error("Extended payload metadata not cleared after failure")
		}
		return nil
	})
}

func TestAttachmentDownloadAndResume(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 1024)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := int64(0)
		if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
			_, _ = fmt.Sscanf(rangeHeader, "bytes=%d-", &offset)
			w.WriteHeader(http.StatusPartialContent)
		}
		_, _ = w.Write(content[offset:])
	}))
	defer ts.Close()

	h := newHarness(t, ts.URL)
	h.seedToken(t, []byte("token"))

	descriptor := protocol.MessageDescriptor{
		ID:                "m1",
		ServerTimestampMS: 1,
		Attachments: []protocol.AttachmentDescriptor{
			{Index: 0, ExpectedLength: int64(len(content)), DownloadURL: ts.URL + "/signed"},
		},
	}
	_, _ = h.coordinator.ProcessInlineMessage(h.identity, "dev", &descriptor)

	if err := h.coordinator.DownloadAttachment(context.Background(), h.identity, "m1", 0); err != nil {
		t.Fatalf("DownloadAttachment failed: %v", err)
	}

	_ = h.store.View(func(tx *store.Tx) error {
		attachment, err := tx.Attachment(h.identity, "m1", 0)
		if err != nil {
			t.Fatalf("Attachment lookup failed: %v", err)
		}
		if !attachment.Downloaded {
			t.Error("Attachment not marked downloaded")
		}
		if !bytes.Equal(attachment.Content, content) {
			t.Errorf("Content mismatch: %d bytes vs %d", len(attachment.Content), len(content))
		}
		return nil
	})
	if h.events.attachmentDone != 1 {
		t.Errorf("Expected one AttachmentDownloaded event, got %d", h.events.attachmentDone)
	}

	// Simulate a partial download then resume: the request must carry the
	// stored offset forward.
	err := h.store.Update(func(tx *store.Tx) error {
		attachment, _ := tx.Attachment(h.identity, "m1", 0)
		attachment.Downloaded = false
		attachment.Paused = true
		attachment.Content = attachment.Content[:100]
		attachment.ReceivedLength = 100
		return tx.PutAttachment(attachment)
	})
	if err != nil {
		t.Fatalf("Rewind failed: %v", err)
	}

	if err := h.coordinator.ResumeAttachmentDownload(context.Background(), h.identity, "m1", 0); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	_ = h.store.View(func(tx *store.Tx) error {
		attachment, _ := tx.Attachment(h.identity, "m1", 0)
		if !bytes.Equal(attachment.Content, content) {
			t.Errorf("Resumed content mismatch: %d bytes vs %d", len(attachment.Content), len(content))
		}
		return nil
	})
}
