// Package store implements the transactional persistence layer backing the
// sync engine: server sessions, pending server queries, inbox messages and
// attachments, pending server deletions, and per-identity device bindings.
//
// Records are CBOR encoded inside a single bbolt database. All mutation
// goes through Update, which supports post-commit hooks so coordinators can
// notify observers only once a change is durable.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"courier/crypto"
)

var (
	bucketSessions    = []byte("sessions")
	bucketQueries     = []byte("queries")
	bucketMessages    = []byte("messages")
	bucketAttachments = []byte("attachments")
	bucketDeletions   = []byte("deletions")
	bucketDevices     = []byte("devices")
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is a bbolt-backed transactional object store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file at path and ensures all buckets
// exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketSessions, bucketQueries, bucketMessages,
			bucketAttachments, bucketDeletions, bucketDevices,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
	}).Debug("Store opened")

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a typed view over one bbolt transaction.
type Tx struct {
	btx *bolt.Tx
}

// Update runs fn in a read-write transaction. hooks run after a successful
// commit, outside the transaction; they are skipped on error.
func (s *Store) Update(fn func(tx *Tx) error, hooks ...func()) error {
	err := s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		hook()
	}
	return nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

func put(b *bolt.Bucket, key []byte, record any) error {
	raw, err := cbor.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return b.Put(key, raw)
}

func get(b *bolt.Bucket, key []byte, record any) error {
	raw := b.Get(key)
	if raw == nil {
		return ErrNotFound
	}
	if err := cbor.Unmarshal(raw, record); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

func messageKey(identity crypto.Identity, messageID string) []byte {
	key := make([]byte, 0, len(identity)+len(messageID))
	key = append(key, identity[:]...)
	return append(key, messageID...)
}

func attachmentKey(identity crypto.Identity, messageID string, index int) []byte {
	key := messageKey(identity, messageID)
	key = append(key, '/')
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))
	return append(key, idx[:]...)
}

// --- Server sessions ---

// Session returns the server session for identity, or ErrNotFound.
func (tx *Tx) Session(identity crypto.Identity) (*ServerSession, error) {
	var session ServerSession
	if err := get(tx.btx.Bucket(bucketSessions), identity[:], &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// SessionOrNew returns the stored session for identity, creating an empty
// in-memory one on first use. The caller persists it with PutSession.
func (tx *Tx) SessionOrNew(identity crypto.Identity) (*ServerSession, error) {
	session, err := tx.Session(identity)
	if errors.Is(err, ErrNotFound) {
		return &ServerSession{Identity: identity}, nil
	}
	return session, err
}

// PutSession stores the session record.
func (tx *Tx) PutSession(session *ServerSession) error {
	return put(tx.btx.Bucket(bucketSessions), session.Identity[:], session)
}

// DeleteSession removes the session record for identity.
func (tx *Tx) DeleteSession(identity crypto.Identity) error {
	return tx.btx.Bucket(bucketSessions).Delete(identity[:])
}

// --- Pending server queries ---

// CreateQuery persists a new pending query.
func (tx *Tx) CreateQuery(query *PendingServerQuery) error {
	return put(tx.btx.Bucket(bucketQueries), query.ID[:], query)
}

// Query returns the pending query with the given id, or ErrNotFound.
func (tx *Tx) Query(id uuid.UUID) (*PendingServerQuery, error) {
	var query PendingServerQuery
	if err := get(tx.btx.Bucket(bucketQueries), id[:], &query); err != nil {
		return nil, err
	}
	return &query, nil
}

// PutQuery stores an updated pending query record.
func (tx *Tx) PutQuery(query *PendingServerQuery) error {
	return put(tx.btx.Bucket(bucketQueries), query.ID[:], query)
}

// DeleteQuery removes a pending query.
func (tx *Tx) DeleteQuery(id uuid.UUID) error {
	return tx.btx.Bucket(bucketQueries).Delete(id[:])
}

// PendingQueries returns all queries without a response, for one identity
// or, with matchAll true, across identities.
func (tx *Tx) PendingQueries(identity crypto.Identity, matchAll bool) ([]*PendingServerQuery, error) {
	var queries []*PendingServerQuery
	err := tx.btx.Bucket(bucketQueries).ForEach(func(_, raw []byte) error {
		var query PendingServerQuery
		if err := cbor.Unmarshal(raw, &query); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if query.Response != nil {
			return nil
		}
		if matchAll || query.Identity == identity {
			queries = append(queries, &query)
		}
		return nil
	})
	return queries, err
}

// --- Inbox messages ---

// Message returns the message record, or ErrNotFound.
func (tx *Tx) Message(identity crypto.Identity, messageID string) (*InboxMessage, error) {
	var message InboxMessage
	if err := get(tx.btx.Bucket(bucketMessages), messageKey(identity, messageID), &message); err != nil {
		return nil, err
	}
	return &message, nil
}

// PutMessage stores the message record.
func (tx *Tx) PutMessage(message *InboxMessage) error {
	return put(tx.btx.Bucket(bucketMessages), messageKey(message.Identity, message.ID), message)
}

// DeleteMessage removes the message record.
func (tx *Tx) DeleteMessage(identity crypto.Identity, messageID string) error {
	return tx.btx.Bucket(bucketMessages).Delete(messageKey(identity, messageID))
}

// MessageExists reports whether a message record exists.
func (tx *Tx) MessageExists(identity crypto.Identity, messageID string) bool {
	return tx.btx.Bucket(bucketMessages).Get(messageKey(identity, messageID)) != nil
}

// MessagesFor returns all stored messages for an identity and device.
func (tx *Tx) MessagesFor(identity crypto.Identity, deviceID string) ([]*InboxMessage, error) {
	var messages []*InboxMessage
	c := tx.btx.Bucket(bucketMessages).Cursor()
	prefix := identity[:]
	for k, raw := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, raw = c.Next() {
		var message InboxMessage
		if err := cbor.Unmarshal(raw, &message); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		if deviceID == "" || message.DeviceID == deviceID {
			messages = append(messages, &message)
		}
	}
	return messages, nil
}

// --- Inbox attachments ---

// Attachment returns one attachment record, or ErrNotFound.
func (tx *Tx) Attachment(identity crypto.Identity, messageID string, index int) (*InboxAttachment, error) {
	var attachment InboxAttachment
	if err := get(tx.btx.Bucket(bucketAttachments), attachmentKey(identity, messageID, index), &attachment); err != nil {
		return nil, err
	}
	return &attachment, nil
}

// PutAttachment stores an attachment record.
func (tx *Tx) PutAttachment(attachment *InboxAttachment) error {
	key := attachmentKey(attachment.Identity, attachment.MessageID, attachment.Index)
	return put(tx.btx.Bucket(bucketAttachments), key, attachment)
}

// DeleteAttachments removes every attachment of a message.
func (tx *Tx) DeleteAttachments(identity crypto.Identity, messageID string) error {
	b := tx.btx.Bucket(bucketAttachments)
	c := b.Cursor()
	prefix := append(messageKey(identity, messageID), '/')
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// AttachmentsOf returns all attachments of a message, in index order.
func (tx *Tx) AttachmentsOf(identity crypto.Identity, messageID string) ([]*InboxAttachment, error) {
	var attachments []*InboxAttachment
	c := tx.btx.Bucket(bucketAttachments).Cursor()
	prefix := append(messageKey(identity, messageID), '/')
	for k, raw := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, raw = c.Next() {
		var attachment InboxAttachment
		if err := cbor.Unmarshal(raw, &attachment); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		attachments = append(attachments, &attachment)
	}
	return attachments, nil
}

// --- Pending server deletions ---

// CreateDeletion records the intent to confirm a message deletion with the
// server.
func (tx *Tx) CreateDeletion(deletion *PendingServerDeletion) error {
	key := messageKey(deletion.Identity, deletion.MessageID)
	return put(tx.btx.Bucket(bucketDeletions), key, deletion)
}

// DeletionExists reports whether a server-deletion intent exists for the
// message.
func (tx *Tx) DeletionExists(identity crypto.Identity, messageID string) bool {
	return tx.btx.Bucket(bucketDeletions).Get(messageKey(identity, messageID)) != nil
}

// DeleteDeletion removes a server-deletion intent once confirmed.
func (tx *Tx) DeleteDeletion(identity crypto.Identity, messageID string) error {
	return tx.btx.Bucket(bucketDeletions).Delete(messageKey(identity, messageID))
}

// --- Device bindings ---

// DeviceBinding returns the device binding for identity, or ErrNotFound.
func (tx *Tx) DeviceBinding(identity crypto.Identity) (*DeviceBinding, error) {
	var binding DeviceBinding
	if err := get(tx.btx.Bucket(bucketDevices), identity[:], &binding); err != nil {
		return nil, err
	}
	return &binding, nil
}

// PutDeviceBinding stores the device binding.
func (tx *Tx) PutDeviceBinding(binding *DeviceBinding) error {
	return put(tx.btx.Bucket(bucketDevices), binding.Identity[:], binding)
}

// DeleteDeviceBinding removes the device binding for identity.
func (tx *Tx) DeleteDeviceBinding(identity crypto.Identity) error {
	return tx.btx.Bucket(bucketDevices).Delete(identity[:])
}

// AllDeviceBindings returns every stored device binding.
func (tx *Tx) AllDeviceBindings() ([]*DeviceBinding, error) {
	var bindings []*DeviceBinding
	err := tx.btx.Bucket(bucketDevices).ForEach(func(_, raw []byte) error {
		var binding DeviceBinding
		if err := cbor.Unmarshal(raw, &binding); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		bindings = append(bindings, &binding)
		return nil
	})
	return bindings, err
}
