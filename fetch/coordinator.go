// Package fetch downloads inbound messages and attachments for each owned
// identity and device once a valid session token exists. It also downloads
// the optional extended payload of a message lazily, and hands off local
// deletions atomically paired with a server-deletion intent.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"courier/crypto"
	"courier/protocol"
	"courier/registry"
	"courier/session"
	"courier/store"
)

var (
	// ErrServerSessionRequired is returned when no valid token is stored;
	// the caller retries after the next token refresh.
	ErrServerSessionRequired = errors.New("server session required")
	// ErrMessageVanished is returned when the message a sub-flow operates
	// on no longer exists in the store.
	ErrMessageVanished = errors.New("message no longer exists")
	// ErrAttachmentCancelled is returned when downloading an attachment the
	// server cancelled.
	ErrAttachmentCancelled = errors.New("attachment cancelled by server")
)

// Events is the seam through which the coordinator reports outcomes.
type Events interface {
	MessagesDownloaded(identity crypto.Identity, deviceID string)
	ServerSessionRequired(identity crypto.Identity)
	DeviceNotRegistered(identity crypto.Identity, deviceID string)
	AttachmentCancelledByServer(identity crypto.Identity, messageID string, index int)
	AttachmentDownloaded(identity crypto.Identity, messageID string, index int)
	ExtendedPayloadDownloaded(identity crypto.Identity, messageID string)
	MessageReadyForServerDeletion(identity crypto.Identity, messageID string)
}

// Coordinator implements the message fetch state machine.
type Coordinator struct {
	store     *store.Store
	client    *protocol.Client
	sessions  *session.Manager
	directory session.Directory
	registry  *registry.Registry
	events    Events

	downloads *downloadTable
}

// NewCoordinator creates a message fetch coordinator. Events are wired by
// the engine via SetEvents.
func NewCoordinator(st *store.Store, client *protocol.Client, sessions *session.Manager, directory session.Directory, reg *registry.Registry) *Coordinator {
	return &Coordinator{
		store:     st,
		client:    client,
		sessions:  sessions,
		directory: directory,
		registry:  reg,
		downloads: newDownloadTable(),
	}
}

// SetEvents wires the upstream event consumer.
func (c *Coordinator) SetEvents(events Events) { c.events = events }

func listKey(identity crypto.Identity, deviceID string) registry.Key {
	return registry.Key{Scope: registry.ScopeMessageList, ID: identity.Hex() + "/" + deviceID}
}

// DownloadMessagesAndListAttachments lists and downloads the inbox for an
// identity+device. If a download for the same key is already in flight it
// returns nil immediately: the in-flight one will complete and notify.
func (c *Coordinator) DownloadMessagesAndListAttachments(ctx context.Context, identity crypto.Identity, deviceID string) error {
	log := logrus.WithFields(logrus.Fields{
		"function": "DownloadMessagesAndListAttachments",
		"identity": identity.String(),
		"device":   deviceID,
	})

	handle, ok := c.registry.TryBegin(listKey(identity, deviceID))
	if !ok {
		log.Debug("Listing already in flight, not needed")
		return nil
	}

	token, _, hasToken := c.sessions.StoredToken(identity)
	if !hasToken {
		c.registry.End(handle)
		log.Info("No session token, requesting one before listing")
		if c.events != nil {
			c.events.ServerSessionRequired(identity)
		}
		return ErrServerSessionRequired
	}

	serverURL, err := c.directory.ServerURL(identity)
	if err != nil {
		c.registry.End(handle)
		return err
	}

	list, status, err := c.client.DownloadMessagesAndListAttachments(ctx, serverURL, identity, deviceID, token)
	c.registry.End(handle)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	switch status {
	case protocol.StatusOK:
		return c.processMessageList(identity, deviceID, list, log)
	case protocol.StatusInvalidSession:
		log.Info("Server reported invalid session while listing")
		if c.events != nil {
			c.events.ServerSessionRequired(identity)
		}
		go func() {
			_, _, _ = c.sessions.InvalidateAndRefresh(context.Background(), identity, token)
		}()
		return ErrServerSessionRequired
	case protocol.StatusDeviceNotRegistered:
		log.Warn("Server reported device not registered")
		if c.events != nil {
			c.events.DeviceNotRegistered(identity, deviceID)
		}
		return fmt.Errorf("device %s not registered", deviceID)
	default:
		return fmt.Errorf("list messages: server status %s", status)
	}
}

// processMessageList inserts every new message and its attachments, in one
// transaction, and notifies completion after commit.
func (c *Coordinator) processMessageList(identity crypto.Identity, deviceID string, list *protocol.MessageList, log *logrus.Entry) error {
	downloadedAt := time.UnixMilli(list.DownloadTimestampMS)
	inserted := 0
	var cancelled []struct {
		messageID string
		index     int
	}

	err := c.store.Update(func(tx *store.Tx) error {
		for i := range list.Messages {
			descriptor := &list.Messages[i]
			ok, err := insertIfNew(tx, identity, deviceID, descriptor, downloadedAt)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			inserted++
			for _, att := range descriptor.Attachments {
				if att.DownloadURL == "" {
					cancelled = append(cancelled, struct {
						messageID string
						index     int
					}{descriptor.ID, att.Index})
				}
			}
		}
		return nil
	}, func() {
		if c.events == nil {
			return
		}
		for _, ca := range cancelled {
			c.events.AttachmentCancelledByServer(identity, ca.messageID, ca.index)
		}
		c.events.MessagesDownloaded(identity, deviceID)
	})
	if err != nil {
		return fmt.Errorf("save message list: %w", err)
	}

	log.WithFields(logrus.Fields{
		"listed":   len(list.Messages),
		"inserted": inserted,
	}).Info("Processed message listing")
	return nil
}

// ProcessInlineMessage funnels a message delivered directly over the push
// transport through the same insert-if-new logic as the listing path, so
// de-duplication semantics are identical. It reports whether the message
// was new.
func (c *Coordinator) ProcessInlineMessage(identity crypto.Identity, deviceID string, descriptor *protocol.MessageDescriptor) (bool, error) {
	inserted := false
	err := c.store.Update(func(tx *store.Tx) error {
		var err error
		inserted, err = insertIfNew(tx, identity, deviceID, descriptor, time.Now())
		return err
	}, func() {
		if inserted && c.events != nil {
			c.events.MessagesDownloaded(identity, deviceID)
		}
	})
	return inserted, err
}

// insertIfNew inserts the message and its attachments unless the message
// already exists or was already deleted locally. Duplicate detection is by
// server-assigned id.
func insertIfNew(tx *store.Tx, identity crypto.Identity, deviceID string, descriptor *protocol.MessageDescriptor, downloadedAt time.Time) (bool, error) {
	if tx.MessageExists(identity, descriptor.ID) || tx.DeletionExists(identity, descriptor.ID) {
		return false, nil
	}

	message := &store.InboxMessage{
		ID:                 descriptor.ID,
		Identity:           identity,
		DeviceID:           deviceID,
		ServerTimestamp:    descriptor.ServerTimestamp(),
		DownloadTimestamp:  downloadedAt,
		EncryptedContent:   descriptor.EncryptedContent,
		HasExtendedPayload: descriptor.HasExtendedPayload,
	}
	if err := tx.PutMessage(message); err != nil {
		return false, err
	}

	for _, att := range descriptor.Attachments {
		record := &store.InboxAttachment{
			MessageID:      descriptor.ID,
			Index:          att.Index,
			Identity:       identity,
			ExpectedLength: att.ExpectedLength,
			DownloadURL:    att.DownloadURL,
		}
		if att.DownloadURL == "" {
			record.CancelledByServer = true
		}
		if err := tx.PutAttachment(record); err != nil {
			return false, err
		}
	}
	return true, nil
}

// SetExtendedPayloadKey stores the decryption key a higher layer extracted
// from the message envelope, enabling the lazy extended-payload download.
func (c *Coordinator) SetExtendedPayloadKey(identity crypto.Identity, messageID string, key [32]byte) error {
	return c.store.Update(func(tx *store.Tx) error {
		message, err := tx.Message(identity, messageID)
		if err != nil {
			return err
		}
		message.ExtendedPayloadKey = key[:]
		return tx.PutMessage(message)
	})
}

// DeleteMessageAndAttachments removes the local message and attachment
// records and creates the server-deletion intent in the same transaction.
// The deletion coordinator is notified after commit.
func (c *Coordinator) DeleteMessageAndAttachments(identity crypto.Identity, messageID string) error {
	return c.store.Update(func(tx *store.Tx) error {
		if !tx.MessageExists(identity, messageID) {
			return store.ErrNotFound
		}
		if err := tx.DeleteMessage(identity, messageID); err != nil {
			return err
		}
		if err := tx.DeleteAttachments(identity, messageID); err != nil {
			return err
		}
		return tx.CreateDeletion(&store.PendingServerDeletion{
			Identity:  identity,
			MessageID: messageID,
			CreatedAt: time.Now(),
		})
	}, func() {
		if c.events != nil {
			c.events.MessageReadyForServerDeletion(identity, messageID)
		}
	})
}
