package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"courier/crypto"
	"courier/protocol"
	"courier/registry"
	"courier/store"
)

// DownloadExtendedPayload lazily fetches, decrypts and stores the extended
// payload of a message. On any failure (transport, parse, decrypt, vanished
// message) the stored extended-payload metadata is cleared so a future
// attempt starts clean instead of getting stuck.
func (c *Coordinator) DownloadExtendedPayload(ctx context.Context, identity crypto.Identity, messageID string) error {
	log := logrus.WithFields(logrus.Fields{
		"function": "DownloadExtendedPayload",
		"identity": identity.String(),
		"message":  messageID,
	})

	handle, ok := c.registry.TryBegin(registry.Key{Scope: registry.ScopeExtendedPayload, ID: identity.Hex() + "/" + messageID})
	if !ok {
		log.Debug("Extended payload download already in flight")
		return nil
	}
	defer c.registry.End(handle)

	var key [32]byte
	var haveKey bool
	err := c.store.View(func(tx *store.Tx) error {
		message, err := tx.Message(identity, messageID)
		if err != nil {
			return err
		}
		if message.ExtendedPayload != nil {
			return nil // already downloaded
		}
		if !message.HasExtendedPayload || len(message.ExtendedPayloadKey) != 32 {
			return nil
		}
		copy(key[:], message.ExtendedPayloadKey)
		haveKey = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// The application deleted the message while the download was
		// queued; fail gracefully with no retry state left behind.
		log.Info("Message vanished before extended payload download")
		return ErrMessageVanished
	}
	if err != nil {
		return err
	}
	if !haveKey {
		return nil
	}

	token, _, hasToken := c.sessions.StoredToken(identity)
	if !hasToken {
		if c.events != nil {
			c.events.ServerSessionRequired(identity)
		}
		return ErrServerSessionRequired
	}

	serverURL, err := c.directory.ServerURL(identity)
	if err != nil {
		return err
	}

	encrypted, status, err := c.client.DownloadExtendedPayload(ctx, serverURL, identity, messageID, token)
	if err != nil {
		c.clearExtendedPayloadState(identity, messageID, log)
		return fmt.Errorf("download extended payload: %w", err)
	}
	if status != protocol.StatusOK {
		c.clearExtendedPayloadState(identity, messageID, log)
		return fmt.Errorf("download extended payload: server status %s", status)
	}

	plaintext, err := crypto.DecryptPayload(key, encrypted)
	if err != nil {
		c.clearExtendedPayloadState(identity, messageID, log)
		return fmt.Errorf("decrypt extended payload: %w", err)
	}

	err = c.store.Update(func(tx *store.Tx) error {
		message, err := tx.Message(identity, messageID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrMessageVanished
		}
		if err != nil {
			return err
		}
		message.ExtendedPayload = plaintext
		return tx.PutMessage(message)
	}, func() {
		if c.events != nil {
			c.events.ExtendedPayloadDownloaded(identity, messageID)
		}
	})
	if errors.Is(err, ErrMessageVanished) {
		log.Info("Message vanished while storing extended payload")
		return ErrMessageVanished
	}
	return err
}

// clearExtendedPayloadState wipes the extended-payload metadata of a
// message so the next attempt starts from scratch. A vanished message is
// fine: there is nothing left to clear.
func (c *Coordinator) clearExtendedPayloadState(identity crypto.Identity, messageID string, log *logrus.Entry) {
	err := c.store.Update(func(tx *store.Tx) error {
		message, err := tx.Message(identity, messageID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		message.HasExtendedPayload = false
		message.ExtendedPayloadKey = nil
		message.ExtendedPayload = nil
		return tx.PutMessage(message)
	})
	if err != nil {
		log.WithField("error", err.Error()).Warn("Failed to clear extended payload state")
	}
}
