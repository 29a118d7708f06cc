package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"courier/crypto"
	"courier/registry"
	"courier/store"
)

// downloadChunkSize is the read granularity of attachment downloads.
// Progress is persisted per chunk so pause and process restarts resume
// from the last stored offset.
const downloadChunkSize = 64 * 1024

// ErrDownloadPaused is returned when an attachment download was paused by
// the caller.
var ErrDownloadPaused = errors.New("attachment download paused")

type attachmentRef struct {
	identity  crypto.Identity
	messageID string
	index     int
}

func (a attachmentRef) registryID() string {
	return fmt.Sprintf("%s/%s/%d", a.identity.Hex(), a.messageID, a.index)
}

type activeDownload struct {
	cancel context.CancelFunc
	paused bool
}

// downloadTable tracks in-flight attachment downloads so they can be
// paused from another goroutine.
type downloadTable struct {
	mu     sync.Mutex
	active map[attachmentRef]*activeDownload
}

func newDownloadTable() *downloadTable {
	return &downloadTable{active: make(map[attachmentRef]*activeDownload)}
}

func (t *downloadTable) begin(ref attachmentRef, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[ref] = &activeDownload{cancel: cancel}
}

func (t *downloadTable) end(ref attachmentRef) (paused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.active[ref]; ok {
		paused = d.paused
		delete(t.active, ref)
	}
	return paused
}

func (t *downloadTable) pause(ref attachmentRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.active[ref]
	if !ok {
		return false
	}
	d.paused = true
	d.cancel()
	return true
}

// DownloadAttachment streams one attachment from its signed URL, resuming
// from the stored offset. The response bytes accumulate in the task
// registry entry until the download completes or is interrupted.
func (c *Coordinator) DownloadAttachment(ctx context.Context, identity crypto.Identity, messageID string, index int) error {
	ref := attachmentRef{identity: identity, messageID: messageID, index: index}
	log := logrus.WithFields(logrus.Fields{
		"function": "DownloadAttachment",
		"identity": identity.String(),
		"message":  messageID,
		"index":    index,
	})

	handle, ok := c.registry.TryBegin(registry.Key{Scope: registry.ScopeAttachment, ID: ref.registryID()})
	if !ok {
		log.Debug("Attachment download already in flight")
		return nil
	}
	defer c.registry.End(handle)

	var attachment *store.InboxAttachment
	err := c.store.View(func(tx *store.Tx) error {
		var err error
		attachment, err = tx.Attachment(identity, messageID, index)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrMessageVanished
	}
	if err != nil {
		return err
	}
	if attachment.Downloaded {
		return nil
	}
	if attachment.CancelledByServer {
		return ErrAttachmentCancelled
	}

	downloadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.downloads.begin(ref, cancel)

	body, err := c.client.DownloadChunk(downloadCtx, attachment.DownloadURL, attachment.ReceivedLength)
	if err != nil {
		c.downloads.end(ref)
		return fmt.Errorf("open attachment stream: %w", err)
	}
	defer func() { _ = body.Close() }()

	received := attachment.ReceivedLength
	buffer := make([]byte, downloadChunkSize)
	var readErr error
	for {
		n, err := body.Read(buffer)
		if n > 0 {
			chunk := append([]byte(nil), buffer[:n]...)
			c.registry.Accumulate(handle, chunk)
			received += int64(n)
			if persistErr := c.persistProgress(ref, chunk, received); persistErr != nil {
				readErr = persistErr
				break
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			break
		}
	}

	paused := c.downloads.end(ref)
	if paused {
		log.WithField("received", received).Info("Attachment download paused")
		_ = c.markPaused(ref, true)
		return ErrDownloadPaused
	}
	if readErr != nil {
		return fmt.Errorf("download attachment: %w", readErr)
	}

	err = c.store.Update(func(tx *store.Tx) error {
		stored, err := tx.Attachment(identity, messageID, index)
		if errors.Is(err, store.ErrNotFound) {
			return ErrMessageVanished
		}
		if err != nil {
			return err
		}
		stored.Downloaded = true
		stored.Paused = false
		return tx.PutAttachment(stored)
	}, func() {
		if c.events != nil {
			c.events.AttachmentDownloaded(identity, messageID, index)
		}
	})
	if err != nil {
		return err
	}

	log.WithField("length", received).Info("Attachment downloaded")
	return nil
}

// persistProgress appends a chunk to the stored attachment content. The
// attachment may be deleted concurrently by the application; that surfaces
// as ErrMessageVanished and aborts the download.
func (c *Coordinator) persistProgress(ref attachmentRef, chunk []byte, received int64) error {
	return c.store.Update(func(tx *store.Tx) error {
		stored, err := tx.Attachment(ref.identity, ref.messageID, ref.index)
		if errors.Is(err, store.ErrNotFound) {
			return ErrMessageVanished
		}
		if err != nil {
			return err
		}
		stored.Content = append(stored.Content, chunk...)
		stored.ReceivedLength = received
		return tx.PutAttachment(stored)
	})
}

func (c *Coordinator) markPaused(ref attachmentRef, paused bool) error {
	return c.store.Update(func(tx *store.Tx) error {
		stored, err := tx.Attachment(ref.identity, ref.messageID, ref.index)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		stored.Paused = paused
		return tx.PutAttachment(stored)
	})
}

// PauseAttachmentDownload pauses an in-flight attachment download. It
// reports whether a download was actually running.
func (c *Coordinator) PauseAttachmentDownload(identity crypto.Identity, messageID string, index int) bool {
	return c.downloads.pause(attachmentRef{identity: identity, messageID: messageID, index: index})
}

// ResumeAttachmentDownload clears the paused flag and re-issues the
// download from the stored offset.
func (c *Coordinator) ResumeAttachmentDownload(ctx context.Context, identity crypto.Identity, messageID string, index int) error {
	ref := attachmentRef{identity: identity, messageID: messageID, index: index}
	if err := c.markPaused(ref, false); err != nil {
		return err
	}
	return c.DownloadAttachment(ctx, identity, messageID, index)
}
