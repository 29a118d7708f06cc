package courier

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"courier/crypto"
	"courier/store"
)

// Callback types for the notification seams upstream consumers hook into.
type (
	MessagesDownloadedCallback    func(identity crypto.Identity, deviceID string)
	QueryProcessedCallback        func(identity crypto.Identity, queryID uuid.UUID)
	QueryFailedCallback           func(identity crypto.Identity, queryID uuid.UUID, err error)
	ServerSessionRequiredCallback func(identity crypto.Identity)
	TokenRefreshedCallback        func(identity crypto.Identity, elements store.APIKeyElements)
	SessionFailedCallback         func(identity crypto.Identity, err error)
	DeviceNotRegisteredCallback   func(identity crypto.Identity, deviceID string)
	AttachmentProgressCallback    func(identity crypto.Identity, messageID string, index int)
	ExtendedPayloadCallback       func(identity crypto.Identity, messageID string)
	MessageDeletionCallback       func(identity crypto.Identity, messageID string)
	PushTopicCallback             func(topic string)
	OwnedDevicesChangedCallback   func(identity crypto.Identity)
	ConnectionStateCallback       func(endpoint string, connected bool)
	IdentityRegisteredCallback    func(identity crypto.Identity)
)

type callbacks struct {
	mu sync.RWMutex

	messagesDownloaded    MessagesDownloadedCallback
	queryProcessed        QueryProcessedCallback
	queryFailed           QueryFailedCallback
	serverSessionRequired ServerSessionRequiredCallback
	tokenRefreshed        TokenRefreshedCallback
	sessionFailed         SessionFailedCallback
	deviceNotRegistered   DeviceNotRegisteredCallback
	attachmentDownloaded  AttachmentProgressCallback
	attachmentCancelled   AttachmentProgressCallback
	extendedPayload       ExtendedPayloadCallback
	messageDeletion       MessageDeletionCallback
	pushTopic             PushTopicCallback
	ownedDevicesChanged   OwnedDevicesChangedCallback
	connectionState       ConnectionStateCallback
	identityRegistered    IdentityRegisteredCallback
}

func (c *callbacks) invokeMessagesDownloaded(identity crypto.Identity, deviceID string) {
	c.mu.RLock()
	callback := c.messagesDownloaded
	c.mu.RUnlock()
	if callback != nil {
		callback(identity, deviceID)
	}
}

// OnMessagesDownloaded sets the callback fired after new messages landed.
func (e *Engine) OnMessagesDownloaded(callback MessagesDownloadedCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.messagesDownloaded = callback
	e.callbacks.mu.Unlock()
}

// OnQueryProcessed sets the callback fired once a server query settled.
func (e *Engine) OnQueryProcessed(callback QueryProcessedCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.queryProcessed = callback
	e.callbacks.mu.Unlock()
}

// OnQueryFailed sets the callback fired when a query dispatch hit a parse
// failure or transport error. The query stays pending; the caller decides
// whether to re-dispatch or delete it.
func (e *Engine) OnQueryFailed(callback QueryFailedCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.queryFailed = callback
	e.callbacks.mu.Unlock()
}

// OnServerSessionRequired sets the callback fired when an operation needs
// a session token that does not exist yet.
func (e *Engine) OnServerSessionRequired(callback ServerSessionRequiredCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.serverSessionRequired = callback
	e.callbacks.mu.Unlock()
}

// OnTokenRefreshed sets the callback fired after every successful token
// acquisition, carrying the refreshed API permissions.
func (e *Engine) OnTokenRefreshed(callback TokenRefreshedCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.tokenRefreshed = callback
	e.callbacks.mu.Unlock()
}

// OnSessionAcquisitionFailed sets the callback fired when a session
// acquisition gave up.
func (e *Engine) OnSessionAcquisitionFailed(callback SessionFailedCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.sessionFailed = callback
	e.callbacks.mu.Unlock()
}

// OnDeviceNotRegistered sets the callback fired when the server does not
// know the device, so the caller can re-register for push.
func (e *Engine) OnDeviceNotRegistered(callback DeviceNotRegisteredCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.deviceNotRegistered = callback
	e.callbacks.mu.Unlock()
}

// OnAttachmentDownloaded sets the callback fired when an attachment
// finished downloading.
func (e *Engine) OnAttachmentDownloaded(callback AttachmentProgressCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.attachmentDownloaded = callback
	e.callbacks.mu.Unlock()
}

// OnAttachmentCancelledByServer sets the callback fired for attachments
// the server cancelled.
func (e *Engine) OnAttachmentCancelledByServer(callback AttachmentProgressCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.attachmentCancelled = callback
	e.callbacks.mu.Unlock()
}

// OnExtendedPayloadDownloaded sets the callback fired when a message's
// extended payload was stored.
func (e *Engine) OnExtendedPayloadDownloaded(callback ExtendedPayloadCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.extendedPayload = callback
	e.callbacks.mu.Unlock()
}

// OnMessageReadyForServerDeletion sets the callback handing a locally
// deleted message over to the server-deletion confirmer.
func (e *Engine) OnMessageReadyForServerDeletion(callback MessageDeletionCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.messageDeletion = callback
	e.callbacks.mu.Unlock()
}

// OnPushTopic sets the callback for push topic notices.
func (e *Engine) OnPushTopic(callback PushTopicCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.pushTopic = callback
	e.callbacks.mu.Unlock()
}

// OnOwnedDevicesChanged sets the callback for owned-device change notices.
func (e *Engine) OnOwnedDevicesChanged(callback OwnedDevicesChangedCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.ownedDevicesChanged = callback
	e.callbacks.mu.Unlock()
}

// OnConnectionStateChanged sets the callback for push connection state
// transitions.
func (e *Engine) OnConnectionStateChanged(callback ConnectionStateCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.connectionState = callback
	e.callbacks.mu.Unlock()
}

// OnIdentityRegisteredForPush sets the callback fired after a successful
// push registration.
func (e *Engine) OnIdentityRegisteredForPush(callback IdentityRegisteredCallback) {
	e.callbacks.mu.Lock()
	e.callbacks.identityRegistered = callback
	e.callbacks.mu.Unlock()
}

// The methods below satisfy the event seams of the coordinators. They fan
// events out to the registered callbacks and drive the cross-coordinator
// reactions.

// TokenRefreshed publishes refreshed permissions and re-drives work that
// was waiting for a token.
func (e *Engine) TokenRefreshed(identity crypto.Identity, token []byte, elements store.APIKeyElements) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.tokenRefreshed
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(identity, elements)
	}

	go func() {
		ctx := context.Background()
		if err := e.queries.DispatchAllPending(ctx, identity); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "TokenRefreshed",
				"identity": identity.String(),
				"error":    err.Error(),
			}).Warn("Pending query re-dispatch failed")
		}
		_ = e.DownloadMessages(ctx, identity)
	}()
}

// SessionAcquisitionFailed surfaces a definitive acquisition failure.
func (e *Engine) SessionAcquisitionFailed(identity crypto.Identity, err error) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.sessionFailed
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(identity, err)
	}
}

// SessionTokenChanged forwards fresh tokens to the push transport so
// queued registrations can proceed.
func (e *Engine) SessionTokenChanged(identity crypto.Identity, token []byte) {
	e.push.SessionTokenChanged(identity, token)
}

// MessagesDownloaded relays the fetch completion notification.
func (e *Engine) MessagesDownloaded(identity crypto.Identity, deviceID string) {
	e.callbacks.invokeMessagesDownloaded(identity, deviceID)
}

// ServerSessionRequired starts a background session acquisition and
// notifies the caller. Acquisition is single-flight per identity, so
// bursts collapse.
func (e *Engine) ServerSessionRequired(identity crypto.Identity) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.serverSessionRequired
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(identity)
	}

	go func() {
		_, _, _ = e.sessions.GetValidToken(context.Background(), identity, nil)
	}()
}

// DeviceNotRegistered surfaces the server's device rejection.
func (e *Engine) DeviceNotRegistered(identity crypto.Identity, deviceID string) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.deviceNotRegistered
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(identity, deviceID)
	}
}

// AttachmentCancelledByServer surfaces a server-side attachment cancel.
func (e *Engine) AttachmentCancelledByServer(identity crypto.Identity, messageID string, index int) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.attachmentCancelled
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(identity, messageID, index)
	}
}

// AttachmentDownloaded surfaces a finished attachment download.
func (e *Engine) AttachmentDownloaded(identity crypto.Identity, messageID string, index int) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.attachmentDownloaded
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(identity, messageID, index)
	}
}

// ExtendedPayloadDownloaded surfaces a stored extended payload.
func (e *Engine) ExtendedPayloadDownloaded(identity crypto.Identity, messageID string) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.extendedPayload
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(identity, messageID)
	}
}

// MessageReadyForServerDeletion hands a deleted message to the deletion
// confirmer.
func (e *Engine) MessageReadyForServerDeletion(identity crypto.Identity, messageID string) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.messageDeletion
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(identity, messageID)
	}
}

// QueryProcessed surfaces a settled server query.
func (e *Engine) QueryProcessed(identity crypto.Identity, queryID uuid.UUID) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.queryProcessed
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(identity, queryID)
	}
}

// QueryFailed surfaces a dispatch failure for a still-pending query.
func (e *Engine) QueryFailed(identity crypto.Identity, queryID uuid.UUID, err error) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.queryFailed
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(identity, queryID, err)
	}
}

// IdentityRegistered triggers the initial sync after a successful push
// registration.
func (e *Engine) IdentityRegistered(identity crypto.Identity) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.identityRegistered
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(identity)
	}

	go func() {
		_ = e.DownloadMessages(context.Background(), identity)
	}()
}

// MessageAvailable handles a push-delivered new-message notice.
func (e *Engine) MessageAvailable(identity crypto.Identity, inlinePayload []byte) {
	e.handleInlineMessage(identity, inlinePayload)
}

// PushTopicReceived surfaces a push topic notice.
func (e *Engine) PushTopicReceived(topic string) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.pushTopic
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(topic)
	}
}

// OwnedDevicesChanged surfaces an owned-device list change notice.
func (e *Engine) OwnedDevicesChanged(identity crypto.Identity) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.ownedDevicesChanged
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(identity)
	}
}

// ConnectionStateChanged surfaces push connection transitions.
func (e *Engine) ConnectionStateChanged(endpoint string, connected bool) {
	e.callbacks.mu.RLock()
	callback := e.callbacks.connectionState
	e.callbacks.mu.RUnlock()
	if callback != nil {
		callback(endpoint, connected)
	}
}
