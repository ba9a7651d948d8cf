package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Well-known event kinds. Subscribers filter by namespace prefix, so
// "message." matches every message-related kind.
const (
	KindConnectionStateChanged = "connection.state_changed"
	KindConnectionRecovered    = "connection.recovered"

	KindTokenUpdated       = "token.updated"
	KindTokenRefreshFailed = "token.refresh_failed"

	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindMessageSyncAck    = "message.sync_ack"
	KindMessageSyncFailed = "message.sync_failed"
	KindMessageQueued     = "message.queued"

	KindAttachmentQueued       = "attachment.queued"
	KindAttachmentProgress     = "attachment.progress"
	KindAttachmentUploaded     = "attachment.uploaded"
	KindAttachmentUploadFailed = "attachment.upload_failed"

	KindRemoteEvent = "remote.event"
)
