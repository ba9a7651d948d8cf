package store

// MessageState is the local-only delivery lifecycle of a message.
// The empty state means the message is fully synced with the backend.
type MessageState string

const (
	MessageStateNone          MessageState = ""
	MessageStatePendingSend   MessageState = "pending_send"
	MessageStateSending       MessageState = "sending"
	MessageStateSendingFailed MessageState = "sending_failed"
	MessageStatePendingSync   MessageState = "pending_sync"
	MessageStateSyncing       MessageState = "syncing"
	MessageStateSyncingFailed MessageState = "syncing_failed"
)

// AttachmentState is the local upload lifecycle of an attachment.
type AttachmentState string

const (
	AttachmentStatePendingUpload AttachmentState = "pending_upload"
	AttachmentStateUploading     AttachmentState = "uploading"
	AttachmentStateUploaded      AttachmentState = "uploaded"
	AttachmentStateUploadFailed  AttachmentState = "upload_failed"
)

// Channel represents a synced channel.
type Channel struct {
	CID                string
	Name               string
	MemberCount        int
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message represents a message row. QueuedAt orders outbound sends within a
// channel; Timestamp is the display/ordering time from the backend (or the
// local creation time until the backend confirms).
type Message struct {
	ID           int64
	ChannelCID   string
	MsgID        string
	ServerMsgID  string
	SenderID     string
	SenderName   string
	Body         string
	FromMe       bool
	LocalState   MessageState
	ErrorMessage string
	Timestamp    int64
	QueuedAt     int64
}

// AttachmentID identifies an attachment. It is stable across retries so a
// re-upload never duplicates the staged file or the row.
type AttachmentID struct {
	ChannelCID string
	MsgID      string
	Index      int
}

// Attachment represents an attachment row.
type Attachment struct {
	ID           AttachmentID
	LocalPath    string
	StagedPath   string
	RemoteURL    string
	FileName     string
	MimeType     string
	LocalState   AttachmentState
	Progress     float64
	ErrorMessage string
}
