package store

import (
	"database/sql"
	"errors"
	"time"
)

// QueueAttachment inserts an attachment in pending_upload. The composite
// (channel, message, index) key is stable across retries, so requeueing a
// failed attachment reuses the same row.
func (db *DB) QueueAttachment(a *Attachment) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO attachments (channel_cid, msg_id, idx, local_path, staged_path, remote_url, file_name, mime_type, local_state, progress, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?, ?, 0, '', ?)
		ON CONFLICT(channel_cid, msg_id, idx) DO UPDATE SET
			local_path = excluded.local_path,
			local_state = excluded.local_state,
			progress = 0,
			error_message = '',
			updated_at = excluded.updated_at`,
		a.ID.ChannelCID, a.ID.MsgID, a.ID.Index, a.LocalPath, a.StagedPath, a.FileName, a.MimeType, string(AttachmentStatePendingUpload), now)
	if err != nil {
		return err
	}
	db.notify("attachment.queued")
	return nil
}

// ClaimAttachment transitions pending_upload -> uploading. Returns false if
// another worker already claimed it, guaranteeing exactly one active upload
// per attachment.
func (db *DB) ClaimAttachment(id AttachmentID) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE attachments SET local_state = ?, progress = 0, updated_at = ?
		WHERE channel_cid = ? AND msg_id = ? AND idx = ? AND local_state = ?`,
		string(AttachmentStateUploading), now, id.ChannelCID, id.MsgID, id.Index, string(AttachmentStatePendingUpload))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetAttachmentStagedPath records where the staged copy of the local file lives.
func (db *DB) SetAttachmentStagedPath(id AttachmentID, path string) error {
	_, err := db.Exec(`
		UPDATE attachments SET staged_path = ? WHERE channel_cid = ? AND msg_id = ? AND idx = ?`,
		path, id.ChannelCID, id.MsgID, id.Index)
	return err
}

// UpdateAttachmentProgress persists upload progress for an uploading attachment.
func (db *DB) UpdateAttachmentProgress(id AttachmentID, progress float64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE attachments SET progress = ?, updated_at = ?
		WHERE channel_cid = ? AND msg_id = ? AND idx = ? AND local_state = ?`,
		progress, now, id.ChannelCID, id.MsgID, id.Index, string(AttachmentStateUploading))
	return err
}

// MarkAttachmentUploaded records a successful upload and its remote URL.
func (db *DB) MarkAttachmentUploaded(id AttachmentID, remoteURL string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE attachments SET local_state = ?, progress = 1, remote_url = ?, error_message = '', updated_at = ?
		WHERE channel_cid = ? AND msg_id = ? AND idx = ?`,
		string(AttachmentStateUploaded), remoteURL, now, id.ChannelCID, id.MsgID, id.Index)
	if err != nil {
		return err
	}
	db.notify("attachment.uploaded")
	return nil
}

// MarkAttachmentFailed records a terminal upload failure. The attachment
// blocks its message's send until the caller requeues it explicitly.
func (db *DB) MarkAttachmentFailed(id AttachmentID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE attachments SET local_state = ?, error_message = ?, updated_at = ?
		WHERE channel_cid = ? AND msg_id = ? AND idx = ?`,
		string(AttachmentStateUploadFailed), errMsg, now, id.ChannelCID, id.MsgID, id.Index)
	return err
}

// RescueInFlightAttachments returns attachments stuck in uploading to
// pending_upload. An attachment found uploading on startup was claimed by a
// previous process that never resolved it; without the rescue its message
// would stay blocked forever.
func (db *DB) RescueInFlightAttachments() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE attachments SET local_state = ?, progress = 0, updated_at = ?
		WHERE local_state = ?`,
		string(AttachmentStatePendingUpload), now, string(AttachmentStateUploading))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingUploadAttachments returns attachments awaiting upload, oldest first.
func (db *DB) PendingUploadAttachments() ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT channel_cid, msg_id, idx, local_path, staged_path, remote_url, file_name, mime_type, local_state, progress, error_message
		FROM attachments WHERE local_state = ? ORDER BY updated_at ASC`,
		string(AttachmentStatePendingUpload))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAttachments(rows)
}

// GetAttachment returns an attachment by ID, nil if absent.
func (db *DB) GetAttachment(id AttachmentID) (*Attachment, error) {
	row := db.QueryRow(`
		SELECT channel_cid, msg_id, idx, local_path, staged_path, remote_url, file_name, mime_type, local_state, progress, error_message
		FROM attachments WHERE channel_cid = ? AND msg_id = ? AND idx = ?`,
		id.ChannelCID, id.MsgID, id.Index)
	a, err := scanAttachment(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// MessageAttachments returns all attachments of a message ordered by index.
func (db *DB) MessageAttachments(channelCID, msgID string) ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT channel_cid, msg_id, idx, local_path, staged_path, remote_url, file_name, mime_type, local_state, progress, error_message
		FROM attachments WHERE channel_cid = ? AND msg_id = ? ORDER BY idx ASC`,
		channelCID, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAttachments(rows)
}

// AllAttachmentsUploaded reports whether every attachment of a message is
// uploaded. A message with no attachments counts as fully uploaded.
func (db *DB) AllAttachmentsUploaded(channelCID, msgID string) (bool, error) {
	var remaining int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM attachments
		WHERE channel_cid = ? AND msg_id = ? AND local_state != ?`,
		channelCID, msgID, string(AttachmentStateUploaded)).Scan(&remaining)
	if err != nil {
		return false, err
	}
	return remaining == 0, nil
}

func scanAttachments(rows *sql.Rows) ([]Attachment, error) {
	var atts []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows.Scan)
		if err != nil {
			return nil, err
		}
		atts = append(atts, *a)
	}
	return atts, rows.Err()
}

func scanAttachment(scan func(...any) error) (*Attachment, error) {
	var a Attachment
	var state string
	err := scan(&a.ID.ChannelCID, &a.ID.MsgID, &a.ID.Index, &a.LocalPath, &a.StagedPath, &a.RemoteURL, &a.FileName, &a.MimeType, &state, &a.Progress, &a.ErrorMessage)
	if err != nil {
		return nil, err
	}
	a.LocalState = AttachmentState(state)
	return &a, nil
}
