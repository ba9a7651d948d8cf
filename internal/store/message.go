package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on channel_cid + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (channel_cid, msg_id, server_msg_id, sender_id, sender_name, body, from_me, local_state, error_message, timestamp, queued_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_cid, msg_id) DO UPDATE SET
			server_msg_id = CASE WHEN excluded.server_msg_id != '' THEN excluded.server_msg_id ELSE messages.server_msg_id END,
			sender_name = excluded.sender_name,
			body = excluded.body,
			local_state = excluded.local_state,
			error_message = excluded.error_message,
			timestamp = excluded.timestamp`,
		m.ChannelCID, m.MsgID, m.ServerMsgID, m.SenderID, m.SenderName, m.Body, m.FromMe, string(m.LocalState), m.ErrorMessage, m.Timestamp, m.QueuedAt, now)
	return err
}

// QueueMessageSend inserts a new locally-created message in pending_send.
// queued_at fixes the message's position in its channel's send order.
func (db *DB) QueueMessageSend(m *Message) error {
	now := time.Now().UnixMilli()
	if m.Timestamp == 0 {
		m.Timestamp = now
	}
	m.FromMe = true
	m.LocalState = MessageStatePendingSend
	m.QueuedAt = now
	_, err := db.Exec(`
		INSERT INTO messages (channel_cid, msg_id, sender_id, sender_name, body, from_me, local_state, timestamp, queued_at, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		m.ChannelCID, m.MsgID, m.SenderID, m.SenderName, m.Body, string(MessageStatePendingSend), m.Timestamp, m.QueuedAt, now)
	if err != nil {
		return err
	}
	db.notify("message.queued")
	return nil
}

// QueueMessageEdit updates a message body and marks it pending_sync so the
// editor worker pushes the change to the backend.
func (db *DB) QueueMessageEdit(channelCID, msgID, body string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE messages SET body = ?, local_state = ?, error_message = '', queued_at = ?
		WHERE channel_cid = ? AND msg_id = ?`,
		body, string(MessageStatePendingSync), now, channelCID, msgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("message not found")
	}
	db.notify("message.queued")
	return nil
}

// ClaimMessage transitions a message from one local state to another only if
// it is still in the expected state. Returns false when another worker or a
// concurrent user action got there first; only one worker may claim a given
// message at a time.
func (db *DB) ClaimMessage(channelCID, msgID string, from, to MessageState) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET local_state = ? WHERE channel_cid = ? AND msg_id = ? AND local_state = ?`,
		string(to), channelCID, msgID, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkMessageSent clears local state and records the server-assigned ID and
// canonical body/timestamp returned by the backend.
func (db *DB) MarkMessageSent(channelCID, msgID, serverMsgID, canonicalBody string, serverTimestamp int64) error {
	_, err := db.Exec(`
		UPDATE messages SET local_state = '', error_message = '', server_msg_id = ?,
			body = CASE WHEN ? != '' THEN ? ELSE body END,
			timestamp = CASE WHEN ? > 0 THEN ? ELSE timestamp END
		WHERE channel_cid = ? AND msg_id = ?`,
		serverMsgID, canonicalBody, canonicalBody, serverTimestamp, serverTimestamp, channelCID, msgID)
	return err
}

// MarkMessageFailed records a terminal send/sync failure. The row stays
// inspectable so a UI can offer retry.
func (db *DB) MarkMessageFailed(channelCID, msgID string, state MessageState, errMsg string) error {
	_, err := db.Exec(`
		UPDATE messages SET local_state = ?, error_message = ? WHERE channel_cid = ? AND msg_id = ?`,
		string(state), errMsg, channelCID, msgID)
	return err
}

// RequeueFailedSend flips a sending_failed message back to pending_send.
// Used by explicit resend and by attachment-upload completion.
func (db *DB) RequeueFailedSend(channelCID, msgID string) (bool, error) {
	ok, err := db.ClaimMessage(channelCID, msgID, MessageStateSendingFailed, MessageStatePendingSend)
	if ok {
		db.notify("message.queued")
	}
	return ok, err
}

// PendingSendMessages returns messages awaiting their first send, oldest
// first. Messages with any attachment not yet uploaded are excluded; the
// upload pipeline re-queues them by finishing the attachment.
func (db *DB) PendingSendMessages() ([]Message, error) {
	return db.pendingMessages(MessageStatePendingSend)
}

// PendingSyncMessages returns edited messages awaiting sync, oldest first,
// with the same attachment gating as sends.
func (db *DB) PendingSyncMessages() ([]Message, error) {
	return db.pendingMessages(MessageStatePendingSync)
}

func (db *DB) pendingMessages(state MessageState) ([]Message, error) {
	rows, err := db.Query(`
		SELECT m.id, m.channel_cid, m.msg_id, m.server_msg_id, m.sender_id, m.sender_name, m.body, m.from_me, m.local_state, m.error_message, m.timestamp, m.queued_at
		FROM messages m
		WHERE m.local_state = ?
		AND NOT EXISTS (
			SELECT 1 FROM attachments a
			WHERE a.channel_cid = m.channel_cid AND a.msg_id = m.msg_id AND a.local_state != 'uploaded'
		)
		ORDER BY m.queued_at ASC, m.id ASC`, string(state))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// RescueInFlightMessages returns messages stuck in a claimed state to a
// resumable pending state. A message found sending/syncing on startup was
// claimed by a previous process that never resolved it (crash or kill);
// re-queueing keeps at-least-once delivery.
func (db *DB) RescueInFlightMessages() (int64, error) {
	var total int64
	res, err := db.Exec(`UPDATE messages SET local_state = ? WHERE local_state = ?`,
		string(MessageStatePendingSend), string(MessageStateSending))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = db.Exec(`UPDATE messages SET local_state = ? WHERE local_state = ?`,
		string(MessageStatePendingSync), string(MessageStateSyncing))
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n
	return total, nil
}

// GetMessage returns a message by channel and message ID, nil if absent.
func (db *DB) GetMessage(channelCID, msgID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, channel_cid, msg_id, server_msg_id, sender_id, sender_name, body, from_me, local_state, error_message, timestamp, queued_at
		FROM messages WHERE channel_cid = ? AND msg_id = ?`, channelCID, msgID)
	var m Message
	var state string
	err := row.Scan(&m.ID, &m.ChannelCID, &m.MsgID, &m.ServerMsgID, &m.SenderID, &m.SenderName, &m.Body, &m.FromMe, &state, &m.ErrorMessage, &m.Timestamp, &m.QueuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m.LocalState = MessageState(state)
	return &m, nil
}

// DeleteMessage removes a message and its attachments.
func (db *DB) DeleteMessage(channelCID, msgID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM attachments WHERE channel_cid = ? AND msg_id = ?`, channelCID, msgID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE channel_cid = ? AND msg_id = ?`, channelCID, msgID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListMessages returns messages for a channel using keyset pagination by timestamp.
func (db *DB) ListMessages(channelCID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, channel_cid, msg_id, server_msg_id, sender_id, sender_name, body, from_me, local_state, error_message, timestamp, queued_at
		FROM messages
		WHERE channel_cid = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, channelCID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var state string
		if err := rows.Scan(&m.ID, &m.ChannelCID, &m.MsgID, &m.ServerMsgID, &m.SenderID, &m.SenderName, &m.Body, &m.FromMe, &state, &m.ErrorMessage, &m.Timestamp, &m.QueuedAt); err != nil {
			return nil, err
		}
		m.LocalState = MessageState(state)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
