package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertChannel inserts or updates a channel. last_message_at only moves
// forward, so stale history batches never regress the preview.
func (db *DB) UpsertChannel(c *Channel) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO channels (cid, name, member_count, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE channels.name END,
			member_count = CASE WHEN excluded.member_count > 0 THEN excluded.member_count ELSE channels.member_count END,
			last_message_at = MAX(channels.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > channels.last_message_at THEN excluded.last_message_preview ELSE channels.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.CID, c.Name, c.MemberCount, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// GetChannel returns a channel by CID, or nil if absent.
func (db *DB) GetChannel(cid string) (*Channel, error) {
	row := db.QueryRow(`
		SELECT cid, name, member_count, unread_count, last_message_at, last_message_preview
		FROM channels WHERE cid = ?`, cid)
	var c Channel
	err := row.Scan(&c.CID, &c.Name, &c.MemberCount, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListChannels returns channels ordered by recency.
func (db *DB) ListChannels(limit int) ([]Channel, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT cid, name, member_count, unread_count, last_message_at, last_message_preview
		FROM channels ORDER BY last_message_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var channels []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.CID, &c.Name, &c.MemberCount, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// IncrementChannelUnread bumps a channel's unread counter.
func (db *DB) IncrementChannelUnread(cid string) error {
	_, err := db.Exec(`UPDATE channels SET unread_count = unread_count + 1 WHERE cid = ?`, cid)
	return err
}

// MarkChannelRead zeroes a channel's unread counter.
func (db *DB) MarkChannelRead(cid string) error {
	_, err := db.Exec(`UPDATE channels SET unread_count = 0 WHERE cid = ?`, cid)
	return err
}

// DeleteChannel removes a channel with its messages and attachments.
func (db *DB) DeleteChannel(cid string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM attachments WHERE channel_cid = ?`, cid); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE channel_cid = ?`, cid); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM channels WHERE cid = ?`, cid); err != nil {
		return err
	}
	return tx.Commit()
}

// SetSyncState stores a key/value pair in the sync_state table.
func (db *DB) SetSyncState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetSyncState reads a value from the sync_state table, "" if absent.
func (db *DB) GetSyncState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}
