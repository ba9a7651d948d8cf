package client

import (
	"errors"
	"mime"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mvalerio/chatsync/internal/config"
	"github.com/mvalerio/chatsync/internal/connection"
	"github.com/mvalerio/chatsync/internal/store"
	"github.com/mvalerio/chatsync/internal/transport"
	"go.uber.org/zap"
)

// ErrNotResendable is returned by ResendMessage when the message is not in
// a failed-send state.
var ErrNotResendable = errors.New("message is not in a failed send state")

// Client is the embedding application's entry point: queue messages and
// edits, drive the connection, and read local state. All delivery work
// happens in the background workers; these calls only write to the store.
type Client struct {
	db       *store.DB
	socket   *transport.Socket
	recovery *connection.RecoveryHandler
	cfg      *config.Config
	logger   *zap.Logger
}

// NewClient creates the facade.
func NewClient(db *store.DB, socket *transport.Socket, recovery *connection.RecoveryHandler, cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		db:       db,
		socket:   socket,
		recovery: recovery,
		cfg:      cfg,
		logger:   logger,
	}
}

// SendMessage queues a message for delivery and returns its client-side ID.
// Attachment files are queued first so the send stays gated until every
// upload finishes.
func (c *Client) SendMessage(channelCID, body string, attachmentPaths []string) (string, error) {
	msgID := uuid.NewString()

	for i, path := range attachmentPaths {
		att := &store.Attachment{
			ID:        store.AttachmentID{ChannelCID: channelCID, MsgID: msgID, Index: i},
			LocalPath: path,
			FileName:  filepath.Base(path),
			MimeType:  mime.TypeByExtension(filepath.Ext(path)),
		}
		if err := c.db.QueueAttachment(att); err != nil {
			return "", err
		}
	}

	err := c.db.QueueMessageSend(&store.Message{
		ChannelCID: channelCID,
		MsgID:      msgID,
		SenderID:   c.cfg.UserID,
		Body:       body,
	})
	if err != nil {
		return "", err
	}
	return msgID, nil
}

// EditMessage queues a local edit for sync.
func (c *Client) EditMessage(channelCID, msgID, body string) error {
	return c.db.QueueMessageEdit(channelCID, msgID, body)
}

// ResendMessage puts a failed send back on the queue.
func (c *Client) ResendMessage(channelCID, msgID string) error {
	ok, err := c.db.RequeueFailedSend(channelCID, msgID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotResendable
	}
	return nil
}

// RetryAttachment re-queues a failed attachment upload.
func (c *Client) RetryAttachment(id store.AttachmentID) error {
	att, err := c.db.GetAttachment(id)
	if err != nil {
		return err
	}
	if att == nil {
		return errors.New("attachment not found")
	}
	return c.db.QueueAttachment(att)
}

// Channels lists known channels, most recently active first.
func (c *Client) Channels(limit int) ([]store.Channel, error) {
	return c.db.ListChannels(limit)
}

// Messages pages through a channel's messages, newest first.
func (c *Client) Messages(channelCID string, beforeTs int64, limit int) ([]store.Message, error) {
	return c.db.ListMessages(channelCID, beforeTs, limit)
}

// MarkRead clears a channel's unread counter locally.
func (c *Client) MarkRead(channelCID string) error {
	return c.db.MarkChannelRead(channelCID)
}

// Connect starts a connection attempt.
func (c *Client) Connect() {
	c.socket.Connect()
}

// Disconnect tears the connection down on the user's behalf; no automatic
// reconnection happens until Connect is called again.
func (c *Client) Disconnect() {
	c.socket.Disconnect(connection.SourceUserInitiated)
}

// ConnectionState returns the current connection state snapshot.
func (c *Client) ConnectionState() connection.State {
	return c.recovery.State()
}

// EnterBackground applies the background connection policy.
func (c *Client) EnterBackground() {
	c.recovery.OnAppEnterBackground()
}

// EnterForeground reconnects if the background policy dropped the socket.
func (c *Client) EnterForeground() {
	c.recovery.OnAppEnterForeground()
}

// SetNetworkAvailable feeds reachability changes to the recovery handler.
func (c *Client) SetNetworkAvailable(available bool) {
	c.recovery.OnReachabilityChange(available)
}
