package outbound

import (
	"context"

	"github.com/mvalerio/chatsync/internal/bus"
	"github.com/mvalerio/chatsync/internal/store"
	"go.uber.org/zap"
)

// MessageEditor drains pending_sync messages, pushing local edits to the
// backend with the same per-channel ordering and claim rules as sends.
type MessageEditor struct {
	w worker
}

// NewMessageEditor creates an editor.
func NewMessageEditor(db *store.DB, b *bus.Bus, api MessageAPI, logger *zap.Logger) *MessageEditor {
	e := &MessageEditor{
		w: worker{
			db:        db,
			bus:       b,
			logger:    logger.Named("editor"),
			pending:   db.PendingSyncMessages,
			claimFrom: store.MessageStatePendingSync,
			claimTo:   store.MessageStateSyncing,
			failState: store.MessageStateSyncingFailed,
			ackKind:   bus.KindMessageSyncAck,
			failKind:  bus.KindMessageSyncFailed,
		},
	}
	e.w.issue = func(ctx context.Context, m *store.Message) (SendResult, error) {
		return api.UpdateMessage(ctx, m.ChannelCID, m.MsgID, m.Body)
	}
	return e
}

// Start launches the drain loop.
func (e *MessageEditor) Start(ctx context.Context) error {
	e.w.start(ctx)
	return nil
}

// Stop cancels in-flight syncs and waits for workers to exit.
func (e *MessageEditor) Stop() {
	e.w.stop()
}
