package outbound

import (
	"context"

	"github.com/mvalerio/chatsync/internal/bus"
	"github.com/mvalerio/chatsync/internal/store"
	"go.uber.org/zap"
)

// MessageAPI issues message calls against the backend. Calls block until the
// backend answers or ctx is cancelled.
type MessageAPI interface {
	SendMessage(ctx context.Context, channelCID, msgID, body string) (SendResult, error)
	UpdateMessage(ctx context.Context, channelCID, msgID, body string) (SendResult, error)
}

// MessageSender drains pending_send messages and delivers them through the
// API. Order within a channel follows queue order; failures are terminal
// until an explicit resend or an attachment completion re-queues them.
type MessageSender struct {
	w worker
}

// NewMessageSender creates a sender.
func NewMessageSender(db *store.DB, b *bus.Bus, api MessageAPI, logger *zap.Logger) *MessageSender {
	s := &MessageSender{
		w: worker{
			db:        db,
			bus:       b,
			logger:    logger.Named("sender"),
			pending:   db.PendingSendMessages,
			claimFrom: store.MessageStatePendingSend,
			claimTo:   store.MessageStateSending,
			failState: store.MessageStateSendingFailed,
			ackKind:   bus.KindMessageSendAck,
			failKind:  bus.KindMessageSendFailed,
		},
	}
	s.w.issue = func(ctx context.Context, m *store.Message) (SendResult, error) {
		return api.SendMessage(ctx, m.ChannelCID, m.MsgID, m.Body)
	}
	return s
}

// Start rescues messages a previous process left claimed, then launches the
// drain loop.
func (s *MessageSender) Start(ctx context.Context) error {
	rescued, err := s.w.db.RescueInFlightMessages()
	if err != nil {
		return err
	}
	if rescued > 0 {
		s.w.logger.Info("rescued in-flight messages", zap.Int64("count", rescued))
	}
	s.w.start(ctx)
	return nil
}

// Stop cancels in-flight deliveries and waits for workers to exit.
func (s *MessageSender) Stop() {
	s.w.stop()
}
