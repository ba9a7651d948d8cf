package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/mvalerio/chatsync/internal/bus"
	"github.com/mvalerio/chatsync/internal/store"
	"go.uber.org/zap"
)

const pollInterval = 500 * time.Millisecond

// SendResult carries the backend's canonical view of a delivered message.
// Empty fields leave the local row untouched.
type SendResult struct {
	ServerMsgID   string
	CanonicalBody string
	Timestamp     int64
}

// worker drains one pending-message queue. Messages are processed strictly
// in queue order within a channel; distinct channels proceed in parallel.
type worker struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	pending   func() ([]store.Message, error)
	claimFrom store.MessageState
	claimTo   store.MessageState
	failState store.MessageState
	issue     func(ctx context.Context, m *store.Message) (SendResult, error)
	ackKind   string
	failKind  string

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	busy map[string]bool
}

func (w *worker) start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wake = make(chan struct{}, 1)
	w.busy = make(map[string]bool)

	w.db.AddChangeHook(func(kind string) {
		if kind == "message.queued" || kind == "attachment.uploaded" {
			w.notify()
		}
	})

	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *worker) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

func (w *worker) drain(ctx context.Context) {
	msgs, err := w.pending()
	if err != nil {
		w.logger.Error("failed to list pending messages", zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}

	// Group by channel preserving queue order.
	byChannel := make(map[string][]store.Message)
	var order []string
	for _, m := range msgs {
		if _, seen := byChannel[m.ChannelCID]; !seen {
			order = append(order, m.ChannelCID)
		}
		byChannel[m.ChannelCID] = append(byChannel[m.ChannelCID], m)
	}

	w.mu.Lock()
	for _, cid := range order {
		if w.busy[cid] {
			continue
		}
		w.busy[cid] = true
		batch := byChannel[cid]
		w.wg.Add(1)
		go w.runChannel(ctx, cid, batch)
	}
	w.mu.Unlock()
}

func (w *worker) runChannel(ctx context.Context, cid string, batch []store.Message) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.busy, cid)
		w.mu.Unlock()
		// Messages queued on this channel mid-batch get picked up promptly.
		w.notify()
	}()

	for i := range batch {
		if ctx.Err() != nil {
			return
		}
		m := batch[i]
		claimed, err := w.db.ClaimMessage(m.ChannelCID, m.MsgID, w.claimFrom, w.claimTo)
		if err != nil {
			w.logger.Error("failed to claim message", zap.Error(err))
			return
		}
		if !claimed {
			continue
		}
		w.deliver(ctx, &m)
	}
}

func (w *worker) deliver(ctx context.Context, m *store.Message) {
	log := w.logger.With(zap.String("channel", m.ChannelCID), zap.String("msg_id", m.MsgID))

	res, err := w.issue(ctx, m)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-delivery; the rescue pass re-queues it next start.
			return
		}
		log.Warn("delivery failed", zap.Error(err))
		if dberr := w.db.MarkMessageFailed(m.ChannelCID, m.MsgID, w.failState, err.Error()); dberr != nil {
			log.Error("failed to record delivery failure", zap.Error(dberr))
		}
		w.publish(w.failKind, m)
		return
	}

	if err := w.db.MarkMessageSent(m.ChannelCID, m.MsgID, res.ServerMsgID, res.CanonicalBody, res.Timestamp); err != nil {
		log.Error("failed to record delivery", zap.Error(err))
		return
	}
	log.Info("message delivered", zap.String("server_msg_id", res.ServerMsgID))
	w.publish(w.ackKind, m)
}

func (w *worker) publish(kind string, m *store.Message) {
	w.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   map[string]string{"cid": m.ChannelCID, "msg_id": m.MsgID},
	})
}
