package event

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mvalerio/chatsync/internal/bus"
	"github.com/mvalerio/chatsync/internal/store"
	"go.uber.org/zap"
)

// ErrNotApplicable marks an event that decoded fine but references entities
// not yet in the local store. Callers may safely ignore it; the entity will
// arrive with a later resync.
var ErrNotApplicable = errors.New("event not yet applicable")

// WatermarkKey is the sync_state key holding the timestamp of the newest
// applied event. Resynchronization after a reconnect replays from here.
const WatermarkKey = "event_watermark"

// Applier writes decoded events into the local store and republishes them
// as domain events on the bus. It advances the persisted event watermark as
// timestamped events are applied.
type Applier struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu              sync.Mutex
	watermark       int64
	watermarkLoaded bool
}

// NewApplier creates an applier.
func NewApplier(db *store.DB, b *bus.Bus, logger *zap.Logger) *Applier {
	return &Applier{db: db, bus: b, logger: logger}
}

// ApplyBatch applies events in order. Per-event failures are logged and do
// not stop the batch; ErrNotApplicable failures are expected and demoted to
// debug.
func (a *Applier) ApplyBatch(events []Event) {
	for _, evt := range events {
		if err := a.Apply(evt); err != nil {
			if errors.Is(err, ErrNotApplicable) {
				a.logger.Debug("event not yet applicable", zap.String("type", evt.EventType()))
				continue
			}
			a.logger.Error("failed to apply event", zap.String("type", evt.EventType()), zap.Error(err))
		}
	}
}

// Apply writes a single event to the store and republishes it.
func (a *Applier) Apply(evt Event) error {
	switch e := evt.(type) {
	case MessageNewEvent:
		if err := a.applyMessageNew(e); err != nil {
			return err
		}
	case MessageUpdatedEvent:
		existing, err := a.db.GetMessage(e.CID, e.MessageID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("message %s/%s: %w", e.CID, e.MessageID, ErrNotApplicable)
		}
		existing.Body = e.Text
		if e.CreatedAt > 0 {
			existing.Timestamp = e.CreatedAt
		}
		if err := a.db.UpsertMessage(existing); err != nil {
			return err
		}
	case MessageDeletedEvent:
		if err := a.db.DeleteMessage(e.CID, e.MessageID); err != nil {
			return err
		}
	case ChannelUpdatedEvent:
		if err := a.db.UpsertChannel(&store.Channel{CID: e.CID, Name: e.Name, MemberCount: e.MemberCount}); err != nil {
			return err
		}
	case ChannelDeletedEvent:
		if err := a.db.DeleteChannel(e.CID); err != nil {
			return err
		}
	case NotificationReadEvent:
		if err := a.db.MarkChannelRead(e.CID); err != nil {
			return err
		}
	case HealthCheckEvent, ReactionNewEvent, UserPresenceChangedEvent:
		// No local-store mutation; republish only.
	default:
		a.logger.Debug("no apply rule for event", zap.String("type", evt.EventType()))
	}

	a.advanceWatermark(eventTimestamp(evt))
	a.bus.Publish(bus.Event{
		Kind:      bus.KindRemoteEvent + "." + evt.EventType(),
		Timestamp: time.Now(),
		Payload:   evt,
	})
	return nil
}

func eventTimestamp(evt Event) int64 {
	switch e := evt.(type) {
	case MessageNewEvent:
		return e.CreatedAt
	case MessageUpdatedEvent:
		return e.CreatedAt
	}
	return 0
}

// advanceWatermark persists ts as the new watermark. It only moves forward,
// so replayed or out-of-order events never regress it.
func (a *Applier) advanceWatermark(ts int64) {
	if ts <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.watermarkLoaded {
		raw, err := a.db.GetSyncState(WatermarkKey)
		if err != nil {
			a.logger.Warn("failed to load event watermark", zap.Error(err))
			return
		}
		a.watermark, _ = strconv.ParseInt(raw, 10, 64)
		a.watermarkLoaded = true
	}
	if ts <= a.watermark {
		return
	}
	if err := a.db.SetSyncState(WatermarkKey, strconv.FormatInt(ts, 10)); err != nil {
		a.logger.Warn("failed to persist event watermark", zap.Error(err))
		return
	}
	a.watermark = ts
}

func (a *Applier) applyMessageNew(e MessageNewEvent) error {
	if err := a.db.UpsertChannel(&store.Channel{
		CID:                e.CID,
		LastMessageAt:      e.CreatedAt,
		LastMessagePreview: truncate(e.Text, 100),
	}); err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	if err := a.db.UpsertMessage(&store.Message{
		ChannelCID: e.CID,
		MsgID:      e.MessageID,
		SenderID:   e.UserID,
		SenderName: e.UserName,
		Body:       e.Text,
		Timestamp:  e.CreatedAt,
	}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := a.db.IncrementChannelUnread(e.CID); err != nil {
		return fmt.Errorf("bump unread: %w", err)
	}
	a.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   map[string]string{"cid": e.CID, "msg_id": e.MessageID},
	})
	return nil
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
