package client

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mvalerio/chatsync/internal/bus"
	"github.com/mvalerio/chatsync/internal/event"
	"github.com/mvalerio/chatsync/internal/store"
	"go.uber.org/zap"
)

const resyncTimeout = time.Minute

// resyncer replays events missed while the socket was down. Each connection
// recovery asks the backend for everything past the stored event watermark
// and feeds it through the regular decode/apply path; applying the replayed
// events advances the watermark again.
type resyncer struct {
	db      *store.DB
	decoder *event.Decoder
	applier *event.Applier
	fetch   func(ctx context.Context, since int64) ([]byte, error)
	bus     *bus.Bus
	logger  *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

func newResyncer(db *store.DB, d *event.Decoder, a *event.Applier, fetch func(context.Context, int64) ([]byte, error), b *bus.Bus, logger *zap.Logger) *resyncer {
	return &resyncer{
		db:      db,
		decoder: d,
		applier: a,
		fetch:   fetch,
		bus:     b,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (r *resyncer) start() {
	recovered, unsub := r.bus.Subscribe(bus.KindConnectionRecovered, 4)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsub()
		for {
			select {
			case <-r.done:
				return
			case <-recovered:
				r.replay()
			}
		}
	}()
}

func (r *resyncer) stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *resyncer) replay() {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	raw, err := r.db.GetSyncState(event.WatermarkKey)
	if err != nil {
		r.logger.Error("failed to read event watermark", zap.Error(err))
		return
	}
	since, _ := strconv.ParseInt(raw, 10, 64)

	data, err := r.fetch(ctx, since)
	if err != nil {
		// Live streaming resumed regardless; the next recovery retries.
		r.logger.Warn("resync fetch failed", zap.Error(err))
		return
	}

	events := r.decoder.DecodeBatch(data)
	if len(events) == 0 {
		r.logger.Debug("resync found no missed events", zap.Int64("since", since))
		return
	}
	r.applier.ApplyBatch(events)
	r.logger.Info("replayed missed events",
		zap.Int("count", len(events)), zap.Int64("since", since))
}
