package upload

import (
	"context"
	"sync"
	"time"

	"github.com/mvalerio/chatsync/internal/bus"
	"github.com/mvalerio/chatsync/internal/store"
	"go.uber.org/zap"
)

const pollInterval = 500 * time.Millisecond

// Transport performs the actual file transfer. Implementations report
// progress as a fraction in [0, 1] through the callback; the call blocks
// until the transfer finishes or ctx is cancelled.
type Transport interface {
	UploadFile(ctx context.Context, stagedPath, fileName, mimeType string, progress func(fraction float64)) (remoteURL string, err error)
}

// Config controls the upload worker pool.
type Config struct {
	StagingDir string
	// Concurrency caps simultaneous transfers across all channels.
	Concurrency int
	// MinProgressDelta throttles progress persistence; updates smaller than
	// this fraction since the last persisted value are dropped.
	MinProgressDelta float64
	// PostProcess, when set, transforms the remote URL after a successful
	// transfer and before the attachment is marked uploaded. An error fails
	// the upload.
	PostProcess func(ctx context.Context, att *store.Attachment, remoteURL string) (string, error)
}

// QueueUploader drains pending attachments from the store and uploads them.
// Each attachment is claimed before transfer so exactly one worker handles
// it. Failed uploads stay upload_failed until requeued explicitly.
type QueueUploader struct {
	db        *store.DB
	bus       *bus.Bus
	transport Transport
	logger    *zap.Logger
	cfg       Config

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueueUploader creates an uploader. Concurrency below 1 is raised to 1.
func NewQueueUploader(db *store.DB, b *bus.Bus, transport Transport, cfg Config, logger *zap.Logger) *QueueUploader {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &QueueUploader{
		db:        db,
		bus:       b,
		transport: transport,
		logger:    logger,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
	}
}

// Start rescues uploads interrupted by a previous process and launches the
// drain loop. New queue entries wake the loop through a store change hook; a
// ticker covers entries queued before Start.
func (u *QueueUploader) Start(ctx context.Context) error {
	rescued, err := u.db.RescueInFlightAttachments()
	if err != nil {
		return err
	}
	if rescued > 0 {
		u.logger.Info("rescued interrupted uploads", zap.Int64("count", rescued))
	}

	ctx, u.cancel = context.WithCancel(ctx)

	u.db.AddChangeHook(func(kind string) {
		if kind == "attachment.queued" {
			select {
			case u.wake <- struct{}{}:
			default:
			}
		}
	})

	u.wg.Add(1)
	go u.loop(ctx)
	return nil
}

// Stop cancels in-flight transfers and waits for workers to exit.
func (u *QueueUploader) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
}

func (u *QueueUploader) loop(ctx context.Context) {
	defer u.wg.Done()

	sem := make(chan struct{}, u.cfg.Concurrency)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		u.drain(ctx, sem)
		select {
		case <-ctx.Done():
			return
		case <-u.wake:
		case <-ticker.C:
		}
	}
}

func (u *QueueUploader) drain(ctx context.Context, sem chan struct{}) {
	pending, err := u.db.PendingUploadAttachments()
	if err != nil {
		u.logger.Error("failed to list pending uploads", zap.Error(err))
		return
	}

	for i := range pending {
		att := pending[i]
		claimed, err := u.db.ClaimAttachment(att.ID)
		if err != nil {
			u.logger.Error("failed to claim attachment", zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			defer func() { <-sem }()
			u.process(ctx, &att)
		}()
	}
}

func (u *QueueUploader) process(ctx context.Context, att *store.Attachment) {
	log := u.logger.With(
		zap.String("channel", att.ID.ChannelCID),
		zap.String("msg_id", att.ID.MsgID),
		zap.Int("idx", att.ID.Index),
	)

	staged := att.StagedPath
	if staged == "" {
		var err error
		staged, err = Stage(u.cfg.StagingDir, att.ID, att.LocalPath)
		if err != nil {
			log.Error("staging failed", zap.Error(err))
			u.fail(att.ID, err.Error())
			return
		}
		if err := u.db.SetAttachmentStagedPath(att.ID, staged); err != nil {
			log.Error("failed to record staged path", zap.Error(err))
		}
	}

	remoteURL, err := u.transport.UploadFile(ctx, staged, att.FileName, att.MimeType, u.progressFunc(att.ID))
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-transfer. The claim stays put; the rescue pass on
			// the next start re-queues it instead of recording a failure.
			return
		}
		log.Warn("upload failed", zap.Error(err))
		u.fail(att.ID, err.Error())
		_ = RemoveStaged(staged)
		return
	}

	if u.cfg.PostProcess != nil {
		remoteURL, err = u.cfg.PostProcess(ctx, att, remoteURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("upload post-processing failed", zap.Error(err))
			u.fail(att.ID, err.Error())
			_ = RemoveStaged(staged)
			return
		}
	}

	if err := u.db.MarkAttachmentUploaded(att.ID, remoteURL); err != nil {
		log.Error("failed to mark attachment uploaded", zap.Error(err))
		return
	}
	_ = RemoveStaged(staged)
	log.Info("attachment uploaded", zap.String("remote_url", remoteURL))

	u.bus.Publish(bus.Event{
		Kind:      bus.KindAttachmentUploaded,
		Timestamp: time.Now(),
		Payload:   att.ID,
	})
	u.finishMessage(att.ID.ChannelCID, att.ID.MsgID, log)
}

// finishMessage unblocks the owning message once its last attachment lands.
// A message that already failed its send is put back on the queue; one still
// pending just needs the sender woken up.
func (u *QueueUploader) finishMessage(channelCID, msgID string, log *zap.Logger) {
	done, err := u.db.AllAttachmentsUploaded(channelCID, msgID)
	if err != nil || !done {
		return
	}
	m, err := u.db.GetMessage(channelCID, msgID)
	if err != nil || m == nil {
		return
	}

	switch m.LocalState {
	case store.MessageStateSendingFailed:
		if ok, err := u.db.RequeueFailedSend(channelCID, msgID); err != nil {
			log.Error("failed to requeue message", zap.Error(err))
		} else if ok {
			log.Info("requeued failed send after attachment upload")
		}
	case store.MessageStatePendingSend, store.MessageStatePendingSync:
		u.bus.Publish(bus.Event{
			Kind:      bus.KindMessageQueued,
			Timestamp: time.Now(),
			Payload:   map[string]string{"cid": channelCID, "msg_id": msgID},
		})
	}
}

func (u *QueueUploader) progressFunc(id store.AttachmentID) func(float64) {
	var lastPersisted float64
	return func(fraction float64) {
		if fraction < 1 && fraction-lastPersisted < u.cfg.MinProgressDelta {
			return
		}
		lastPersisted = fraction
		if err := u.db.UpdateAttachmentProgress(id, fraction); err != nil {
			u.logger.Error("failed to persist upload progress", zap.Error(err))
			return
		}
		u.bus.Publish(bus.Event{
			Kind:      bus.KindAttachmentProgress,
			Timestamp: time.Now(),
			Payload:   ProgressUpdate{ID: id, Fraction: fraction},
		})
	}
}

func (u *QueueUploader) fail(id store.AttachmentID, msg string) {
	if err := u.db.MarkAttachmentFailed(id, msg); err != nil {
		u.logger.Error("failed to mark attachment failed", zap.Error(err))
		return
	}
	u.bus.Publish(bus.Event{
		Kind:      bus.KindAttachmentUploadFailed,
		Timestamp: time.Now(),
		Payload:   id,
	})
}

// ProgressUpdate is the payload of attachment progress events.
type ProgressUpdate struct {
	ID       store.AttachmentID
	Fraction float64
}
