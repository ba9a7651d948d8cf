package token

import (
	"sync"
	"time"

	"github.com/mvalerio/chatsync/internal/clock"
	"github.com/mvalerio/chatsync/internal/retry"
	"go.uber.org/zap"
)

// RefreshFlowConfig bounds a single logical refresh.
type RefreshFlowConfig struct {
	// AttemptTimeout is the deadline for one provider call.
	AttemptTimeout time.Duration
	// MaximumAttempts caps the attempt chain before the flow fails with
	// ErrTooManyRefreshAttempts.
	MaximumAttempts int
}

// RefreshFlow performs one logical token refresh: a chain of provider
// attempts with per-attempt timeouts and backoff between attempts. A flow
// is instantiated fresh per refresh; the Handler enforces single-flight.
type RefreshFlow struct {
	cfg      RefreshFlowConfig
	strategy *retry.Strategy
	clock    clock.Clock
	logger   *zap.Logger

	mu           sync.Mutex
	refreshing   bool
	cancelled    bool
	attempt      int
	attemptDone  bool
	previous     Token
	userID       string
	fetch        FetchFunc
	completion   func(Token, error)
	attemptTimer clock.Timer
	retryTimer   clock.Timer
}

// NewRefreshFlow creates a flow with its own backoff state.
func NewRefreshFlow(cfg RefreshFlowConfig, strategy *retry.Strategy, clk clock.Clock, logger *zap.Logger) *RefreshFlow {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.MaximumAttempts <= 0 {
		cfg.MaximumAttempts = 10
	}
	return &RefreshFlow{
		cfg:      cfg,
		strategy: strategy,
		clock:    clk,
		logger:   logger,
	}
}

// Refresh starts the attempt chain. The provider must hand back a token that
// differs from current, is not expired, and belongs to provider.UserID;
// anything else counts as a failed attempt. completion is called exactly
// once unless the flow is cancelled first.
func (f *RefreshFlow) Refresh(current Token, provider ConnectionProvider, completion func(Token, error)) {
	f.mu.Lock()
	if f.refreshing || f.cancelled {
		f.mu.Unlock()
		f.logger.Warn("refresh flow already running, ignoring")
		return
	}
	f.refreshing = true
	f.previous = current
	f.userID = provider.UserID
	f.fetch = provider.Fetch
	f.completion = completion
	f.attempt = 0
	f.mu.Unlock()

	f.startAttempt()
}

// Cancel makes any still-pending provider completion a no-op. It never
// invokes the completion; the owner decides how to fail its waiters.
func (f *RefreshFlow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	f.refreshing = false
	if f.attemptTimer != nil {
		f.attemptTimer.Stop()
	}
	if f.retryTimer != nil {
		f.retryTimer.Stop()
	}
}

func (f *RefreshFlow) startAttempt() {
	f.mu.Lock()
	if f.cancelled || !f.refreshing {
		f.mu.Unlock()
		return
	}
	f.attempt++
	f.attemptDone = false
	attemptID := f.attempt
	fetch := f.fetch
	userID := f.userID
	f.attemptTimer = f.clock.Schedule(f.cfg.AttemptTimeout, func() {
		f.attemptTimedOut(attemptID)
	})
	f.mu.Unlock()

	fetch(userID, func(tok Token, err error) {
		f.attemptCompleted(attemptID, tok, err)
	})
}

func (f *RefreshFlow) attemptTimedOut(attemptID int) {
	f.mu.Lock()
	if f.cancelled || !f.refreshing || attemptID != f.attempt || f.attemptDone {
		f.mu.Unlock()
		return
	}
	f.attemptDone = true
	f.mu.Unlock()

	f.logger.Warn("token refresh attempt timed out", zap.Int("attempt", attemptID))
	f.attemptFailed()
}

func (f *RefreshFlow) attemptCompleted(attemptID int, tok Token, err error) {
	f.mu.Lock()
	// Replies landing after cancellation, after the attempt timer fired, or
	// for a superseded attempt are discarded.
	if f.cancelled || !f.refreshing || attemptID != f.attempt || f.attemptDone {
		f.mu.Unlock()
		return
	}
	f.attemptDone = true
	if f.attemptTimer != nil {
		f.attemptTimer.Stop()
	}
	previous := f.previous
	userID := f.userID
	f.mu.Unlock()

	if err == nil {
		err = validate(tok, previous, userID, f.clock.Now())
	}
	if err != nil {
		f.logger.Warn("token refresh attempt failed", zap.Int("attempt", attemptID), zap.Error(err))
		f.attemptFailed()
		return
	}

	f.finish(tok, nil)
}

func (f *RefreshFlow) attemptFailed() {
	f.strategy.IncrementConsecutiveFailures()

	f.mu.Lock()
	if f.cancelled || !f.refreshing {
		f.mu.Unlock()
		return
	}
	if f.attempt >= f.cfg.MaximumAttempts {
		f.mu.Unlock()
		f.finish(Token{}, ErrTooManyRefreshAttempts)
		return
	}
	delay := f.strategy.NextRetryDelay()
	f.retryTimer = f.clock.Schedule(delay, f.startAttempt)
	f.mu.Unlock()
}

func (f *RefreshFlow) finish(tok Token, err error) {
	f.mu.Lock()
	if f.cancelled || !f.refreshing {
		f.mu.Unlock()
		return
	}
	f.refreshing = false
	completion := f.completion
	f.completion = nil
	f.mu.Unlock()

	if completion != nil {
		completion(tok, err)
	}
}

func validate(tok, previous Token, userID string, now time.Time) error {
	if tok.IsZero() {
		return ErrInvalidToken
	}
	// The provider handing the same token back means it did not actually
	// refresh anything.
	if !previous.IsZero() && tok.RawValue == previous.RawValue {
		return ErrInvalidToken
	}
	if tok.IsExpired(now) {
		return ErrExpiredToken
	}
	if userID != "" && tok.UserID != userID {
		return ErrInvalidToken
	}
	return nil
}
