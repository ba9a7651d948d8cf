package token

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mvalerio/chatsync/internal/bus"
	"github.com/mvalerio/chatsync/internal/clock"
	"github.com/mvalerio/chatsync/internal/retry"
	"go.uber.org/zap"
)

// WaiterFunc receives the resolved token, or the error that ended the wait.
type WaiterFunc func(Token, error)

// HandlerConfig bundles the knobs the handler passes to each refresh flow.
type HandlerConfig struct {
	Flow           RefreshFlowConfig
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Handler owns the current token and the waiter set. It enforces
// single-flight refreshes: concurrent RefreshToken calls attach to the
// running flow, and every waiter added via AddWaiter is resolved by
// whichever refresh finishes next.
type Handler struct {
	cfg    HandlerConfig
	clock  clock.Clock
	bus    *bus.Bus
	logger *zap.Logger

	mu            sync.Mutex
	closed        bool
	current       *Token
	provider      ConnectionProvider
	providerBound bool
	waiters       map[string]WaiterFunc
	waiterOrder   []string
	flow          *RefreshFlow
	flowUserID    string
	generation    int
	completions   []WaiterFunc
}

// NewHandler creates a token handler with no bound provider and no token.
func NewHandler(cfg HandlerConfig, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		clock:   clk,
		bus:     b,
		logger:  logger,
		waiters: make(map[string]WaiterFunc),
	}
}

// CurrentToken returns the current token, or a zero token if none is set.
func (h *Handler) CurrentToken() Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return Token{}
	}
	return *h.current
}

// SetConnectionProvider binds the handler to a (possibly different) user.
// A refresh outstanding for the previous user keeps running, but its result
// is discarded at completion time. If the user actually changes while no
// token is held, queued waiters are failed with ErrUserDoesNotExist.
func (h *Handler) SetConnectionProvider(p ConnectionProvider) {
	h.mu.Lock()
	previousUser := h.provider.UserID
	wasBound := h.providerBound
	h.provider = p
	h.providerBound = true

	userChanged := wasBound && previousUser != p.UserID
	var failed []WaiterFunc
	if userChanged && h.current == nil {
		failed = h.takeWaitersLocked()
	}
	if userChanged {
		// Callers attached to a refresh running for the previous user would
		// otherwise hang: that refresh's result is discarded at completion.
		failed = append(failed, h.completions...)
		h.completions = nil
	}
	if userChanged && h.current != nil && h.current.UserID != p.UserID {
		// The held token belongs to the previous user and must not be used.
		h.current = nil
	}
	h.mu.Unlock()

	for _, w := range failed {
		w(Token{}, ErrUserDoesNotExist)
	}
}

// AddWaiter queues fn until a valid token exists. If a token is already held
// and no refresh is running, fn is invoked immediately. Returns an id usable
// with RemoveWaiter.
func (h *Handler) AddWaiter(fn WaiterFunc) string {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		fn(Token{}, ErrClientDeallocated)
		return ""
	}
	if h.current != nil && h.flow == nil {
		tok := *h.current
		h.mu.Unlock()
		fn(tok, nil)
		return ""
	}
	id := uuid.NewString()
	h.waiters[id] = fn
	h.waiterOrder = append(h.waiterOrder, id)
	h.mu.Unlock()
	return id
}

// RemoveWaiter drops a queued waiter. Unknown ids are ignored.
func (h *Handler) RemoveWaiter(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiters, id)
}

// SetToken assigns a token directly (initial connect, or a token pushed by
// the host app). Fails with ErrInvalidToken when the handler is bound to a
// different user than the token's.
func (h *Handler) SetToken(tok Token) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClientDeallocated
	}
	if h.providerBound && h.provider.Bound() && h.provider.UserID != tok.UserID {
		h.mu.Unlock()
		return ErrInvalidToken
	}
	h.current = &tok
	waiters := h.takeWaitersLocked()
	h.mu.Unlock()

	h.publish(bus.KindTokenUpdated, tok.UserID)
	for _, w := range waiters {
		w(tok, nil)
	}
	return nil
}

// RefreshToken starts a refresh, or attaches to the one already running.
// completion receives the refreshed token; so do all queued waiters.
func (h *Handler) RefreshToken(completion WaiterFunc) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		completion(Token{}, ErrClientDeallocated)
		return
	}
	if h.flow != nil {
		// Single-flight: fan this caller into the running refresh.
		if completion != nil {
			h.completions = append(h.completions, completion)
		}
		h.mu.Unlock()
		return
	}
	if !h.providerBound || !h.provider.Bound() {
		// No current user; there is nobody to fetch a token for.
		h.mu.Unlock()
		if completion != nil {
			completion(Token{}, ErrUserDoesNotExist)
		}
		return
	}
	if completion != nil {
		h.completions = append(h.completions, completion)
	}

	strategy := retry.NewStrategy(h.cfg.RetryBaseDelay, h.cfg.RetryMaxDelay)
	flow := NewRefreshFlow(h.cfg.Flow, strategy, h.clock, h.logger)
	h.flow = flow
	h.flowUserID = h.provider.UserID
	h.generation++
	gen := h.generation
	var current Token
	if h.current != nil {
		current = *h.current
	}
	provider := h.provider
	h.mu.Unlock()

	flow.Refresh(current, provider, func(tok Token, err error) {
		h.refreshFinished(gen, tok, err)
	})
}

func (h *Handler) refreshFinished(gen int, tok Token, err error) {
	h.mu.Lock()
	if h.closed || gen != h.generation {
		h.mu.Unlock()
		return
	}
	// The bound user may have changed while this refresh was in flight; its
	// result no longer applies to anyone. Callers that managed to attach
	// between the switch and now are failed rather than left hanging.
	if h.flowUserID != h.provider.UserID {
		h.flow = nil
		completions := h.completions
		h.completions = nil
		h.mu.Unlock()
		h.logger.Info("discarding token refresh result for previous user",
			zap.String("user_id", h.flowUserID))
		for _, w := range completions {
			w(Token{}, ErrUserDoesNotExist)
		}
		return
	}
	h.flow = nil
	completions := h.completions
	h.completions = nil

	if err == nil {
		h.current = &tok
	}
	// On failure the current token is left as-is; only an explicit SetToken
	// or a successful refresh replaces it.
	waiters := h.takeWaitersLocked()
	h.mu.Unlock()

	if err == nil {
		h.publish(bus.KindTokenUpdated, tok.UserID)
	} else {
		h.publish(bus.KindTokenRefreshFailed, err.Error())
	}
	for _, w := range completions {
		w(tok, err)
	}
	for _, w := range waiters {
		w(tok, err)
	}
}

// CancelRefreshFlow aborts any running refresh and fails all queued waiters
// and attached refresh callers with the given error. Idempotent; the current
// token is not reset.
func (h *Handler) CancelRefreshFlow(err error) {
	h.mu.Lock()
	flow := h.flow
	h.flow = nil
	h.generation++
	completions := h.completions
	h.completions = nil
	waiters := h.takeWaitersLocked()
	h.mu.Unlock()

	if flow != nil {
		flow.Cancel()
	}
	for _, w := range completions {
		w(Token{}, err)
	}
	for _, w := range waiters {
		w(Token{}, err)
	}
}

// Close tears the handler down. Every outstanding waiter is failed with
// ErrClientDeallocated exactly once; none may be silently dropped.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	flow := h.flow
	h.flow = nil
	h.generation++
	completions := h.completions
	h.completions = nil
	waiters := h.takeWaitersLocked()
	h.mu.Unlock()

	if flow != nil {
		flow.Cancel()
	}
	for _, w := range completions {
		w(Token{}, ErrClientDeallocated)
	}
	for _, w := range waiters {
		w(Token{}, ErrClientDeallocated)
	}
}

// takeWaitersLocked drains the waiter set in insertion order. Caller holds mu.
func (h *Handler) takeWaitersLocked() []WaiterFunc {
	out := make([]WaiterFunc, 0, len(h.waiters))
	for _, id := range h.waiterOrder {
		if fn, ok := h.waiters[id]; ok {
			out = append(out, fn)
		}
	}
	h.waiters = make(map[string]WaiterFunc)
	h.waiterOrder = nil
	return out
}

func (h *Handler) publish(kind string, payload any) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(bus.Event{Kind: kind, Timestamp: h.clock.Now(), Payload: payload})
}
