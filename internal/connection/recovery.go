package connection

import (
	"sync"
	"time"

	"github.com/mvalerio/chatsync/internal/bus"
	"github.com/mvalerio/chatsync/internal/clock"
	"github.com/mvalerio/chatsync/internal/retry"
	"go.uber.org/zap"
)

// RecoveryHandlerConfig configures the recovery policy.
type RecoveryHandlerConfig struct {
	// KeepAliveInBackground keeps the socket up while the app is
	// backgrounded, under a background-execution grant.
	KeepAliveInBackground bool
	// ReconnectionTimeout aborts connection attempts stuck in connecting.
	// Zero disables the watchdog.
	ReconnectionTimeout time.Duration
}

// RecoveryHandler reacts to socket-state, app-lifecycle, and reachability
// changes and decides when to disconnect, reconnect, and back off. All
// mutable state is serialized behind one mutex; collaborator calls are made
// outside it.
type RecoveryHandler struct {
	cfg       RecoveryHandlerConfig
	socket    SocketClient
	scheduler BackgroundScheduler
	strategy  *retry.Strategy
	clock     clock.Clock
	bus       *bus.Bus
	logger    *zap.Logger

	mu               sync.Mutex
	closed           bool
	state            State
	appActive        bool
	networkAvailable bool
	receivingEvents  bool
	reconnectTimer   clock.Timer
	watchdog         clock.Timer
	bgTask           BackgroundTaskHandle
	bgTaskActive     bool
}

// NewRecoveryHandler creates a recovery handler. scheduler may be
// NoBackgroundScheduler on platforms without background grants.
func NewRecoveryHandler(cfg RecoveryHandlerConfig, socket SocketClient, scheduler BackgroundScheduler, strategy *retry.Strategy, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *RecoveryHandler {
	return &RecoveryHandler{
		cfg:              cfg,
		socket:           socket,
		scheduler:        scheduler,
		strategy:         strategy,
		clock:            clk,
		bus:              b,
		logger:           logger,
		state:            State{Phase: PhaseInitialized},
		appActive:        true,
		networkAvailable: true,
	}
}

// State returns the last reported connection state.
func (h *RecoveryHandler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsReceivingEvents reports whether the SDK is connected and receiving live
// events. Host-extension scenarios use this to suppress event forwarding.
func (h *RecoveryHandler) IsReceivingEvents() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.receivingEvents
}

// OnConnectionStateChange is the socket client's delegate callback.
func (h *RecoveryHandler) OnConnectionStateChange(s State) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.state = s

	switch s.Phase {
	case PhaseConnecting:
		// A manual or scheduled attempt is underway; a still-pending
		// reconnect timer would double-connect.
		h.stopReconnectTimerLocked()
		h.startWatchdogLocked()
		h.mu.Unlock()

	case PhaseConnected:
		h.strategy.ResetConsecutiveFailures()
		h.stopWatchdogLocked()
		h.receivingEvents = true
		h.mu.Unlock()
		h.logger.Info("connected", zap.String("connection_id", s.ConnectionID))
		// Local state may have drifted while offline; kick off a full
		// resynchronization.
		h.publish(bus.KindConnectionRecovered, s.ConnectionID)

	case PhaseDisconnected:
		h.stopWatchdogLocked()
		h.receivingEvents = false
		switch s.Source {
		case SourceUserInitiated:
			// Never auto-reconnect until connect is explicitly requested.
			h.stopReconnectTimerLocked()
			h.mu.Unlock()
		case SourceServerInitiated:
			if !ShouldAutoReconnect(s.ServerError) {
				h.mu.Unlock()
				h.logger.Warn("server disconnect not auto-recoverable", zap.Error(s.ServerError))
				break
			}
			h.scheduleReconnectLocked()
			h.mu.Unlock()
		default:
			h.scheduleReconnectLocked()
			h.mu.Unlock()
		}

	default:
		h.mu.Unlock()
	}

	h.publish(bus.KindConnectionStateChanged, s)
}

// OnAppEnterBackground applies the background policy: disconnect
// immediately, or stay connected under a background-execution grant.
func (h *RecoveryHandler) OnAppEnterBackground() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.appActive = false
	if h.state.Phase != PhaseConnected && h.state.Phase != PhaseConnecting && h.state.Phase != PhaseWaitingForConnectionID {
		h.mu.Unlock()
		return
	}
	if !h.cfg.KeepAliveInBackground {
		h.mu.Unlock()
		h.socket.Disconnect(SourceSystemInitiated)
		return
	}
	if h.bgTaskActive {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	handle, ok := h.scheduler.BeginTask(h.backgroundGrantExpired)
	if !ok {
		h.logger.Info("background execution refused, disconnecting")
		h.socket.Disconnect(SourceSystemInitiated)
		return
	}
	h.mu.Lock()
	h.bgTask = handle
	h.bgTaskActive = true
	h.mu.Unlock()
}

// backgroundGrantExpired runs when the platform grant is about to run out.
func (h *RecoveryHandler) backgroundGrantExpired() {
	h.mu.Lock()
	if h.closed || !h.bgTaskActive {
		h.mu.Unlock()
		return
	}
	handle := h.bgTask
	h.bgTaskActive = false
	h.mu.Unlock()

	h.logger.Info("background grant expiring, disconnecting")
	h.socket.Disconnect(SourceSystemInitiated)
	h.scheduler.EndTask(handle)
}

// OnAppEnterForeground ends any background grant and reconnects if the
// socket was dropped by the system or the server in the meantime.
func (h *RecoveryHandler) OnAppEnterForeground() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.appActive = true
	var endTask bool
	var handle BackgroundTaskHandle
	if h.bgTaskActive {
		endTask = true
		handle = h.bgTask
		h.bgTaskActive = false
	}
	connect := h.canAutoReconnectLocked()
	h.mu.Unlock()

	if endTask {
		h.scheduler.EndTask(handle)
	}
	if connect {
		h.socket.Connect()
	}
}

// OnReachabilityChange is the reachability monitor's callback.
func (h *RecoveryHandler) OnReachabilityChange(available bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.networkAvailable = available
	if !available {
		// Wait for the network; the socket will notice on its own.
		h.mu.Unlock()
		return
	}
	// Reconnect directly rather than racing a pending backoff timer.
	h.stopReconnectTimerLocked()
	connect := h.appActive && h.disconnectedBySystemLocked()
	h.mu.Unlock()

	if connect {
		h.socket.Connect()
	}
}

// Close cancels timers and background grants. Pending timer callbacks become
// no-ops.
func (h *RecoveryHandler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.stopReconnectTimerLocked()
	h.stopWatchdogLocked()
	var endTask bool
	var handle BackgroundTaskHandle
	if h.bgTaskActive {
		endTask = true
		handle = h.bgTask
		h.bgTaskActive = false
	}
	h.mu.Unlock()

	if endTask {
		h.scheduler.EndTask(handle)
	}
}

func (h *RecoveryHandler) canAutoReconnectLocked() bool {
	return h.appActive && h.networkAvailable && h.disconnectedBySystemLocked()
}

func (h *RecoveryHandler) disconnectedBySystemLocked() bool {
	if h.state.Phase != PhaseDisconnected {
		return false
	}
	switch h.state.Source {
	case SourceSystemInitiated:
		return true
	case SourceServerInitiated:
		return ShouldAutoReconnect(h.state.ServerError)
	}
	return false
}

// scheduleReconnectLocked arms a one-shot backoff timer. Caller holds mu.
func (h *RecoveryHandler) scheduleReconnectLocked() {
	if !h.appActive || !h.networkAvailable {
		return
	}
	if h.reconnectTimer != nil {
		return
	}
	h.strategy.IncrementConsecutiveFailures()
	delay := h.strategy.NextRetryDelay()
	h.logger.Info("scheduling reconnect", zap.Duration("delay", delay),
		zap.Uint("consecutive_failures", h.strategy.ConsecutiveFailures()))
	h.reconnectTimer = h.clock.Schedule(delay, func() {
		h.mu.Lock()
		h.reconnectTimer = nil
		connect := !h.closed && h.canAutoReconnectLocked()
		h.mu.Unlock()
		if connect {
			h.socket.Connect()
		}
	})
}

func (h *RecoveryHandler) stopReconnectTimerLocked() {
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
		h.reconnectTimer = nil
	}
}

// startWatchdogLocked arms the reconnection-timeout watchdog. Caller holds mu.
func (h *RecoveryHandler) startWatchdogLocked() {
	if h.cfg.ReconnectionTimeout <= 0 || h.watchdog != nil {
		return
	}
	h.watchdog = h.clock.Schedule(h.cfg.ReconnectionTimeout, func() {
		h.mu.Lock()
		h.watchdog = nil
		fire := !h.closed
		h.mu.Unlock()
		if fire {
			h.logger.Warn("connection attempt timed out, aborting")
			h.socket.Timeout()
		}
	})
}

func (h *RecoveryHandler) stopWatchdogLocked() {
	if h.watchdog != nil {
		h.watchdog.Stop()
		h.watchdog = nil
	}
}

func (h *RecoveryHandler) publish(kind string, payload any) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(bus.Event{Kind: kind, Timestamp: h.clock.Now(), Payload: payload})
}
