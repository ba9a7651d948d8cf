package connection

import (
	"testing"
	"time"

	"github.com/mvalerio/chatsync/internal/bus"
	"github.com/mvalerio/chatsync/internal/clock"
	"github.com/mvalerio/chatsync/internal/retry"
	"go.uber.org/zap"
)

type fakeSocket struct {
	connects    int
	disconnects []Source
	timeouts    int
}

func (s *fakeSocket) Connect() { s.connects++ }

func (s *fakeSocket) Disconnect(source Source) { s.disconnects = append(s.disconnects, source) }

func (s *fakeSocket) Timeout() { s.timeouts++ }

type fakeScheduler struct {
	granted    bool
	began      int
	ended      []BackgroundTaskHandle
	expiration func()
}

func (s *fakeScheduler) BeginTask(expiration func()) (BackgroundTaskHandle, bool) {
	s.began++
	s.expiration = expiration
	return BackgroundTaskHandle(s.began), s.granted
}

func (s *fakeScheduler) EndTask(h BackgroundTaskHandle) { s.ended = append(s.ended, h) }

func newTestRecovery(cfg RecoveryHandlerConfig) (*RecoveryHandler, *fakeSocket, *fakeScheduler, *clock.Fake) {
	socket := &fakeSocket{}
	scheduler := &fakeScheduler{granted: true}
	clk := clock.NewFake()
	strategy := retry.NewStrategy(time.Second, 30*time.Second)
	h := NewRecoveryHandler(cfg, socket, scheduler, strategy, clk, bus.New(), zap.NewNop())
	return h, socket, scheduler, clk
}

func TestBackgroundWithoutKeepAliveDisconnectsOnce(t *testing.T) {
	h, socket, scheduler, _ := newTestRecovery(RecoveryHandlerConfig{KeepAliveInBackground: false})
	h.OnConnectionStateChange(Connected("c1"))

	h.OnAppEnterBackground()

	if len(socket.disconnects) != 1 || socket.disconnects[0] != SourceSystemInitiated {
		t.Fatalf("disconnects = %v, want exactly one system-initiated", socket.disconnects)
	}
	if scheduler.began != 0 {
		t.Error("background task started despite keepAlive=false")
	}
}

func TestBackgroundWithKeepAliveStaysConnected(t *testing.T) {
	h, socket, scheduler, _ := newTestRecovery(RecoveryHandlerConfig{KeepAliveInBackground: true})
	h.OnConnectionStateChange(Connected("c1"))

	h.OnAppEnterBackground()

	if len(socket.disconnects) != 0 {
		t.Fatalf("disconnects = %v, want none", socket.disconnects)
	}
	if scheduler.began != 1 {
		t.Fatalf("background tasks = %d, want 1", scheduler.began)
	}

	// Grant about to expire: disconnect and release the grant.
	scheduler.expiration()
	if len(socket.disconnects) != 1 || socket.disconnects[0] != SourceSystemInitiated {
		t.Errorf("disconnects after expiration = %v", socket.disconnects)
	}
	if len(scheduler.ended) != 1 {
		t.Errorf("ended tasks = %v, want one", scheduler.ended)
	}
}

func TestBackgroundGrantRefusedDisconnects(t *testing.T) {
	h, socket, scheduler, _ := newTestRecovery(RecoveryHandlerConfig{KeepAliveInBackground: true})
	scheduler.granted = false
	h.OnConnectionStateChange(Connected("c1"))

	h.OnAppEnterBackground()

	if len(socket.disconnects) != 1 {
		t.Errorf("disconnects = %v, want one", socket.disconnects)
	}
}

func TestForegroundEndsGrantAndReconnects(t *testing.T) {
	h, socket, scheduler, _ := newTestRecovery(RecoveryHandlerConfig{KeepAliveInBackground: true})
	h.OnConnectionStateChange(Connected("c1"))
	h.OnAppEnterBackground()
	scheduler.expiration()
	h.OnConnectionStateChange(Disconnected(SourceSystemInitiated, nil))
	// Returning to foreground schedules a direct reconnect because the
	// disconnect was system-initiated. The expiration already ended the
	// grant, so no second EndTask.
	endedBefore := len(scheduler.ended)

	h.OnAppEnterForeground()

	if socket.connects != 1 {
		t.Errorf("connects = %d, want 1", socket.connects)
	}
	if len(scheduler.ended) != endedBefore {
		t.Errorf("EndTask called again on foreground: %v", scheduler.ended)
	}
}

func TestForegroundDoesNotReconnectAfterUserDisconnect(t *testing.T) {
	h, socket, _, _ := newTestRecovery(RecoveryHandlerConfig{})
	h.OnConnectionStateChange(Connected("c1"))
	h.OnConnectionStateChange(Disconnected(SourceUserInitiated, nil))

	h.OnAppEnterBackground()
	h.OnAppEnterForeground()
	h.OnReachabilityChange(true)

	if socket.connects != 0 {
		t.Errorf("connects = %d, want 0 after user-initiated disconnect", socket.connects)
	}
}

func TestServerDisconnectSchedulesBackoffReconnect(t *testing.T) {
	h, socket, _, clk := newTestRecovery(RecoveryHandlerConfig{})
	h.OnConnectionStateChange(Connected("c1"))

	h.OnConnectionStateChange(Disconnected(SourceServerInitiated, &ServerError{Code: 500, Message: "boom"}))

	if socket.connects != 0 {
		t.Fatal("connect before backoff elapsed")
	}
	clk.Advance(time.Minute)
	if socket.connects != 1 {
		t.Errorf("connects = %d, want 1 after backoff", socket.connects)
	}
}

func TestAuthErrorDisconnectDoesNotReconnect(t *testing.T) {
	h, socket, _, clk := newTestRecovery(RecoveryHandlerConfig{})
	h.OnConnectionStateChange(Connected("c1"))

	h.OnConnectionStateChange(Disconnected(SourceServerInitiated, &ServerError{Code: CodeTokenExpired}))

	clk.Advance(time.Hour)
	if socket.connects != 0 {
		t.Errorf("connects = %d, want 0 for auth-class error", socket.connects)
	}
	if clk.Pending() != 0 {
		t.Errorf("timers pending = %d, want 0", clk.Pending())
	}
}

func TestManualConnectingCancelsScheduledReconnect(t *testing.T) {
	h, socket, _, clk := newTestRecovery(RecoveryHandlerConfig{})
	h.OnConnectionStateChange(Connected("c1"))
	h.OnConnectionStateChange(Disconnected(SourceSystemInitiated, nil))

	// A manual connect starts before the backoff timer fires.
	h.OnConnectionStateChange(State{Phase: PhaseConnecting})

	clk.Advance(time.Hour)
	if socket.connects != 0 {
		t.Errorf("scheduled reconnect fired after manual connecting: %d", socket.connects)
	}
}

func TestConnectedResetsBackoffAndMarksReceiving(t *testing.T) {
	h, _, _, _ := newTestRecovery(RecoveryHandlerConfig{})
	h.strategy.IncrementConsecutiveFailures()
	h.strategy.IncrementConsecutiveFailures()

	h.OnConnectionStateChange(Connected("c1"))

	if h.strategy.ConsecutiveFailures() != 0 {
		t.Error("failure counter not reset on connect")
	}
	if !h.IsReceivingEvents() {
		t.Error("not marked receiving events")
	}

	h.OnConnectionStateChange(Disconnected(SourceUserInitiated, nil))
	if h.IsReceivingEvents() {
		t.Error("still receiving events after disconnect")
	}
}

func TestConnectedPublishesRecoveryEvent(t *testing.T) {
	h, _, _, _ := newTestRecovery(RecoveryHandlerConfig{})
	ch, unsub := h.bus.Subscribe(bus.KindConnectionRecovered, 1)
	defer unsub()

	h.OnConnectionStateChange(Connected("c1"))

	select {
	case evt := <-ch:
		if evt.Payload != "c1" {
			t.Errorf("payload = %v, want c1", evt.Payload)
		}
	default:
		t.Fatal("no recovery event published")
	}
}

func TestWatchdogForcesTimeout(t *testing.T) {
	h, socket, _, clk := newTestRecovery(RecoveryHandlerConfig{ReconnectionTimeout: 30 * time.Second})

	h.OnConnectionStateChange(State{Phase: PhaseConnecting})
	clk.Advance(29 * time.Second)
	if socket.timeouts != 0 {
		t.Fatal("watchdog fired early")
	}
	clk.Advance(2 * time.Second)
	if socket.timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", socket.timeouts)
	}
}

func TestWatchdogStoppedOnConnect(t *testing.T) {
	h, socket, _, clk := newTestRecovery(RecoveryHandlerConfig{ReconnectionTimeout: 30 * time.Second})

	h.OnConnectionStateChange(State{Phase: PhaseConnecting})
	h.OnConnectionStateChange(Connected("c1"))

	clk.Advance(time.Hour)
	if socket.timeouts != 0 {
		t.Errorf("timeouts = %d, want 0 after successful connect", socket.timeouts)
	}
}

func TestReachabilityRestoredReconnects(t *testing.T) {
	h, socket, _, _ := newTestRecovery(RecoveryHandlerConfig{})
	h.OnConnectionStateChange(Connected("c1"))
	h.OnReachabilityChange(false)
	h.OnConnectionStateChange(Disconnected(SourceSystemInitiated, nil))

	h.OnReachabilityChange(true)

	if socket.connects != 1 {
		t.Errorf("connects = %d, want 1 on network restore", socket.connects)
	}
}

func TestCloseSilencesPendingTimers(t *testing.T) {
	h, socket, _, clk := newTestRecovery(RecoveryHandlerConfig{ReconnectionTimeout: 30 * time.Second})
	h.OnConnectionStateChange(Connected("c1"))
	h.OnConnectionStateChange(Disconnected(SourceSystemInitiated, nil))

	h.Close()
	clk.Advance(time.Hour)

	if socket.connects != 0 || socket.timeouts != 0 {
		t.Errorf("collaborator calls after Close: connects=%d timeouts=%d", socket.connects, socket.timeouts)
	}
}
