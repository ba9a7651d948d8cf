// Package transport implements the backend-facing collaborators the sync
// core is specified against: a WebSocket event socket, an HTTP message API,
// and an HTTP file uploader.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/mvalerio/chatsync/internal/connection"
	"github.com/mvalerio/chatsync/internal/event"
	"github.com/mvalerio/chatsync/internal/token"
	"go.uber.org/zap"
)

const (
	dialTimeout  = 15 * time.Second
	pingInterval = 25 * time.Second
	readLimit    = 4 * 1024 * 1024
)

// Socket is the event-stream connection. It dials with the current auth
// token, reports lifecycle transitions to a state listener, and feeds every
// received batch through the decoder into the applier.
type Socket struct {
	url     string
	tokens  *token.Handler
	decoder *event.Decoder
	applier *event.Applier
	logger  *zap.Logger

	mu      sync.Mutex
	active  bool
	conn    *websocket.Conn
	cancel  context.CancelFunc
	onState func(connection.State)

	wg sync.WaitGroup
}

// NewSocket creates a socket client for the given WebSocket URL.
func NewSocket(url string, tokens *token.Handler, decoder *event.Decoder, applier *event.Applier, logger *zap.Logger) *Socket {
	return &Socket{
		url:     url,
		tokens:  tokens,
		decoder: decoder,
		applier: applier,
		logger:  logger,
	}
}

// SetStateListener installs the callback receiving every state transition.
// Must be called before Connect.
func (s *Socket) SetStateListener(fn func(connection.State)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// Connect starts a connection attempt. The attempt proceeds asynchronously;
// progress is reported through the state listener. Calling Connect while a
// connection is active or in flight is a no-op.
func (s *Socket) Connect() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.report(connection.State{Phase: connection.PhaseConnecting})
	s.wg.Add(1)
	go s.run(ctx)
}

// Disconnect tears the connection down and reports a disconnect with the
// given source. Idempotent.
func (s *Socket) Disconnect(source connection.Source) {
	if !s.teardown() {
		return
	}
	s.report(connection.Disconnected(source, nil))
}

// Timeout aborts the in-flight connection attempt so the recovery handler
// can schedule a fresh one.
func (s *Socket) Timeout() {
	if !s.teardown() {
		return
	}
	s.logger.Warn("connection attempt timed out")
	s.report(connection.Disconnected(connection.SourceSystemInitiated, nil))
}

// Close tears the socket down without reporting; used on shutdown after the
// listener is gone.
func (s *Socket) Close() {
	s.teardown()
	s.wg.Wait()
}

// teardown deactivates the socket and closes the underlying connection.
// Returns false when there was nothing to tear down, which also tells the
// read loop its error was caused by an intentional local close.
func (s *Socket) teardown() bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	s.active = false
	conn, cancel := s.conn, s.cancel
	s.conn, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return true
}

func (s *Socket) run(ctx context.Context) {
	defer s.wg.Done()

	tok, err := s.waitToken(ctx)
	if err != nil {
		if s.teardown() {
			s.logger.Warn("no auth token for connection", zap.Error(err))
			s.report(connection.Disconnected(connection.SourceSystemInitiated, nil))
		}
		return
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + tok.RawValue}},
	})
	cancelDial()
	if err != nil {
		if s.teardown() {
			s.logger.Warn("dial failed", zap.Error(err))
			s.report(connection.Disconnected(connection.SourceSystemInitiated, nil))
		}
		return
	}
	conn.SetReadLimit(readLimit)

	s.mu.Lock()
	if !s.active {
		// Torn down while dialing.
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.report(connection.State{Phase: connection.PhaseWaitingForConnectionID})

	s.wg.Add(1)
	go s.keepAlive(ctx, conn)
	s.readLoop(ctx, conn)
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	connected := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !s.teardown() {
				// Intentional local close, already reported.
				return
			}
			src, serverErr := classifyClose(err)
			s.logger.Warn("connection lost", zap.Error(err))
			s.report(connection.Disconnected(src, serverErr))
			return
		}

		events := s.decoder.DecodeBatch(data)
		if !connected {
			for _, evt := range events {
				if hc, ok := evt.(event.HealthCheckEvent); ok {
					connected = true
					s.report(connection.Connected(hc.ConnectionID))
					break
				}
			}
		}
		s.applier.ApplyBatch(events)
	}
}

func (s *Socket) keepAlive(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// waitToken returns a usable token, triggering a refresh when none is held.
func (s *Socket) waitToken(ctx context.Context) (token.Token, error) {
	cur := s.tokens.CurrentToken()
	if !cur.IsZero() && !cur.IsExpired(time.Now()) {
		return cur, nil
	}

	type result struct {
		tok token.Token
		err error
	}
	ch := make(chan result, 1)
	s.tokens.RefreshToken(func(tok token.Token, err error) {
		ch <- result{tok, err}
	})
	select {
	case r := <-ch:
		return r.tok, r.err
	case <-ctx.Done():
		return token.Token{}, ctx.Err()
	}
}

func (s *Socket) report(state connection.State) {
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// classifyClose maps a read error to a disconnect source. Application close
// codes in the 4000 range carry a server error code in their low digits;
// anything else is a transport-level failure.
func classifyClose(err error) (connection.Source, error) {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return connection.SourceSystemInitiated, nil
	}
	if ce.Code >= 4000 && ce.Code < 5000 {
		return connection.SourceServerInitiated, &connection.ServerError{
			Code:    int(ce.Code) - 4000,
			Message: ce.Reason,
		}
	}
	return connection.SourceServerInitiated, nil
}
