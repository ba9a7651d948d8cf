package client

import (
	"sync"

	"github.com/mvalerio/chatsync/internal/bus"
	"github.com/mvalerio/chatsync/internal/connection"
	"github.com/mvalerio/chatsync/internal/token"
	"github.com/mvalerio/chatsync/internal/transport"
	"go.uber.org/zap"
)

// glue wires the token lifecycle to the connection lifecycle: an auth-class
// server disconnect triggers a token refresh, and a successful refresh
// reconnects the socket. The recovery handler never does either itself; it
// only classifies the disconnect and stops auto-reconnecting.
type glue struct {
	tokens   *token.Handler
	socket   *transport.Socket
	recovery *connection.RecoveryHandler
	bus      *bus.Bus
	logger   *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

func newGlue(tokens *token.Handler, socket *transport.Socket, recovery *connection.RecoveryHandler, b *bus.Bus, logger *zap.Logger) *glue {
	return &glue{
		tokens:   tokens,
		socket:   socket,
		recovery: recovery,
		bus:      b,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (g *glue) start() {
	states, unsubStates := g.bus.Subscribe(bus.KindConnectionStateChanged, 16)
	updates, unsubUpdates := g.bus.Subscribe(bus.KindTokenUpdated, 16)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer unsubStates()
		defer unsubUpdates()
		for {
			select {
			case <-g.done:
				return
			case evt := <-states:
				state, ok := evt.Payload.(connection.State)
				if !ok {
					continue
				}
				if state.Phase == connection.PhaseDisconnected && connection.IsAuthError(state.ServerError) {
					g.logger.Info("auth-class disconnect, refreshing token")
					g.tokens.RefreshToken(func(_ token.Token, err error) {
						if err != nil {
							g.logger.Error("token refresh after auth disconnect failed", zap.Error(err))
						}
					})
				}
			case <-updates:
				cur := g.recovery.State()
				if cur.Phase == connection.PhaseDisconnected && cur.Source != connection.SourceUserInitiated {
					g.logger.Info("token updated while disconnected, reconnecting")
					g.socket.Connect()
				}
			}
		}
	}()
}

func (g *glue) stop() {
	close(g.done)
	g.wg.Wait()
}
