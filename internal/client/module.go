// Package client assembles the sync core into a runnable fx application:
// session sandbox, local store, token lifecycle, connection recovery, event
// ingestion, and the outbound workers.
package client

import (
	"context"
	"os"
	"time"

	"github.com/mvalerio/chatsync/internal/bus"
	"github.com/mvalerio/chatsync/internal/clock"
	"github.com/mvalerio/chatsync/internal/config"
	"github.com/mvalerio/chatsync/internal/connection"
	"github.com/mvalerio/chatsync/internal/event"
	"github.com/mvalerio/chatsync/internal/lock"
	"github.com/mvalerio/chatsync/internal/logging"
	"github.com/mvalerio/chatsync/internal/outbound"
	"github.com/mvalerio/chatsync/internal/retry"
	"github.com/mvalerio/chatsync/internal/session"
	"github.com/mvalerio/chatsync/internal/store"
	"github.com/mvalerio/chatsync/internal/token"
	"github.com/mvalerio/chatsync/internal/transport"
	"github.com/mvalerio/chatsync/internal/upload"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("client",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideClock,
			provideConfig,
			provideLock,
			provideStore,
			provideTokens,
			provideRegistry,
			provideDecoder,
			provideApplier,
			provideSocket,
			provideSocketClient,
			provideRecovery,
			provideReachability,
			provideAPIClient,
			provideMessageAPI,
			provideUploadTransport,
			provideUploader,
			provideSender,
			provideEditor,
			NewClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.System()
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := session.ConfigPath(p.SessionName)
	cfg, err := config.Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = config.Default()
		if err := config.Save(path, cfg); err != nil {
			return nil, err
		}
		logger.Info("wrote default config", zap.String("path", path))
	}
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTokens(cfg *config.Config, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *token.Handler {
	return token.NewHandler(token.HandlerConfig{
		Flow: token.RefreshFlowConfig{
			AttemptTimeout:  cfg.TokenAttemptTimeout(),
			MaximumAttempts: cfg.Token.MaximumAttempts,
		},
		RetryBaseDelay: cfg.RetryBaseDelay(),
		RetryMaxDelay:  cfg.RetryMaxDelay(),
	}, clk, b, logger)
}

func provideRegistry() *event.Registry {
	return event.NewRegistry()
}

func provideDecoder(r *event.Registry, logger *zap.Logger) *event.Decoder {
	return event.NewDecoder(r, logger)
}

func provideApplier(db *store.DB, b *bus.Bus, logger *zap.Logger) *event.Applier {
	return event.NewApplier(db, b, logger)
}

func provideSocket(cfg *config.Config, tokens *token.Handler, d *event.Decoder, a *event.Applier, logger *zap.Logger) *transport.Socket {
	return transport.NewSocket(cfg.WebSocketURL, tokens, d, a, logger)
}

func provideSocketClient(s *transport.Socket) connection.SocketClient {
	return s
}

func provideRecovery(cfg *config.Config, socket connection.SocketClient, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *connection.RecoveryHandler {
	return connection.NewRecoveryHandler(connection.RecoveryHandlerConfig{
		KeepAliveInBackground: cfg.KeepAliveInBackground,
		ReconnectionTimeout:   cfg.ReconnectionTimeout(),
	}, socket, connection.NoBackgroundScheduler{}, retry.NewStrategy(cfg.RetryBaseDelay(), cfg.RetryMaxDelay()), clk, b, logger)
}

func provideReachability() connection.ReachabilityMonitor {
	return connection.NoReachabilityMonitor{}
}

func provideAPIClient(cfg *config.Config, tokens *token.Handler, logger *zap.Logger) *transport.Client {
	return transport.NewClient(cfg.APIURL, tokens, logger)
}

func provideMessageAPI(c *transport.Client) outbound.MessageAPI {
	return c
}

func provideUploadTransport(cfg *config.Config, tokens *token.Handler, logger *zap.Logger) upload.Transport {
	return transport.NewUploader(cfg.APIURL, tokens, logger)
}

func provideUploader(p Params, cfg *config.Config, db *store.DB, b *bus.Bus, tr upload.Transport, logger *zap.Logger) *upload.QueueUploader {
	return upload.NewQueueUploader(db, b, tr, upload.Config{
		StagingDir:       session.StagingDir(p.SessionName),
		Concurrency:      cfg.Upload.Concurrency,
		MinProgressDelta: cfg.Upload.MinProgressDelta,
	}, logger)
}

func provideSender(db *store.DB, b *bus.Bus, api outbound.MessageAPI, logger *zap.Logger) *outbound.MessageSender {
	return outbound.NewMessageSender(db, b, api, logger)
}

func provideEditor(db *store.DB, b *bus.Bus, api outbound.MessageAPI, logger *zap.Logger) *outbound.MessageEditor {
	return outbound.NewMessageEditor(db, b, api, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	cfg *config.Config,
	lk *lock.Lock,
	db *store.DB,
	b *bus.Bus,
	tokens *token.Handler,
	decoder *event.Decoder,
	applier *event.Applier,
	api *transport.Client,
	socket *transport.Socket,
	recovery *connection.RecoveryHandler,
	reachability connection.ReachabilityMonitor,
	uploader *upload.QueueUploader,
	sender *outbound.MessageSender,
	editor *outbound.MessageEditor,
	c *Client,
	logger *zap.Logger,
) {
	glue := newGlue(tokens, socket, recovery, b, logger)
	resync := newResyncer(db, decoder, applier, api.EventsSince, b, logger)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Mirror store change notifications onto the bus so embedding
			// applications can observe local writes.
			db.AddChangeHook(func(kind string) {
				b.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
			})

			socket.SetStateListener(recovery.OnConnectionStateChange)
			reachability.Start(recovery.OnReachabilityChange)
			glue.start()
			resync.start()

			if cfg.UserID != "" {
				tokens.SetConnectionProvider(token.ConnectionProvider{
					UserID: cfg.UserID,
					Fetch:  transport.NewTokenFetcher(cfg.APIURL, logger),
				})
			} else {
				logger.Warn("no user_id configured, session runs offline")
			}

			if err := uploader.Start(context.Background()); err != nil {
				return err
			}
			if err := sender.Start(context.Background()); err != nil {
				return err
			}
			if err := editor.Start(context.Background()); err != nil {
				return err
			}

			if cfg.UserID != "" && cfg.WebSocketURL != "" {
				c.Connect()
			}
			logger.Info("client started", zap.String("session", p.SessionName))
			return nil
		},
		OnStop: func(_ context.Context) error {
			reachability.Stop()
			recovery.Close()
			socket.Close()
			sender.Stop()
			editor.Stop()
			uploader.Stop()
			resync.stop()
			glue.stop()
			tokens.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
