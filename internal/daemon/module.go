// Package daemon composes the components into the fx application.
package daemon

import (
	"context"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/andrelcm/zapkeeper/internal/api"
	"github.com/andrelcm/zapkeeper/internal/bus"
	"github.com/andrelcm/zapkeeper/internal/config"
	"github.com/andrelcm/zapkeeper/internal/conn"
	"github.com/andrelcm/zapkeeper/internal/creds"
	"github.com/andrelcm/zapkeeper/internal/lifecycle"
	"github.com/andrelcm/zapkeeper/internal/lock"
	"github.com/andrelcm/zapkeeper/internal/logging"
	"github.com/andrelcm/zapkeeper/internal/status"
	"github.com/andrelcm/zapkeeper/internal/store"
	"github.com/andrelcm/zapkeeper/internal/wa"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideDB,
			provideRecords,
			provideAdapter,
			provideFactory,
			provideController,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	return p.Config
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), cfg.SessionID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", cfg.SessionID))
	l, err := lock.Acquire(cfg.SessionDir(), cfg.SessionID)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideDB(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.RecordsDBPath())
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
	logger.Info("record store initialized", zap.String("path", cfg.RecordsDBPath()))
	return db, nil
}

func provideRecords(db *store.DB) store.Records {
	return store.NewRecords(db)
}

func provideAdapter(cfg *config.Config, records store.Records, logger *zap.Logger) *creds.Adapter {
	return creds.NewAdapter(cfg.SessionID, records, logger)
}

func provideFactory(cfg *config.Config, logger *zap.Logger) conn.Factory {
	return wa.NewFactory(cfg.ProtocolDBPath(), logger)
}

func provideController(f conn.Factory, adapter *creds.Adapter, machine *status.Machine, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *lifecycle.Controller {
	return lifecycle.New(f, adapter, machine, b, logger, lifecycle.Backoff{
		Min: cfg.MinBackoff(),
		Max: cfg.MaxBackoff(),
	})
}

func provideServer(cfg *config.Config, ctrl *lifecycle.Controller, logger *zap.Logger) *api.Server {
	return api.NewServer(cfg.HTTPAddr, ctrl, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *api.Server, lk *lock.Lock, ctrl *lifecycle.Controller, b *bus.Bus, logger *zap.Logger, db *store.DB) {
	stopWatch := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go watchEvents(b, logger, stopWatch)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("HTTP server error", zap.Error(err))
				}
			}()

			ctrl.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			ctrl.Stop()
			close(stopWatch)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing record store", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// watchEvents renders pairing challenges as terminal QR codes and logs
// terminal logouts with recovery guidance.
func watchEvents(b *bus.Bus, logger *zap.Logger, stop <-chan struct{}) {
	events, unsub := b.Subscribe("conn.", 16)
	defer unsub()

	for {
		select {
		case evt := <-events:
			switch evt.Topic {
			case "conn.pairing":
				payload, _ := evt.Data.(string)
				qr, err := qrcode.New(payload, qrcode.Medium)
				if err != nil {
					logger.Error("QR render failed", zap.Error(err))
					continue
				}
				fmt.Println("Scan the QR code to pair this device:")
				fmt.Println(qr.ToSmallString(false))
			case "conn.logged_out":
				logger.Warn("session logged out; delete it with 'zapkeeperctl logout --purge' and restart to re-pair")
			}
		case <-stop:
			return
		}
	}
}
