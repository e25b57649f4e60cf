package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trading_sim/internal/domain"
	"trading_sim/internal/engine"
	"trading_sim/internal/execution"
	"trading_sim/internal/infra"
	"trading_sim/internal/infra/feed"
	"trading_sim/internal/infra/ledger"
	"trading_sim/internal/infra/storage"

	"github.com/shopspring/decimal"
)

const (
	shutdownTimeout = 5 * time.Second
	stateDumpFile   = "engine_state_dump.json"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Storage *storage.Storage
	Ledger  domain.Ledger
	Engine  *engine.Engine
	Hub     *feed.Hub
	Server  *feed.Server
	Metrics *infra.Metrics
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{Metrics: infra.GlobalMetrics}
}

// Initialize loads config and builds every component without starting any.
func (b *Bootstrap) Initialize(configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("Bootstrapping trading simulator",
		slog.String("version", cfg.App.Version),
		slog.String("ledger_mode", cfg.Ledger.Mode),
	)

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	b.Storage = store
	slog.Info("Database initialized")

	b.Ledger = b.newLedger()

	b.Hub = feed.NewHub(b.Metrics)
	eng, err := engine.New(engine.Options{
		Ledger:  b.Ledger,
		UserID:  cfg.Ledger.UserID,
		Symbols: cfg.Engine.Symbols,
		Metrics: b.Metrics,
		Journal: store,
		Prefs:   store,
		OnUpdate: func(snap engine.Snapshot) {
			b.Hub.Publish("snapshot", snap)
		},
	})
	if err != nil {
		store.Close()
		return err
	}
	b.Engine = eng

	if cfg.Feed.Enabled {
		b.Server = feed.NewServer(cfg.Feed.ListenAddr, eng, b.Hub, store, b.Metrics)
	}
	return nil
}

func (b *Bootstrap) newLedger() domain.Ledger {
	cfg := b.Config
	if cfg.Ledger.Mode == infra.LedgerModePaper {
		paper := execution.NewPaperLedger(nil, nil)
		if cfg.Ledger.UserID != execution.DefaultUserID {
			paper.AddUser(domain.Account{
				ID:       cfg.Ledger.UserID,
				Username: "demo",
				Balance:  decimal.NewFromInt(10000),
			})
		}
		slog.Info("Using in-memory paper ledger")
		return paper
	}

	slog.Info("Using HTTP ledger", slog.String("base_url", cfg.Ledger.BaseURL))
	return ledger.NewClient(cfg.Ledger.BaseURL, cfg.LedgerTimeout(), cfg.Ledger.MaxAttempts,
		ledger.WithMetrics(b.Metrics),
	)
}

// Run starts the engine and the feed server, then blocks until ctx is done.
func (b *Bootstrap) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	if b.Server != nil {
		go func() {
			errCh <- b.Server.Run()
		}()
	}

	if err := b.Engine.Start(ctx, b.Config.Engine.DefaultSymbol); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	slog.InfoContext(ctx, "Trading simulator operational. Press Ctrl+C to exit.",
		slog.String("symbol", b.Engine.CurrentSymbol()),
	)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("feed server: %w", err)
		}
		<-ctx.Done()
		return nil
	}
}

// Shutdown stops every component in reverse start order.
func (b *Bootstrap) Shutdown() error {
	slog.Info("Shutting down gracefully...")

	var errs []error
	if b.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, b.Server.Shutdown(ctx))
		cancel()
	} else if b.Hub != nil {
		b.Hub.Close()
	}
	if b.Engine != nil {
		b.Engine.Stop()
		b.Engine.DumpState(stateDumpFile)
	}
	if b.Storage != nil {
		errs = append(errs, b.Storage.Close())
	}
	return errors.Join(errs...)
}
