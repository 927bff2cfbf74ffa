package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"ledger_go/internal/api"
	"ledger_go/internal/bus"
	"ledger_go/internal/engine"
	"ledger_go/internal/eventlog"
	"ledger_go/internal/infra"
	"ledger_go/internal/infra/storage"
	"ledger_go/internal/ledger"
	"ledger_go/internal/projection"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config     *infra.Config
	Logger     *slog.Logger
	Metrics    *infra.Metrics
	Bus        *bus.Bus
	Log        *eventlog.Log
	Balances   *projection.Balances
	Statements *storage.Storage // nil when storage.enabled is false
	Feed       *engine.Sequencer
	Ledger     *ledger.Service
	Server     *http.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the config at path and wires the system.
func (b *Bootstrap) Initialize(path string) error {
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		return err // Let main handle the error
	}
	return b.InitializeWith(cfg)
}

// InitializeWith wires the system from an already validated config.
func (b *Bootstrap) InitializeWith(cfg *infra.Config) error {
	b.Config = cfg

	// 1. Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	slog.Info("Bootstrapping ledger...", slog.String("version", cfg.App.Version))

	b.Metrics = infra.GlobalMetrics

	// 2. Bus and event log. Listeners are registered before the first append.
	b.Bus = bus.New()
	b.Log = eventlog.New(b.Bus)

	// 3. Read models
	b.Balances = projection.NewBalances(b.Log)
	b.Balances.Register(b.Bus)

	if cfg.Storage.Enabled {
		store, err := storage.NewStorage(cfg.Storage.StatementDSN)
		if err != nil {
			return fmt.Errorf("statement store: %w", err)
		}
		b.Statements = store
		b.Statements.Register(b.Bus)
		slog.Info("Statement store initialized", slog.String("dsn", cfg.Storage.StatementDSN))
	}

	// Streams appended before the read models attached are folded in now.
	if err := b.Balances.RebuildAll(b.Log); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	// 4. Command handlers
	b.Ledger = ledger.NewService(b.Log, b.Balances, ledger.Config{
		MaxAmount:   cfg.Ledger.MaxAmount,
		MaxAttempts: cfg.Ledger.MaxAttempts,
	}, b.Logger, b.Metrics)

	// 5. Live feed
	b.Feed = engine.NewSequencer(cfg.Feed.InboxSize, cfg.Feed.HistorySize, b.Metrics)
	b.Bus.SubscribeAll("feed", b.Feed.Listener())

	// 6. HTTP
	ctrl := api.NewController(b.Ledger, b.Metrics, b.Logger)
	ctrl.Reader = b.Log
	ctrl.Feed = b.Feed
	ctrl.ClientQueue = cfg.Feed.ClientQueue
	if b.Statements != nil {
		ctrl.Statements = b.Statements
	}

	b.Server = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      ctrl.NewRouter(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	slog.Info("Ledger wired",
		slog.String("addr", cfg.Server.Addr),
		slog.String("max_amount", cfg.Ledger.MaxAmount.String()),
		slog.Int("max_attempts", cfg.Ledger.MaxAttempts))
	return nil
}

// Run starts the feed and serves HTTP until ctx is done, then shuts down.
func (b *Bootstrap) Run(ctx context.Context) error {
	go b.Feed.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", slog.String("addr", b.Server.Addr))
		if err := b.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.Config.Server.ShutdownTimeout)
	defer cancel()
	return b.Server.Shutdown(shutdownCtx)
}

// Close releases the statement store.
func (b *Bootstrap) Close() {
	if b.Statements != nil {
		if err := b.Statements.Close(); err != nil {
			slog.Error("Failed to close statement store", slog.Any("error", err))
		}
	}
	slog.Info("Final metrics", slog.Any("metrics", b.Metrics.Snapshot()))
}
