package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nextmesh/meshgate/internal/accounts"
	"github.com/nextmesh/meshgate/internal/config"
	"github.com/nextmesh/meshgate/internal/gateway"
	"github.com/nextmesh/meshgate/internal/store/sqlite"
	"github.com/nextmesh/meshgate/internal/telemetry"
)

// pipeline is the reply backend admitted messages are handed to. Embedding
// programs call SetPipeline before Execute; without one the gateway echoes
// so radio paths can be verified end to end.
var pipeline gateway.Pipeline

// SetPipeline installs the reply pipeline the gateway forwards to.
func SetPipeline(p gateway.Pipeline) {
	pipeline = p
}

func activePipeline() gateway.Pipeline {
	if pipeline != nil {
		return pipeline
	}
	return gateway.PipelineFunc(func(ctx context.Context, msg *gateway.Context, deliver gateway.DeliverFunc) error {
		return deliver(ctx, "echo: "+msg.Body)
	})
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	pairingStore := sqlite.NewPairingStore(db)
	activityStore := sqlite.NewActivityStore(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, slog.Default())
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer shutdownTelemetry(context.Background())
	}

	registry := gateway.NewSendRegistry()
	pipe := activePipeline()

	reload := make(chan *config.Config, 1)
	stopWatch, err := config.Watch(slog.Default(), func(fresh *config.Config) {
		select {
		case reload <- fresh:
		default:
		}
	})
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	slog.Info("meshgate starting", "version", Version, "config", config.Path())

	for {
		wait := startAccounts(ctx, cfg, registry, pairingStore, activityStore, pipe)
		select {
		case <-ctx.Done():
			wait()
			slog.Info("meshgate stopped")
			return
		case fresh := <-reload:
			slog.Info("restarting accounts after config change")
			cfg.ReplaceFrom(fresh)
			wait()
		}
	}
}

// startAccounts launches a monitor per runnable enabled account and returns
// a func that cancels them and waits for all to exit.
func startAccounts(ctx context.Context, cfg *config.Config, registry *gateway.SendRegistry, pairing *sqlite.PairingStore, activity *sqlite.ActivityStore, pipe gateway.Pipeline) func() {
	runCtx, cancel := context.WithCancel(ctx)
	g := new(errgroup.Group)

	started := 0
	for _, acct := range accounts.RunnableAccounts(cfg.Channels.Meshtastic) {
		if !acct.Enabled {
			slog.Info("account disabled", "account", acct.ID)
			continue
		}
		mon, err := gateway.NewMonitor(acct, gateway.MonitorOptions{
			Log:      slog.Default(),
			Registry: registry,
			Pairing:  pairing,
			Activity: activity,
			Pipeline: pipe,
			Commands: cfg.Commands,
		})
		if err != nil {
			if errors.Is(err, gateway.ErrNotConfigured) {
				slog.Info("account not configured, skipping", "account", acct.ID)
			} else {
				slog.Error("monitor setup failed", "account", acct.ID, "error", err)
			}
			continue
		}
		id := acct.ID
		g.Go(func() error {
			if err := mon.Run(runCtx); err != nil {
				slog.Error("monitor exited", "account", id, "error", err)
				return err
			}
			return nil
		})
		started++
	}
	if started == 0 {
		slog.Warn("no runnable accounts, configure a transport", "config", config.Path())
	}

	return func() {
		cancel()
		_ = g.Wait()
	}
}

func openStore(cfg *config.Config) (*sqlite.DB, error) {
	path := cfg.Store.Path
	if path == "" {
		dir, err := config.Dir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "meshgate.db")
	} else {
		path = config.ExpandHome(path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	return sqlite.Open(path)
}
