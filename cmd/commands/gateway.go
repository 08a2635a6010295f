package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/multiagents/conclave/internal/config"
	"github.com/multiagents/conclave/internal/gateway"
	"github.com/multiagents/conclave/internal/heartbeat"
	"github.com/multiagents/conclave/internal/room"
	"github.com/multiagents/conclave/internal/runner"
	"github.com/multiagents/conclave/internal/scheduler"
	"github.com/multiagents/conclave/internal/secrets"
	"github.com/multiagents/conclave/internal/storage"
)

// NewGatewayCommand returns the gateway subcommand.
func NewGatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Start the conclave gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runGateway,
	}
}

// forwardingBroadcaster lets the runner be constructed before the hub that
// implements its real Broadcaster exists: the runner talks to the stand-in,
// which starts forwarding once the hub is spliced in after NewServer runs.
type forwardingBroadcaster struct {
	mu     sync.RWMutex
	target runner.Broadcaster
}

func (f *forwardingBroadcaster) set(target runner.Broadcaster) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = target
}

func (f *forwardingBroadcaster) Broadcast(ctx context.Context, sessionID string, eventID int64, ev room.ChatEvent) (int, error) {
	f.mu.RLock()
	target := f.target
	f.mu.RUnlock()
	if target == nil {
		return 0, nil
	}
	return target.Broadcast(ctx, sessionID, eventID, ev)
}

func (f *forwardingBroadcaster) HasSubscribers(sessionID string) bool {
	f.mu.RLock()
	target := f.target
	f.mu.RUnlock()
	if target == nil {
		return false
	}
	return target.HasSubscribers(sessionID)
}

func runGateway(_ context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = &config.Config{}
		cfg.Gateway.Host = "127.0.0.1"
		cfg.Gateway.Port = 18420
	}

	logLevel := slog.LevelInfo
	if cmd.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dbPath := config.DBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create conclave home: %w", err)
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	fwd := &forwardingBroadcaster{}
	sessionRunner := runner.New(store, fwd, cfg.Runner.ToRunnerConfig())

	server := gateway.NewServer(sessionRunner, store, cfg.Gateway.Host, cfg.Gateway.Port)
	fwd.set(server.Broadcaster())

	if cfg.Secrets.Enabled {
		keyPath := cfg.Secrets.KeyPath
		if keyPath == "" {
			keyPath = secrets.KeyPath()
		}
		if err := secrets.GenerateIdentity(keyPath); err != nil {
			slog.Warn("secret encryption disabled: failed to generate age key", "error", err)
		} else if identity, err := secrets.LoadIdentity(keyPath); err != nil {
			slog.Warn("secret encryption disabled: failed to load age key", "error", err)
		} else {
			server.SetSecretEncryptor(identity.Recipient())
		}
	}

	sched := scheduler.New(store, scheduler.Config{})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	hbWriter := heartbeat.NewWriter(filepath.Join(config.ConclavePath(), "heartbeat.json"))
	hbWriter.Start()
	defer hbWriter.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
