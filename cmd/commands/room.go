package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/multiagents/conclave/internal/config"
	"github.com/multiagents/conclave/internal/protocol"
	"github.com/multiagents/conclave/internal/room"
	"github.com/multiagents/conclave/internal/runner"
	"github.com/multiagents/conclave/internal/storage"
)

// NewRoomCommand returns the room command family: a serverless way to drive
// a SessionRunner directly against a local SQLite store, for scripting and
// quick local sessions without a gateway process running.
func NewRoomCommand() *cli.Command {
	dbFlag := &cli.StringFlag{
		Name:  "db",
		Usage: "Path to the SQLite store",
		Value: config.DBPath(),
	}
	sessionFlag := &cli.StringFlag{
		Name:    "session",
		Aliases: []string{"s"},
		Usage:   "Session ID to resume (empty = new session)",
	}

	return &cli.Command{
		Name:  "room",
		Usage: "Drive a room session directly, without a running gateway",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Open an interactive foreground room session",
				Flags:  []cli.Flag{dbFlag, sessionFlag},
				Action: runRoomRun,
			},
			{
				Name:      "ask",
				Usage:     "Send one message to a local room and print the replies",
				ArgsUsage: "<message>",
				Flags:     []cli.Flag{dbFlag, sessionFlag},
				Action:    runRoomAsk,
			},
		},
	}
}

// cliBroadcaster prints ChatEvents to stdout as they arrive, resolves tool
// permission prompts interactively on stderr/stdin, and signals roundDone
// whenever a round (or the whole discussion) finishes — standing in for the
// WS subscriber loop the gateway would otherwise drive this through.
type cliBroadcaster struct {
	mu        sync.Mutex
	roundDone chan struct{}
	runner    *runner.SessionRunner
}

func newCLIBroadcaster() *cliBroadcaster {
	return &cliBroadcaster{roundDone: make(chan struct{}, 1)}
}

func (b *cliBroadcaster) Broadcast(_ context.Context, sessionID string, _ int64, ev room.ChatEvent) (int, error) {
	switch ev.Kind {
	case room.AgentStreamChunk:
		fmt.Fprint(os.Stdout, ev.Text)
	case room.AgentCompleted:
		fmt.Fprintln(os.Stdout)
		if ev.Response != nil {
			fmt.Fprintf(os.Stderr, "[%s done, %.0fms]\n", ev.AgentName, ev.Response.LatencyMs)
		}
	case room.AgentNotice:
		fmt.Fprintf(os.Stderr, "notice(%s): %s\n", ev.AgentName, ev.Text)
	case room.AgentPermissionRequested:
		go b.resolvePermission(sessionID, ev)
	case room.RoundEnded, room.DiscussionEnded:
		b.mu.Lock()
		select {
		case b.roundDone <- struct{}{}:
		default:
		}
		b.mu.Unlock()
	}
	return 1, nil
}

func (b *cliBroadcaster) resolvePermission(sessionID string, ev room.ChatEvent) {
	approved := confirmOnStderr(fmt.Sprintf("%s wants to run %s", ev.AgentName, ev.ToolName))
	b.runner.RespondToPermission(sessionID, ev.AgentName, protocol.PermissionResponse{
		RequestID: ev.RequestID,
		Approved:  approved,
	})
}

func (b *cliBroadcaster) HasSubscribers(string) bool { return true }

func openLocalRunner(dbPath string) (*storage.SQLiteStore, *runner.SessionRunner, *cliBroadcaster, error) {
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		cfg = &config.Config{}
	}
	broadcaster := newCLIBroadcaster()
	r := runner.New(store, broadcaster, cfg.Runner.ToRunnerConfig())
	broadcaster.runner = r
	return store, r, broadcaster, nil
}

func defaultPersonas(cfg *config.Config) []runner.Persona {
	if len(cfg.Agents) == 0 {
		return []runner.Persona{{Name: "claude", AgentType: "claude"}}
	}
	personas := make([]runner.Persona, len(cfg.Agents))
	for i, a := range cfg.Agents {
		personas[i] = runner.Persona{Name: a.Name, AgentType: a.AgentType, Role: a.Role, Model: a.Model}
	}
	return personas
}

func agentConfigValue(cfg *config.Config) map[string]any {
	agents := make([]map[string]any, len(cfg.Agents))
	for i, a := range cfg.Agents {
		agents[i] = map[string]any{
			"name": a.Name, "agent_type": a.AgentType, "role": a.Role, "model": a.Model,
		}
	}
	return map[string]any{"agents": agents}
}

func openOrCreateLocalSession(ctx context.Context, store *storage.SQLiteStore, sessionID, cwd string, cfg *config.Config) (string, []runner.Persona, error) {
	if sessionID != "" {
		data, err := store.GetSession(ctx, sessionID)
		if err != nil {
			return "", nil, fmt.Errorf("load session: %w", err)
		}
		if data != nil {
			return sessionID, defaultPersonas(cfg), nil
		}
	}

	sessionID = uuid.New().String()
	if err := store.SaveSessionConfig(ctx, sessionID, cwd, agentConfigValue(cfg)); err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}
	return sessionID, defaultPersonas(cfg), nil
}

func runRoomAsk(ctx context.Context, cmd *cli.Command) error {
	message := cmd.Args().First()
	if message == "" {
		return fmt.Errorf("usage: conclave room ask <message>")
	}

	store, r, broadcaster, err := openLocalRunner(cmd.String("db"))
	if err != nil {
		return err
	}
	defer store.Close()

	cfg, _ := config.Load(config.ConfigPath())
	if cfg == nil {
		cfg = &config.Config{}
	}

	cwd, _ := os.Getwd()
	sessionID, personas, err := openOrCreateLocalSession(ctx, store, cmd.String("session"), cwd, cfg)
	if err != nil {
		return err
	}
	if cmd.String("session") == "" {
		fmt.Fprintf(os.Stderr, "session: %s\n", sessionID)
	}

	r.RunPrompt(sessionID, message, personas, 0)

	select {
	case <-broadcaster.roundDone:
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timed out waiting for the round to finish")
	}
	return nil
}

func runRoomRun(ctx context.Context, cmd *cli.Command) error {
	store, r, broadcaster, err := openLocalRunner(cmd.String("db"))
	if err != nil {
		return err
	}
	defer store.Close()

	cfg, _ := config.Load(config.ConfigPath())
	if cfg == nil {
		cfg = &config.Config{}
	}

	cwd, _ := os.Getwd()
	sessionID, personas, err := openOrCreateLocalSession(ctx, store, cmd.String("session"), cwd, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "session: %s (ctrl-d to quit)\n", sessionID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			return nil
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		if r.IsRunning(sessionID) {
			r.InjectMessage(sessionID, text)
			continue
		}
		r.RunPrompt(sessionID, text, personas, 0)

		select {
		case <-broadcaster.roundDone:
		case <-time.After(10 * time.Minute):
			fmt.Fprintln(os.Stderr, "round timed out")
		}
	}
}
