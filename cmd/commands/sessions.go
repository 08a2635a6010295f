package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/multiagents/conclave/internal/config"
	"github.com/multiagents/conclave/internal/storage"
)

// NewSessionsCommand returns the sessions subcommand.
func NewSessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "Manage conclave sessions",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all sessions",
				Action: runSessionsList,
			},
			{
				Name:      "show",
				Usage:     "Show messages in a session",
				ArgsUsage: "<session_id>",
				Action:    runSessionsShow,
			},
		},
		DefaultCommand: "list",
	}
}

func openSessionStore() (*storage.SQLiteStore, error) {
	return storage.NewSQLiteStore(config.DBPath())
}

func runSessionsList(ctx context.Context, _ *cli.Command) error {
	store, err := openSessionStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	list, err := store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRUNNING\tMESSAGES\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%v\t%d\t%s\n",
			s.ID,
			s.Running,
			s.MessageCount,
			s.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func runSessionsShow(ctx context.Context, cmd *cli.Command) error {
	sessionID := cmd.Args().First()
	if sessionID == "" {
		return fmt.Errorf("usage: conclave sessions show <session_id>")
	}

	store, err := openSessionStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	msgs, err := store.GetMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	if len(msgs) == 0 {
		fmt.Println("No messages in this session.")
		return nil
	}

	for _, m := range msgs {
		fmt.Printf("[round %d] %s: %s\n", m.Round, m.Role, m.Content)
	}
	return nil
}
