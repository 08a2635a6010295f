package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	wsclient "github.com/multiagents/conclave/clients/ws"
	wsprotocol "github.com/multiagents/conclave/internal/gateway/ws"
)

// NewAskCommand returns the ask subcommand.
func NewAskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send a message to a room and print the replies",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "gateway",
				Usage: "Gateway WebSocket URL",
				Value: "ws://127.0.0.1:18420/api/ws",
			},
			&cli.StringFlag{
				Name:    "session",
				Aliases: []string{"s"},
				Usage:   "Session ID to resume (empty = new session)",
			},
			&cli.BoolFlag{
				Name:    "dangerously-accept-all",
				Aliases: []string{"y"},
				Usage:   "Auto-approve all tool-permission prompts",
			},
			&cli.IntFlag{
				Name:  "timeout",
				Usage: "Response timeout in seconds",
				Value: 120,
			},
		},
		Action: runAsk,
	}
}

func runAsk(_ context.Context, cmd *cli.Command) error {
	message := cmd.Args().First()
	if message == "" {
		return fmt.Errorf("usage: conclave ask <message>")
	}

	gatewayURL := cmd.String("gateway")
	sessionFlag := cmd.String("session")
	acceptAll := cmd.Bool("dangerously-accept-all")

	timeoutSecs := cmd.Int("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	client, err := wsclient.Dial(ctx, gatewayURL)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer client.Close()

	cwd, _ := os.Getwd()
	var sid string
	if sessionFlag == "" {
		sid, err = client.CreateSession(cwd, nil)
	} else {
		sid, err = client.JoinSession(sessionFlag, 0)
	}
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	if sessionFlag == "" {
		fmt.Fprintf(os.Stderr, "session: %s\n", sid)
	}

	if err := client.SendMessage(message); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return streamRoomReplies(ctx, client, acceptAll)
}

// streamRoomReplies reads frames until the round that answers the message
// ends, printing each agent's reply and resolving permission prompts either
// interactively or by auto-approving, depending on acceptAll.
func streamRoomReplies(ctx context.Context, client *wsclient.Client, acceptAll bool) error {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("timeout waiting for response")
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if frame.Type != wsprotocol.FrameTypeEvent || len(frame.Event) == 0 {
			continue
		}

		ev, err := decodeWireEvent(frame)
		if err != nil {
			continue
		}

		switch ev.Type {
		case "agent_completed":
			fmt.Fprintf(os.Stdout, "%s: %s\n", ev.Agent, wireResponseText(ev))

		case "agent_permission_requested":
			approved := acceptAll
			if !acceptAll {
				approved = confirmOnStderr(fmt.Sprintf("%s wants to run %s", ev.Agent, ev.ToolName))
			}
			if err := client.RespondToPrompt(ev.RequestID, approved); err != nil {
				fmt.Fprintf(os.Stderr, "warning: send permission response: %v\n", err)
			}

		case "round_ended":
			return nil

		case "discussion_ended":
			return nil
		}
	}
}

func confirmOnStderr(label string) bool {
	fmt.Fprintf(os.Stderr, "\n%s [y/N] ", label)
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
	return false
}
