package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/multiagents/conclave/clients/tui/components"
	wsclient "github.com/multiagents/conclave/clients/ws"
)

// App is the main TUI application model.
// Architecture: CHAT | INPUT_ZONE | FOOTER
type App struct {
	// Components
	header    *components.Header
	chat      *components.Chat
	inputZone *components.InputZone

	// State
	width    int
	height   int
	quitting bool

	streamingAgent   string
	streamingContent string

	// Current permission request awaiting a response
	currentRequestID string

	// Dependencies
	client    *wsclient.Client
	sessionID string
}

// NewApp creates a new TUI application.
func NewApp(client *wsclient.Client, sessionID string) *App {
	return &App{
		header:    components.NewHeader(),
		chat:      components.NewChat(),
		inputZone: components.NewInputZone(),
		client:    client,
		sessionID: sessionID,
	}
}

// Init initializes the application.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.inputZone.Init(), a.inputZone.Focus())
}

// Update handles messages and updates state.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.updateSizes()
		if a.inputZone.Mode() == components.ModeChat {
			cmds = append(cmds, a.inputZone.Focus())
		}

	case tea.KeyMsg:
		// Drop unparsed SGR mouse escape sequence fragments.
		if msg.Type == tea.KeyRunes && isMouseEscapeFragment(string(msg.Runes)) {
			return a, nil
		}

		switch msg.String() {
		case "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		case "ctrl+l":
			a.chat.Clear()
			return a, nil
		case "pgup", "pgdown":
			var chatCmd tea.Cmd
			a.chat, chatCmd = a.chat.Update(msg)
			cmds = append(cmds, chatCmd)
			return a, tea.Batch(cmds...)
		}

		var cmd tea.Cmd
		a.inputZone, cmd = a.inputZone.Update(msg)
		cmds = append(cmds, cmd)

	case tea.MouseMsg:
		var chatCmd tea.Cmd
		a.chat, chatCmd = a.chat.Update(msg)
		cmds = append(cmds, chatCmd)

	case components.InputResult:
		cmds = append(cmds, a.handleInputResult(msg))

	// --- room WS messages ---

	case AgentStreamMsg:
		a.flushStreamIfAgentChanged(msg.Agent)
		a.streamingAgent = msg.Agent
		a.streamingContent += msg.Content
		a.chat.SetThinking(false)
		a.chat.SetStreaming(fmt.Sprintf("%s: %s", msg.Agent, a.streamingContent))

	case AgentMessageMsg:
		a.flushStreamIfAgentChanged(msg.Agent)
		if msg.Error != "" {
			a.chat.CompleteInteractionWithError(fmt.Sprintf("%s: %s", msg.Agent, msg.Error))
		} else if msg.Content != "" {
			a.chat.AddMessage(msg.Agent, msg.Content)
		}
		a.streamingAgent = ""
		a.streamingContent = ""
		cmds = append(cmds, a.inputZone.Focus())
		return a, tea.Batch(cmds...)

	case AgentNoticeMsg:
		a.chat.AddMessage(msg.Agent, msg.Content)

	case RoundMsg:
		a.handleRound(msg)

	case PermissionRequestMsg:
		a.handlePermissionRequest(msg)

	case ConnectedMsg:
		if msg.Client != nil {
			a.client = msg.Client
		}
		a.sessionID = msg.SessionID

	case DisconnectedMsg:
		a.chat.AddMessage("system", fmt.Sprintf("disconnected: %v", msg.Err))

	case sendErrorMsg:
		a.chat.AddMessage("system", fmt.Sprintf("send error: %v", msg.err))
		return a, nil
	}

	// Fallthrough: always update chat to handle viewport/framework messages
	var chatCmd tea.Cmd
	a.chat, chatCmd = a.chat.Update(msg)
	cmds = append(cmds, chatCmd)

	return a, tea.Batch(cmds...)
}

// View renders the application: CHAT | INPUT | FOOTER.
func (a *App) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		a.chat.View(),
		a.inputZone.View(),
		a.header.View(),
	)
}

func (a *App) updateSizes() {
	footerHeight := 1
	inputHeight := a.inputHeightForMode(a.inputZone.Mode())

	chatHeight := a.height - footerHeight - inputHeight
	if chatHeight < 5 {
		chatHeight = 5
	}

	a.header.SetWidth(a.width)
	a.chat.SetSize(a.width, chatHeight)
	a.inputZone.SetSize(a.width, inputHeight)
}

func (a *App) inputHeightForMode(mode components.InputMode) int {
	switch mode {
	case components.ModeChat:
		return 3
	case components.ModeConfirm:
		return 7
	default:
		return 3
	}
}

// flushStreamIfAgentChanged finalizes a pending streamed chunk when a
// different agent starts talking, so replies from two agents in the same
// round never get concatenated into one bubble.
func (a *App) flushStreamIfAgentChanged(agent string) {
	if a.streamingAgent != "" && a.streamingAgent != agent {
		a.chat.AddMessage(a.streamingAgent, a.streamingContent)
		a.streamingContent = ""
	}
}

func (a *App) handleRound(msg RoundMsg) {
	switch msg.Kind {
	case "started":
		a.chat.AddMessage("system", fmt.Sprintf("round %d: %s", msg.Round, strings.Join(msg.Agents, ", ")))
		a.chat.SetThinking(true)
	case "ended":
		a.chat.SetThinking(false)
	case "paused":
		a.chat.AddMessage("system", fmt.Sprintf("round %d paused", msg.Round))
	case "discussion_ended":
		a.chat.AddMessage("system", fmt.Sprintf("discussion ended: %s", msg.Reason))
	}
}

// handleInputResult processes input from InputZone and bridges to WS.
func (a *App) handleInputResult(result components.InputResult) tea.Cmd {
	if result.Cancelled {
		if a.currentRequestID != "" {
			id := a.currentRequestID
			a.currentRequestID = ""
			a.inputZone.Reset()
			a.updateSizes()
			return tea.Batch(a.inputZone.Focus(), a.sendPermissionDenial(id))
		}
		a.inputZone.Reset()
		a.updateSizes()
		return a.inputZone.Focus()
	}

	switch result.Mode {
	case components.ModeChat:
		text := result.Text
		if strings.HasPrefix(text, "/") {
			return a.handleSlashCommand(text)
		}

		a.chat.StartInteraction(text)
		a.chat.SetThinking(true)

		client := a.client
		return func() tea.Msg {
			if err := client.SendMessage(text); err != nil {
				return sendErrorMsg{err: err}
			}
			return nil
		}

	case components.ModeConfirm:
		id := a.currentRequestID
		if result.ResumeToken != "" {
			id = result.ResumeToken
		}
		a.currentRequestID = ""
		a.updateSizes()

		if result.Confirmed {
			a.chat.SetThinking(true)
		}

		client := a.client
		approved := result.Confirmed
		return func() tea.Msg {
			if err := client.RespondToPrompt(id, approved); err != nil {
				return sendErrorMsg{err: err}
			}
			return nil
		}
	}

	return nil
}

func (a *App) handlePermissionRequest(msg PermissionRequestMsg) {
	a.chat.SetThinking(false)
	a.currentRequestID = msg.RequestID

	label := msg.Description
	if label == "" {
		label = fmt.Sprintf("%s wants to run %s", msg.Agent, msg.ToolName)
	}
	a.chat.AddToolCall(msg.ToolName, components.FormatArguments(msg.ToolInput))
	a.inputZone.PromptConfirm(label, msg.RequestID)
	a.updateSizes()
}

func (a *App) sendPermissionDenial(requestID string) tea.Cmd {
	client := a.client
	return func() tea.Msg {
		if err := client.RespondToPrompt(requestID, false); err != nil {
			return sendErrorMsg{err: err}
		}
		return nil
	}
}

// handleSlashCommand processes slash commands.
func (a *App) handleSlashCommand(cmd string) tea.Cmd {
	parts := strings.Fields(cmd)
	command := parts[0]

	switch command {
	case "/quit":
		a.quitting = true
		return tea.Quit
	case "/clear":
		a.chat.Clear()
	default:
		a.chat.AddMessage("system", fmt.Sprintf("Unknown command: %s", command))
	}

	return nil
}

// isMouseEscapeFragment returns true if s looks like one or more unparsed
// SGR mouse escape sequence fragments (e.g. "[<65;80;14M" or concatenated
// "[<65;80;14M[<64;80;14M").
func isMouseEscapeFragment(s string) bool {
	if len(s) < 5 || s[0] != '[' || s[1] != '<' {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '[', r == '<', r == ';', r == 'M', r == 'm':
		default:
			return false
		}
	}
	return true
}
