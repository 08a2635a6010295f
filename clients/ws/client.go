// Package ws provides a WebSocket client for the conclave gateway.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/multiagents/conclave/internal/gateway/ws"
)

// Client is a WebSocket client for the conclave gateway.
type Client struct {
	conn      *websocket.Conn
	reqSeq    uint64
	ctx       context.Context
	cancel    context.CancelFunc
	SessionID string
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

func (c *Client) nextID() string {
	seq := atomic.AddUint64(&c.reqSeq, 1)
	return fmt.Sprintf("req-%d", seq)
}

func (c *Client) send(method wsprotocol.Method, params any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}

	frame := wsprotocol.Frame{
		Type:   wsprotocol.FrameTypeRequest,
		ID:     c.nextID(),
		Method: method,
		Params: raw,
	}

	data, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", method, err)
	}

	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// request sends a method and blocks for its matching response, discarding
// any event frames that arrive first (callers that need those should read
// the socket themselves via ReadFrame in a separate loop).
func (c *Client) request(method wsprotocol.Method, params any) (wsprotocol.Frame, error) {
	if err := c.send(method, params); err != nil {
		return wsprotocol.Frame{}, err
	}
	for {
		frame, err := c.ReadFrame()
		if err != nil {
			return wsprotocol.Frame{}, err
		}
		if frame.Type != wsprotocol.FrameTypeResponse {
			continue
		}
		if frame.OK != nil && !*frame.OK {
			return frame, fmt.Errorf("%s failed: %s", method, frame.Error)
		}
		return frame, nil
	}
}

// CreateSession opens a brand-new room session rooted at workingDir.
func (c *Client) CreateSession(workingDir string, cfg map[string]any) (string, error) {
	resp, err := c.request(wsprotocol.MethodCreateSession, wsprotocol.CreateSessionParams{
		WorkingDir: workingDir,
		Config:     cfg,
	})
	if err != nil {
		return "", err
	}
	return c.decodeSessionID(resp)
}

// JoinSession resumes an existing session, replaying events after
// lastEventID.
func (c *Client) JoinSession(sessionID string, lastEventID int64) (string, error) {
	resp, err := c.request(wsprotocol.MethodJoinSession, wsprotocol.JoinSessionParams{
		SessionID:   sessionID,
		LastEventID: lastEventID,
	})
	if err != nil {
		return "", err
	}
	return c.decodeSessionID(resp)
}

func (c *Client) decodeSessionID(resp wsprotocol.Frame) (string, error) {
	var result struct {
		SessionID string `json:"session_id"`
	}
	if resp.Payload != nil {
		if err := json.Unmarshal(resp.Payload, &result); err != nil {
			return "", fmt.Errorf("unmarshal session response: %w", err)
		}
	}
	if result.SessionID == "" {
		result.SessionID = resp.SessionID
	}
	c.SessionID = result.SessionID
	return result.SessionID, nil
}

// SendMessage sends a user message to the room.
func (c *Client) SendMessage(text string) error {
	return c.send(wsprotocol.MethodMessage, wsprotocol.MessageParams{Text: text})
}

// DirectMessage sends a message addressed to a single agent.
func (c *Client) DirectMessage(agent, text string) error {
	return c.send(wsprotocol.MethodDirectMessage, wsprotocol.DirectMessageParams{Agent: agent, Text: text})
}

// StopAgent interrupts a single agent mid-round.
func (c *Client) StopAgent(agent string) error {
	return c.send(wsprotocol.MethodStopAgent, wsprotocol.StopAgentParams{Agent: agent})
}

// StopRound interrupts the whole round in progress.
func (c *Client) StopRound() error {
	return c.send(wsprotocol.MethodStopRound, nil)
}

// RespondToPrompt answers a tool-permission prompt by request ID.
func (c *Client) RespondToPrompt(requestID string, approved bool) error {
	return c.send(wsprotocol.MethodPermissionResponse, wsprotocol.PermissionResponseParams{
		RequestID: requestID,
		Approved:  approved,
	})
}

// Ack acknowledges delivery of an event up to eventID.
func (c *Client) Ack(eventID int64) error {
	return c.send(wsprotocol.MethodAck, wsprotocol.AckParams{EventID: eventID})
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
