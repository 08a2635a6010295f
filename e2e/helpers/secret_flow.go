// Command secret_flow exercises the session-config secret encryption path
// end to end: it opens a session whose config carries a credential-looking
// field, then fetches the persisted session back over the gateway's REST
// surface and checks that the field never landed on disk in plaintext.
//
// Usage: secret_flow -gateway http://127.0.0.1:PORT -ws ws://127.0.0.1:PORT/api/ws -secret TOKEN_VALUE
//
// Exit codes:
//
//	0 = all checks passed
//	1 = a check failed
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	wsclient "github.com/multiagents/conclave/clients/ws"
)

func main() {
	restURL := flag.String("gateway", "http://127.0.0.1:18420", "Gateway REST base URL")
	wsURL := flag.String("ws", "ws://127.0.0.1:18420/api/ws", "Gateway WS URL")
	secret := flag.String("secret", "e2e-test-secret-value-42", "Secret value to store in session config")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *restURL, *wsURL, *secret); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, restURL, wsURL, secret string) error {
	client, err := wsclient.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	cfg := map[string]any{
		"agents":      []map[string]any{{"name": "claude", "agent_type": "claude"}},
		"api_key":     secret,
		"working_dir": "/tmp",
	}

	sessionID, err := client.CreateSession("/tmp", cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Printf("CHECK session created: %s\n", sessionID)

	// Give the hub a moment to persist the session config before reading it back.
	time.Sleep(200 * time.Millisecond)

	body, err := getJSON(ctx, restURL+"/api/sessions/"+sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	if strings.Contains(body, secret) {
		return fmt.Errorf("SECURITY: session config contains plaintext secret")
	}
	if !strings.Contains(body, "ENC[age:") {
		return fmt.Errorf("session config field was not encrypted — expected an ENC[age:...] blob")
	}
	fmt.Println("CHECK api_key persisted as ENC[age:...], not plaintext")

	var data struct {
		WorkingDir string         `json:"WorkingDir"`
		Config     map[string]any `json:"Config"`
	}
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return fmt.Errorf("unmarshal session: %w", err)
	}
	if data.WorkingDir != "/tmp" {
		return fmt.Errorf("working dir round-trip mismatch: got %q", data.WorkingDir)
	}

	fmt.Println("CHECK all flow checks passed")
	return nil
}

func getJSON(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, data)
	}
	return string(data), nil
}
