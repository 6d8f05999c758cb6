// File: internal/sandbox/client.go

// Package sandbox is the sole gateway to the isolated desktop/browser
// environment's command surface: a request/response protocol that accepts a
// command name plus argument map and answers with JSON, raw image bytes, or
// a server-sent-event stream whose final data payload is the result.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/sandbridge/internal/config"
)

// maxResponseBytes bounds how much of a command response is read. Screenshots
// dominate; 32 MiB leaves generous headroom.
const maxResponseBytes = 32 << 20

// CommandResult is the parsed outcome of one sandbox command.
type CommandResult struct {
	// JSON holds the response body, or the final SSE data payload, when the
	// command returned structured data.
	JSON json.RawMessage
	// Image holds raw image bytes when the command returned a frame.
	Image []byte
}

// Decode unmarshals the JSON payload into out.
func (r *CommandResult) Decode(out interface{}) error {
	if len(r.JSON) == 0 {
		return fmt.Errorf("command result carries no JSON payload")
	}
	return json.Unmarshal(r.JSON, out)
}

// CommandError is a typed failure from the command surface: a non-2xx status
// or an explicit error field in an otherwise well-formed response.
type CommandError struct {
	Command string
	Status  int
	Message string
}

func (e *CommandError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("sandbox command %q failed with status %d: %s", e.Command, e.Status, e.Message)
	}
	return fmt.Sprintf("sandbox command %q failed: %s", e.Command, e.Message)
}

// Commander is the capability the rest of the bridge depends on; the concrete
// Client satisfies it and tests substitute mocks.
type Commander interface {
	// Do executes one named command against the sandbox.
	Do(ctx context.Context, command string, args map[string]interface{}) (*CommandResult, error)
	// RotateCredential asks the sandbox manager for a fresh access
	// credential, invalidating the previous one.
	RotateCredential(ctx context.Context) (string, error)
}

// Client talks HTTP to the sandbox command endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

var _ Commander = (*Client)(nil)

// NewClient builds a sandbox client from configuration.
func NewClient(cfg config.SandboxConfig, logger *zap.Logger) *Client {
	cps := cfg.CommandsPerSecond
	if cps <= 0 {
		cps = 10
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.CommandTimeout},
		// Pacing outbound commands keeps a runaway macro from flooding the
		// backend. Burst of 1: commands are inherently sequential.
		limiter: rate.NewLimiter(rate.Limit(cps), 1),
		log:     logger.Named("sandbox"),
	}
}

type commandEnvelope struct {
	Command string                 `json:"command"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

// Do executes one command and interprets the response by content type.
func (c *Client) Do(ctx context.Context, command string, args map[string]interface{}) (*CommandResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(commandEnvelope{Command: command, Args: args})
	if err != nil {
		return nil, fmt.Errorf("failed to encode command %q: %w", command, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/command", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build command request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &CommandError{Command: command, Message: err.Error()}
	}
	defer resp.Body.Close()

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &CommandError{Command: command, Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	switch {
	case contentType == "text/event-stream":
		payload, err := finalEventData(resp.Body)
		if err != nil {
			return nil, &CommandError{Command: command, Message: err.Error()}
		}
		return c.resultFromJSON(command, payload)
	case strings.HasPrefix(contentType, "image/"):
		img, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, &CommandError{Command: command, Message: fmt.Sprintf("failed to read image body: %v", err)}
		}
		return &CommandResult{Image: img}, nil
	default:
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, &CommandError{Command: command, Message: fmt.Sprintf("failed to read body: %v", err)}
		}
		return c.resultFromJSON(command, raw)
	}
}

// resultFromJSON surfaces an embedded error field as a typed failure.
func (c *Client) resultFromJSON(command string, raw []byte) (*CommandResult, error) {
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Error != "" {
		return nil, &CommandError{Command: command, Message: probe.Error}
	}
	return &CommandResult{JSON: json.RawMessage(raw)}, nil
}

// finalEventData drains an SSE stream and returns the last data payload,
// which the command surface defines as the result.
func finalEventData(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, maxResponseBytes))
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var last []byte
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			last = []byte(strings.TrimSpace(data))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}
	if last == nil {
		return nil, fmt.Errorf("event stream ended without a data payload")
	}
	return last, nil
}

// RotateCredential regenerates the sandbox access credential.
func (c *Client) RotateCredential(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/credential/rotate", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build rotation request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("credential rotation failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("credential rotation returned status %d", resp.StatusCode)
	}
	var out struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode rotation response: %w", err)
	}
	if out.Credential == "" {
		return "", fmt.Errorf("credential rotation returned an empty credential")
	}
	return out.Credential, nil
}

// TryEach runs the given command names in order with the same arguments and
// returns the first success. Sandbox backends disagree on primitive command
// names, so callers pass an alias list instead of a single name.
func TryEach(ctx context.Context, c Commander, commands []string, args map[string]interface{}) (*CommandResult, string, error) {
	var lastErr error
	for _, name := range commands {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		res, err := c.Do(ctx, name, args)
		if err == nil {
			return res, name, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no commands to try")
	}
	return nil, "", fmt.Errorf("all of %v failed: %w", commands, lastErr)
}
