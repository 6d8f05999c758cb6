// File: internal/channel/client.go
package channel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sandbridge/api/schemas"
)

// Client is the worker-side end of the transport. It writes request files
// into its own namespace mailbox and polls for the matching response file.
// The client owns the deadline: on timeout it stops waiting, best-effort
// deletes its request file, and synthesizes an error response.
type Client struct {
	dir          string
	namespace    string
	pollInterval time.Duration
	log          *zap.Logger
}

// NewClient creates a worker-side client for one session namespace.
func NewClient(root, namespace string, pollInterval time.Duration, logger *zap.Logger) (*Client, error) {
	if !ValidName(namespace) {
		return nil, fmt.Errorf("%w: %q", ErrBadName, namespace)
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	dir := filepath.Join(root, namespace, mailboxSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mailbox directory: %w", err)
	}
	return &Client{
		dir:          dir,
		namespace:    namespace,
		pollInterval: pollInterval,
		log:          logger.Named("channel_client"),
	}, nil
}

// NewRequestID builds an id that is unique within a namespace: millisecond
// timestamp plus a random suffix.
func NewRequestID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Submit writes an action request and blocks until the host responds or the
// timeout elapses. It never returns an error: transport failures are folded
// into an error-status ActionResponse so the calling agent always gets a
// structured answer.
func (c *Client) Submit(ctx context.Context, action schemas.ActionName, params map[string]interface{}, timeout time.Duration) schemas.ActionResponse {
	id := NewRequestID()
	req := schemas.ActionRequest{ID: id, Action: action, Params: params}

	data, err := json.Marshal(req)
	if err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("failed to encode request: %v", err))
	}

	reqPath := filepath.Join(c.dir, requestPrefix+id+fileSuffix)
	resPath := filepath.Join(c.dir, responsePrefix+id+fileSuffix)

	if err := AtomicWrite(reqPath, data); err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("failed to write request file: %v", err))
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.abandon(reqPath, id)
			return schemas.ErrorResponse(fmt.Sprintf("request %s cancelled: %v", id, ctx.Err()))
		case <-deadline.C:
			c.abandon(reqPath, id)
			return schemas.ErrorResponse(fmt.Sprintf("request %s timed out after %s", id, timeout))
		case <-ticker.C:
			resp, found := c.tryReadResponse(resPath)
			if found {
				return resp
			}
		}
	}
}

// abandon deletes the request file after a timeout or cancellation. The
// deletion is best-effort and unacknowledged; if the host already consumed
// the request, the orphaned response file is its garbage to collect.
func (c *Client) abandon(reqPath, id string) {
	if err := os.Remove(reqPath); err != nil && !os.IsNotExist(err) {
		c.log.Debug("Failed to remove abandoned request", zap.String("id", id), zap.Error(err))
	}
}

// tryReadResponse reads and deletes the response file if it exists.
func (c *Client) tryReadResponse(resPath string) (schemas.ActionResponse, bool) {
	data, err := os.ReadFile(resPath)
	if err != nil {
		return schemas.ActionResponse{}, false
	}
	var resp schemas.ActionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		// Atomic writes mean a response file is never partial; an
		// unparseable one is a host bug worth surfacing.
		return schemas.ErrorResponse(fmt.Sprintf("unparseable response: %v", err)), true
	}
	_ = os.Remove(resPath)
	return resp, true
}

// -- Typed convenience helpers --

// Navigate requests navigation to a URL.
func (c *Client) Navigate(ctx context.Context, url string, timeout time.Duration) schemas.ActionResponse {
	return c.Submit(ctx, schemas.ActionNavigate, map[string]interface{}{"url": url}, timeout)
}

// Click requests a click on an element described by selector or free text.
func (c *Client) Click(ctx context.Context, selector string, timeout time.Duration) schemas.ActionResponse {
	return c.Submit(ctx, schemas.ActionClick, map[string]interface{}{"selector": selector}, timeout)
}

// Fill requests typing a value into an element.
func (c *Client) Fill(ctx context.Context, selector, value string, timeout time.Duration) schemas.ActionResponse {
	return c.Submit(ctx, schemas.ActionFill, map[string]interface{}{"selector": selector, "value": value}, timeout)
}

// Screenshot requests a captured, annotated frame.
func (c *Client) Screenshot(ctx context.Context, timeout time.Duration) schemas.ActionResponse {
	return c.Submit(ctx, schemas.ActionScreenshot, nil, timeout)
}

// WaitForUser requests a human takeover and blocks until a person hands
// control back, or the timeout fires. Timeouts here are expected: the
// registry entry stays resolvable after the worker stops waiting.
func (c *Client) WaitForUser(ctx context.Context, message string, timeout time.Duration) schemas.ActionResponse {
	return c.Submit(ctx, schemas.ActionWaitForUser, map[string]interface{}{"message": message}, timeout)
}
