// File: internal/bridge/bridge_test.go
package bridge_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/sandbridge/api/schemas"
	"github.com/xkilldash9x/sandbridge/internal/bridge"
	"github.com/xkilldash9x/sandbridge/internal/channel"
	"github.com/xkilldash9x/sandbridge/internal/config"
	"github.com/xkilldash9x/sandbridge/internal/observability"
	"github.com/xkilldash9x/sandbridge/internal/sandbox"
	"github.com/xkilldash9x/sandbridge/internal/takeover"
)

// TestMain sets up the global logger for all tests in this package.
func TestMain(m *testing.M) {
	observability.ResetForTest()

	cfg := config.NewDefaultConfig().Logger
	cfg.Level = "debug"
	cfg.LogFile = ""
	cfg.Format = "console"
	observability.InitializeLogger(cfg)

	code := m.Run()
	observability.Sync()
	os.Exit(code)
}

// echoDispatcher answers every action with an OK response naming the action.
type echoDispatcher struct {
	seen []schemas.ActionRequest
}

func (e *echoDispatcher) Dispatch(ctx context.Context, req schemas.ActionRequest) schemas.ActionResponse {
	e.seen = append(e.seen, req)
	return schemas.OKResponse(map[string]interface{}{"action": req.Action})
}

// panicDispatcher simulates a handler blowing up mid-request.
type panicDispatcher struct{}

func (panicDispatcher) Dispatch(ctx context.Context, req schemas.ActionRequest) schemas.ActionResponse {
	panic("handler exploded")
}

// rotateOnlyCommander satisfies the registry's needs.
type rotateOnlyCommander struct{}

func (rotateOnlyCommander) Do(ctx context.Context, command string, args map[string]interface{}) (*sandbox.CommandResult, error) {
	return nil, &sandbox.CommandError{Command: command, Message: "not available in tests"}
}

func (rotateOnlyCommander) RotateCredential(ctx context.Context) (string, error) {
	return "cred", nil
}

type fixture struct {
	bridge   *bridge.Bridge
	mailbox  *channel.Mailbox
	registry *takeover.Registry
	router   *echoDispatcher
	root     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := observability.GetLogger()
	root := t.TempDir()

	mb, err := channel.NewMailbox(root, logger)
	require.NoError(t, err)
	registry := takeover.NewRegistry(rotateOnlyCommander{}, config.TakeoverConfig{}, logger)
	router := &echoDispatcher{}

	cfg := config.BridgeConfig{
		RequestRoot:  root,
		PollInterval: 10 * time.Millisecond,
		ResponseTTL:  10 * time.Minute,
	}
	return &fixture{
		bridge:   bridge.New(mb, router, registry, cfg, logger),
		mailbox:  mb,
		registry: registry,
		router:   router,
		root:     root,
	}
}

func (f *fixture) writeRequest(t *testing.T, namespace string, req schemas.ActionRequest) {
	t.Helper()
	require.NoError(t, f.mailbox.EnsureNamespace(namespace))
	data, err := json.Marshal(req)
	require.NoError(t, err)
	path := filepath.Join(f.mailbox.Dir(namespace), "req-"+req.ID+".json")
	require.NoError(t, channel.AtomicWrite(path, data))
}

func (f *fixture) readResponse(t *testing.T, namespace, id string) (schemas.ActionResponse, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.mailbox.Dir(namespace), "res-"+id+".json"))
	if err != nil {
		return schemas.ActionResponse{}, false
	}
	var resp schemas.ActionResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp, true
}

func (f *fixture) waitResponse(t *testing.T, namespace, id string) schemas.ActionResponse {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if resp, ok := f.readResponse(t, namespace, id); ok {
			return resp
		}
		select {
		case <-deadline:
			t.Fatalf("no response file for %s/%s", namespace, id)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTick_DispatchesAndResponds(t *testing.T) {
	f := newFixture(t)
	f.writeRequest(t, "session1", schemas.ActionRequest{ID: "1-aa", Action: schemas.ActionScreenshot})
	f.writeRequest(t, "session2", schemas.ActionRequest{ID: "2-bb", Action: schemas.ActionClick,
		Params: map[string]interface{}{"selector": "x"}})

	require.NoError(t, f.bridge.Tick(context.Background()))

	resp, ok := f.readResponse(t, "session1", "1-aa")
	require.True(t, ok)
	assert.Equal(t, schemas.StatusOK, resp.Status)
	_, ok = f.readResponse(t, "session2", "2-bb")
	assert.True(t, ok)

	require.Len(t, f.router.seen, 2)
	for _, req := range f.router.seen {
		assert.NotEmpty(t, req.Namespace, "dispatch must see the derived namespace")
	}
}

func TestTick_PanickingHandlerQuarantinesAndResponds(t *testing.T) {
	f := newFixture(t)
	f.bridge = bridge.New(f.mailbox, panicDispatcher{}, f.registry, config.BridgeConfig{
		RequestRoot:  f.root,
		PollInterval: 10 * time.Millisecond,
		ResponseTTL:  10 * time.Minute,
	}, observability.GetLogger())

	req := schemas.ActionRequest{ID: "9-ii", Action: schemas.ActionClick,
		Params: map[string]interface{}{"selector": "text=Boom"}}
	f.writeRequest(t, "session1", req)
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	require.NoError(t, f.bridge.Tick(context.Background()), "a panic must not abort the tick")

	// The worker still gets an answer.
	resp, ok := f.readResponse(t, "session1", "9-ii")
	require.True(t, ok)
	assert.Equal(t, schemas.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "internal error")

	// And the original bytes land in quarantine for inspection.
	quarantined, err := os.ReadFile(filepath.Join(f.root, "errors", "session1-req-9-ii.json"))
	require.NoError(t, err)
	assert.Equal(t, raw, quarantined)
}

func TestTick_WaitForUserIsAsynchronous(t *testing.T) {
	f := newFixture(t)
	f.writeRequest(t, "session1", schemas.ActionRequest{
		ID:     "3-cc",
		Action: schemas.ActionWaitForUser,
		Params: map[string]interface{}{"message": "please solve the captcha"},
	})

	require.NoError(t, f.bridge.Tick(context.Background()))

	// Acknowledged into the registry, but no response file yet.
	assert.Empty(t, f.router.seen, "wait_for_user never reaches the router")
	assert.Equal(t, 1, f.registry.Pending("session1"))
	_, ok := f.readResponse(t, "session1", "3-cc")
	assert.False(t, ok, "the response only appears on resolution")

	// A human hands control back.
	require.NoError(t, f.registry.ResolveByRequestID("session1", "3-cc"))

	resp := f.waitResponse(t, "session1", "3-cc")
	assert.Equal(t, schemas.StatusOK, resp.Status)
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, result["resolved"])
}

func TestTick_RepeatedWaitForUserStaysPending(t *testing.T) {
	f := newFixture(t)
	f.writeRequest(t, "session1", schemas.ActionRequest{ID: "4-dd", Action: schemas.ActionWaitForUser})
	require.NoError(t, f.bridge.Tick(context.Background()))
	f.writeRequest(t, "session1", schemas.ActionRequest{ID: "4-dd", Action: schemas.ActionWaitForUser,
		Params: map[string]interface{}{"message": "still waiting"}})
	require.NoError(t, f.bridge.Tick(context.Background()))

	assert.Equal(t, 1, f.registry.Pending("session1"), "re-submitting the same id must not create a second entry")

	require.NoError(t, f.registry.ResolveByRequestID("session1", ""))
	f.waitResponse(t, "session1", "4-dd")
}

func TestHandleChatMessage(t *testing.T) {
	f := newFixture(t)
	f.writeRequest(t, "session1", schemas.ActionRequest{ID: "5-ee", Action: schemas.ActionWaitForUser})
	require.NoError(t, f.bridge.Tick(context.Background()))

	t.Run("non-command text is ignored", func(t *testing.T) {
		handled, err := f.bridge.HandleChatMessage("session1", "how is it going?")
		require.NoError(t, err)
		assert.False(t, handled)
	})

	t.Run("continue resolves the takeover", func(t *testing.T) {
		handled, err := f.bridge.HandleChatMessage("session1", "continue")
		require.NoError(t, err)
		assert.True(t, handled)
		f.waitResponse(t, "session1", "5-ee")
	})

	t.Run("continue with nothing pending reports not found", func(t *testing.T) {
		handled, err := f.bridge.HandleChatMessage("session1", "continue")
		assert.True(t, handled)
		assert.ErrorIs(t, err, takeover.ErrNotFound)
	})
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.bridge.Run(ctx) }()

	f.writeRequest(t, "session1", schemas.ActionRequest{ID: "6-ff", Action: schemas.ActionScroll})
	f.waitResponse(t, "session1", "6-ff")

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
