package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/internal/registry"
	"github.com/openstarry/core/internal/session"
	"github.com/openstarry/core/pkg/pluginsdk"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlugin plays the worker side of the protocol over a net.Pipe,
// standing in for a real subprocess so these tests never need exec.Cmd.
type fakePlugin struct {
	conn net.Conn
	sc   *bufio.Scanner
}

func newFakePlugin(conn net.Conn) *fakePlugin {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &fakePlugin{conn: conn, sc: sc}
}

func (f *fakePlugin) recv() (pluginsdk.Envelope, error) {
	if !f.sc.Scan() {
		if err := f.sc.Err(); err != nil {
			return pluginsdk.Envelope{}, err
		}
		return pluginsdk.Envelope{}, io.EOF
	}
	var env pluginsdk.Envelope
	if err := json.Unmarshal(f.sc.Bytes(), &env); err != nil {
		return pluginsdk.Envelope{}, err
	}
	return env, nil
}

func (f *fakePlugin) send(t *testing.T, typ pluginsdk.MessageType, data any) {
	t.Helper()
	env, err := pluginsdk.Encode(typ, data)
	require.NoError(t, err)
	enc := json.NewEncoder(f.conn)
	require.NoError(t, enc.Encode(env))
}

func newTestHost(t *testing.T) (*Host, *session.Manager, *registry.Registries) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	sessions := session.New(b, logger)
	registries := registry.New(&cobra.Command{}, b)
	h := New(DefaultConfig(), b, sessions, registries, logger)
	h.Start()
	t.Cleanup(h.Close)
	return h, sessions, registries
}

// attachFakeWorker injects a net.Pipe-backed worker into the host's
// tracking map, bypassing spawnWorker's real exec.Cmd path.
func attachFakeWorker(t *testing.T, h *Host, pluginName string, manifest *pluginsdk.Manifest) (*worker, *fakePlugin) {
	t.Helper()
	hostConn, workerConn := net.Pipe()
	tr := newTransport(hostConn)
	w := newWorker(1, tr, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.pluginName = pluginName
	w.manifest = manifest

	h.mu.Lock()
	h.workers[pluginName] = w
	h.mu.Unlock()

	go w.readLoop(h.dispatchFrame, h.handleExit)

	fp := newFakePlugin(workerConn)
	t.Cleanup(func() { _ = workerConn.Close() })
	return w, fp
}

func TestHost_LoadPlugin_Handshake(t *testing.T) {
	h, _, _ := newTestHost(t)
	manifest := &pluginsdk.Manifest{Name: "echo-plugin"}

	_, fp := attachFakeWorker(t, h, "echo-plugin", manifest)

	done := make(chan []pluginsdk.HookDescriptor, 1)
	errCh := make(chan error, 1)
	go func() {
		env, err := fp.recv()
		if err != nil {
			errCh <- err
			return
		}
		if env.Type != pluginsdk.MsgInitPlugin {
			errCh <- assertionError("expected INIT_PLUGIN")
			return
		}
		fp.send(t, pluginsdk.MsgInitComplete, pluginsdk.InitCompleteData{
			Hooks: []pluginsdk.HookDescriptor{{Kind: "tool", Name: "echo"}},
		})
		done <- []pluginsdk.HookDescriptor{{Kind: "tool", Name: "echo"}}
	}()

	h.mu.Lock()
	w := h.workers["echo-plugin"]
	h.mu.Unlock()
	require.NotNil(t, w)

	hooks, err := h.handshake(context.Background(), w, "/plugins/echo", "/work", "agent-1", nil, nil)
	require.NoError(t, err)
	assert.Len(t, hooks, 1)
	assert.Equal(t, "echo", hooks[0].Name)

	select {
	case <-done:
	case err := <-errCh:
		t.Fatal(err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fake plugin handshake")
	}
}

func TestHost_InvokeTool_ReturnsResult(t *testing.T) {
	h, _, _ := newTestHost(t)
	manifest := &pluginsdk.Manifest{Name: "echo-plugin"}
	_, fp := attachFakeWorker(t, h, "echo-plugin", manifest)

	go func() {
		env, err := fp.recv()
		if err != nil {
			return
		}
		if env.Type != pluginsdk.MsgInvokeTool {
			return
		}
		var req pluginsdk.InvokeToolData
		_ = json.Unmarshal(env.Data, &req)
		fp.send(t, pluginsdk.MsgToolResult, pluginsdk.ToolResultData{
			RequestID: req.RequestID,
			Body:      `{"ok":true}`,
		})
	}()

	result, err := h.InvokeTool(context.Background(), "echo-plugin", "echo", json.RawMessage(`{"text":"hi"}`), pluginsdk.ToolContextData{WorkingDir: "/work"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, result.Body)
	assert.False(t, result.IsError)
}

func TestHost_InvokeTool_UnknownPlugin(t *testing.T) {
	h, _, _ := newTestHost(t)
	_, err := h.InvokeTool(context.Background(), "nope", "tool", nil, pluginsdk.ToolContextData{})
	require.Error(t, err)
}

func TestHost_RPC_SessionCreateAndList(t *testing.T) {
	h, sessions, _ := newTestHost(t)
	manifest := &pluginsdk.Manifest{Name: "plugin-a"}
	_, fp := attachFakeWorker(t, h, "plugin-a", manifest)

	replyCh := make(chan pluginsdk.RPCResponseData, 1)
	go func() {
		env, err := fp.recv()
		if err != nil {
			return
		}
		if env.Type == pluginsdk.MsgRPCResponse {
			var resp pluginsdk.RPCResponseData
			_ = json.Unmarshal(env.Data, &resp)
			replyCh <- resp
		}
	}()

	params, _ := json.Marshal(map[string]any{"metadata": map[string]any{"k": "v"}})
	fp.send(t, pluginsdk.MsgRPCRequest, pluginsdk.RPCRequestData{
		RequestID: "r1",
		Category:  pluginsdk.RPCSessionCreate,
		Params:    params,
	})

	select {
	case resp := <-replyCh:
		require.Empty(t, resp.Error)
		assert.NotEmpty(t, resp.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rpc response")
	}

	assert.Len(t, sessions.List(), 2) // default session + the newly created one
}

func TestHost_CrashRestartBackoff(t *testing.T) {
	manifest := &pluginsdk.Manifest{
		Name: "flaky-plugin",
		Sandbox: &pluginsdk.SandboxConfig{
			Restart: pluginsdk.RestartPolicy{MaxRestarts: 2, BackoffMs: 10, MaxBackoffMs: 1000, ResetWindowMs: 60_000},
		},
	}
	assert.Equal(t, 10*time.Millisecond, backoffForCrash(manifest.Sandbox.Restart, 0))
	assert.Equal(t, 20*time.Millisecond, backoffForCrash(manifest.Sandbox.Restart, 1))
	assert.Equal(t, 40*time.Millisecond, backoffForCrash(manifest.Sandbox.Restart, 2))
}

func assertionError(msg string) error { return &Error{PluginName: "test", Reason: msg} }
