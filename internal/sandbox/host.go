// Package sandbox runs plugin code in OS-isolated worker processes rather
// than in-thread, communicating over a newline-delimited JSON protocol.
// A crashed worker is restarted with exponential backoff up to a per-plugin
// limit; a worker that stops heartbeating is treated the same as a crash.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/internal/registry"
	"github.com/openstarry/core/internal/session"
	"github.com/openstarry/core/pkg/pluginsdk"
)

// Config controls host-wide timeouts and the worker binary used for real
// (non-test) process spawning.
type Config struct {
	WorkerBinary           string
	HeartbeatInterval      time.Duration
	StallCheckInterval     time.Duration
	DefaultCPUStallTimeout time.Duration
	DefaultRPCTimeout      time.Duration
	InitTimeout            time.Duration
	ResetTimeout           time.Duration
}

// DefaultConfig returns the standard sandbox host timeouts.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:      30 * time.Second,
		StallCheckInterval:     45 * time.Second,
		DefaultCPUStallTimeout: 60 * time.Second,
		DefaultRPCTimeout:      30 * time.Second,
		InitTimeout:            10 * time.Second,
		ResetTimeout:           5 * time.Second,
	}
}

// Host owns one worker process per loaded plugin and brokers the
// host<->worker protocol: tool invocation, worker-initiated RPCs against
// the session manager and registries, and crash/restart supervision.
type Host struct {
	cfg       Config
	bus       *bus.Bus
	sessions  *session.Manager
	registries *registry.Registries
	logger    *slog.Logger

	mu          sync.Mutex
	workers     map[string]*worker // pluginName -> worker
	audit       map[string]*auditLog
	inputPusher InputPusher

	closed chan struct{}
}

// New constructs a Host bound to the shared bus, session manager, and
// plugin registries that worker RPCs are brokered against.
func New(cfg Config, b *bus.Bus, sessions *session.Manager, registries *registry.Registries, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		cfg:        cfg,
		bus:        b,
		sessions:   sessions,
		registries: registries,
		logger:     logger,
		workers:    make(map[string]*worker),
		audit:      make(map[string]*auditLog),
		closed:     make(chan struct{}),
	}
}

// Start launches the heartbeat/stall-check supervisor. It must be called
// once before LoadPlugin.
func (h *Host) Start() {
	go h.superviseLoop()
}

// Close stops every worker and the supervisor loop.
func (h *Host) Close() {
	select {
	case <-h.closed:
		return
	default:
		close(h.closed)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, w := range h.workers {
		w.stop()
		if a := h.audit[name]; a != nil {
			_ = a.close()
		}
	}
	h.workers = make(map[string]*worker)
}

// LoadPlugin spawns a worker for pluginPath (verifying its integrity
// against manifest first), performs the INIT_PLUGIN/INIT_COMPLETE
// handshake, and returns the hooks the plugin registered.
func (h *Host) LoadPlugin(ctx context.Context, pluginName, pluginPath string, manifest *pluginsdk.Manifest, agentID, workingDir string, capabilities []string, configJSON []byte) ([]pluginsdk.HookDescriptor, error) {
	if err := VerifyIntegrity(pluginPath, manifest.Integrity); err != nil {
		if h.bus != nil {
			h.bus.Emit("sandbox:signature_failed", map[string]any{"plugin": pluginName, "reason": err.Error()})
		}
		return nil, newError(pluginName, fmt.Sprintf("integrity check failed: %v", err))
	}

	binary := h.cfg.WorkerBinary
	if binary == "" {
		return nil, newError(pluginName, "no worker binary configured")
	}

	w, err := spawnWorker(len(h.workers)+1, binary, h.logger)
	if err != nil {
		return nil, newError(pluginName, fmt.Sprintf("spawn worker: %v", err))
	}
	w.pluginName = pluginName
	w.manifest = manifest

	var audit *auditLog
	if manifest.Sandbox != nil && manifest.Sandbox.Audit.Enabled {
		audit, err = newAuditLog(manifest.Sandbox.Audit)
		if err != nil {
			h.logger.Warn("audit log unavailable", "plugin", pluginName, "error", err)
		}
	}

	h.mu.Lock()
	h.workers[pluginName] = w
	if audit != nil {
		h.audit[pluginName] = audit
	}
	h.mu.Unlock()

	go w.readLoop(h.dispatchFrame, h.handleExit)

	hooks, err := h.handshake(ctx, w, pluginPath, workingDir, agentID, capabilities, configJSON)
	if err != nil {
		h.removeWorker(pluginName)
		w.stop()
		return nil, err
	}
	w.hooks = hooks
	return hooks, nil
}

func (h *Host) handshake(ctx context.Context, w *worker, pluginPath, workingDir, agentID string, capabilities []string, configJSON []byte) ([]pluginsdk.HookDescriptor, error) {
	env, err := pluginsdk.Encode(pluginsdk.MsgInitPlugin, pluginsdk.InitPluginData{
		PluginPath:   pluginPath,
		WorkingDir:   workingDir,
		AgentID:      agentID,
		Config:       configJSON,
		Capabilities: capabilities,
	})
	if err != nil {
		return nil, err
	}
	ch := make(chan pluginsdk.InitCompleteData, 1)
	errCh := make(chan error, 1)
	w.mu.Lock()
	w.initWaiter = func(d pluginsdk.InitCompleteData) { ch <- d }
	w.initErrWaiter = func(e error) { errCh <- e }
	w.mu.Unlock()

	if err := w.tr.send(env); err != nil {
		return nil, fmt.Errorf("send init_plugin: %w", err)
	}

	timeout := h.cfg.InitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case data := <-ch:
		return data.Hooks, nil
	case err := <-errCh:
		return nil, err
	case <-time.After(timeout):
		return nil, newError(w.pluginName, "init_plugin handshake timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvokeTool sends an INVOKE_TOOL request to pluginName's worker and waits
// for its TOOL_RESULT.
func (h *Host) InvokeTool(ctx context.Context, pluginName, toolID string, input json.RawMessage, toolCtx pluginsdk.ToolContextData) (pluginsdk.ToolResultData, error) {
	h.mu.Lock()
	w := h.workers[pluginName]
	h.mu.Unlock()
	if w == nil {
		return pluginsdk.ToolResultData{}, newError(pluginName, "no worker loaded")
	}
	if w.getState() == workerFailed {
		return pluginsdk.ToolResultData{}, newError(pluginName, "worker has exhausted its restart budget")
	}

	requestID := fmt.Sprintf("%s-%d", pluginName, time.Now().UnixNano())
	resultCh := w.registerPending(requestID)
	w.setState(workerBusy)
	defer w.setState(workerIdle)

	env, err := pluginsdk.Encode(pluginsdk.MsgInvokeTool, pluginsdk.InvokeToolData{
		RequestID: requestID,
		ToolID:    toolID,
		Input:     input,
		Context:   toolCtx,
	})
	if err != nil {
		return pluginsdk.ToolResultData{}, err
	}

	start := time.Now()
	if err := w.tr.send(env); err != nil {
		return pluginsdk.ToolResultData{}, fmt.Errorf("send invoke_tool: %w", err)
	}

	timeout := h.cfg.DefaultRPCTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case result := <-resultCh:
		h.recordAudit(pluginName, pluginsdk.RPCCategory("tool.invoke"), toolID, input, result.Body, result.Error, time.Since(start))
		return result, nil
	case <-time.After(timeout):
		return pluginsdk.ToolResultData{}, newError(pluginName, fmt.Sprintf("tool %q invocation timed out", toolID))
	case <-ctx.Done():
		return pluginsdk.ToolResultData{}, ctx.Err()
	}
}

// UnloadPlugin sends RESET, sleeps for the shorter of ResetTimeout and
// 200ms without waiting on RESET_COMPLETE, then tears the worker process
// down.
func (h *Host) UnloadPlugin(pluginName string) error {
	h.mu.Lock()
	w := h.workers[pluginName]
	h.mu.Unlock()
	if w == nil {
		return nil
	}

	env, err := pluginsdk.Encode(pluginsdk.MsgReset, struct{}{})
	if err == nil {
		_ = w.tr.send(env)
	}
	timeout := h.cfg.ResetTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	time.Sleep(minDuration(timeout, 200*time.Millisecond))

	h.removeWorker(pluginName)
	w.stop()
	return nil
}

func (h *Host) removeWorker(pluginName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.workers, pluginName)
	if a, ok := h.audit[pluginName]; ok {
		_ = a.close()
		delete(h.audit, pluginName)
	}
}

func (h *Host) recordAudit(pluginName string, category pluginsdk.RPCCategory, method string, params json.RawMessage, result, errText string, dur time.Duration) {
	h.mu.Lock()
	a := h.audit[pluginName]
	h.mu.Unlock()
	if a != nil {
		a.record(pluginName, category, method, params, result, errText, dur)
	}
}

// dispatchFrame routes one decoded frame from a worker to its handler.
func (h *Host) dispatchFrame(w *worker, env pluginsdk.Envelope) {
	switch env.Type {
	case pluginsdk.MsgInitComplete:
		var data pluginsdk.InitCompleteData
		_ = json.Unmarshal(env.Data, &data)
		w.mu.Lock()
		waiter := w.initWaiter
		w.mu.Unlock()
		if waiter != nil {
			waiter(data)
		}
	case pluginsdk.MsgToolResult:
		var data pluginsdk.ToolResultData
		if err := json.Unmarshal(env.Data, &data); err == nil {
			w.resolvePending(data.RequestID, data)
		}
	case pluginsdk.MsgHeartbeat:
		w.markHeartbeat()
	case pluginsdk.MsgResetComplete:
		// Best-effort acknowledgement; UnloadPlugin doesn't block on it.
	case pluginsdk.MsgModuleBlocked:
		var data pluginsdk.ModuleBlockedData
		_ = json.Unmarshal(env.Data, &data)
		if h.bus != nil {
			h.bus.Emit("sandbox:module_blocked", map[string]any{"plugin": w.pluginName, "module": data.Module})
		}
	case pluginsdk.MsgRPCRequest:
		var data pluginsdk.RPCRequestData
		if err := json.Unmarshal(env.Data, &data); err == nil {
			h.handleRPC(w, data)
		}
	case pluginsdk.MsgBusSubscribe, pluginsdk.MsgBusUnsubscribe:
		var data pluginsdk.BusSubscribeData
		if err := json.Unmarshal(env.Data, &data); err == nil && data.EventType != "" {
			w.mu.Lock()
			if env.Type == pluginsdk.MsgBusSubscribe {
				w.subscriptions[data.EventType] = struct{}{}
			} else {
				delete(w.subscriptions, data.EventType)
			}
			w.mu.Unlock()
		}
	default:
		h.logger.Warn("unrecognised frame from worker", "plugin", w.pluginName, "type", env.Type)
	}
}

// handleExit is invoked once a worker's transport closes (crash or process
// exit). It restarts the worker with exponential backoff unless the
// restart budget is exhausted, or the host itself is shutting down.
func (h *Host) handleExit(w *worker, err error) {
	select {
	case <-h.closed:
		return
	default:
	}

	h.mu.Lock()
	stillTracked := h.workers[w.pluginName] == w
	h.mu.Unlock()
	if !stillTracked {
		return
	}

	w.mu.Lock()
	policy := restartPolicyFor(w.manifest)
	now := time.Now()
	w.crashCount = resetIfExpired(policy, w.crashCount, w.lastCrash, now)
	priorCrashes := w.crashCount
	w.lastCrash = now
	w.crashCount++
	exhausted := priorCrashes >= policy.MaxRestarts
	pluginName := w.pluginName
	manifest := w.manifest
	w.mu.Unlock()

	h.logger.Warn("plugin worker exited", "plugin", pluginName, "error", err, "priorCrashes", priorCrashes)

	if exhausted {
		w.setState(workerFailed)
		w.failure = newError(pluginName, fmt.Sprintf("restart budget exhausted after %d crashes", priorCrashes))
		if h.bus != nil {
			h.bus.Emit("sandbox:worker_restart_exhausted", map[string]any{"plugin": pluginName, "crashes": priorCrashes})
		}
		return
	}

	delay := backoffForCrash(policy, priorCrashes)
	time.AfterFunc(delay, func() {
		h.restartWorker(pluginName, manifest)
	})
}

func (h *Host) restartWorker(pluginName string, manifest *pluginsdk.Manifest) {
	h.mu.Lock()
	old := h.workers[pluginName]
	h.mu.Unlock()
	if old == nil || manifest == nil {
		return
	}

	nw, err := spawnWorker(old.id, h.cfg.WorkerBinary, h.logger)
	if err != nil {
		h.logger.Error("plugin worker restart failed", "plugin", pluginName, "error", err)
		return
	}
	nw.pluginName = pluginName
	nw.manifest = manifest
	nw.crashCount = old.crashCount
	nw.lastCrash = old.lastCrash

	h.mu.Lock()
	h.workers[pluginName] = nw
	h.mu.Unlock()

	go nw.readLoop(h.dispatchFrame, h.handleExit)
	if h.bus != nil {
		h.bus.Emit("sandbox:worker_restarted", map[string]any{"plugin": pluginName})
	}
}

// superviseLoop periodically checks every worker's last heartbeat against
// its configured CPU-stall timeout, treating a stalled worker the same as
// a crash.
func (h *Host) superviseLoop() {
	interval := h.cfg.StallCheckInterval
	if interval <= 0 {
		interval = 45 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.closed:
			return
		case <-ticker.C:
			h.checkStalls()
		}
	}
}

func (h *Host) checkStalls() {
	h.mu.Lock()
	workers := make([]*worker, 0, len(h.workers))
	for _, w := range h.workers {
		workers = append(workers, w)
	}
	h.mu.Unlock()

	now := time.Now()
	for _, w := range workers {
		timeout := h.cfg.DefaultCPUStallTimeout
		w.mu.Lock()
		if w.manifest != nil && w.manifest.Sandbox != nil && w.manifest.Sandbox.CPUStallMs > 0 {
			timeout = time.Duration(w.manifest.Sandbox.CPUStallMs) * time.Millisecond
		}
		w.mu.Unlock()
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		if w.staleSince(now) > timeout {
			h.logger.Warn("plugin worker stalled, killing", "plugin", w.pluginName)
			if h.bus != nil {
				h.bus.Emit("sandbox:worker_stalled", map[string]any{"plugin": w.pluginName})
			}
			w.killProcessGroup(syscall.SIGKILL)
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
