package pluginloader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openstarry/core/internal/registry"
	"github.com/openstarry/core/internal/sandbox"
	"github.com/openstarry/core/pkg/models"
	"github.com/openstarry/core/pkg/pluginsdk"
)

// pluginLogger adapts *slog.Logger to pluginsdk.PluginLogger.
type pluginLogger struct {
	logger *slog.Logger
	plugin string
}

func (l *pluginLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, append([]any{"plugin", l.plugin}, args...)...)
}
func (l *pluginLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, append([]any{"plugin", l.plugin}, args...)...)
}
func (l *pluginLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, append([]any{"plugin", l.plugin}, args...)...)
}
func (l *pluginLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, append([]any{"plugin", l.plugin}, args...)...)
}

// Loader discovers, orders, and loads plugins: natively in-process for
// plugins without sandboxing enabled, or via a sandbox.Host worker process
// for plugins whose manifest opts into sandboxing.
type Loader struct {
	registries  *registry.Registries
	sandboxHost *sandbox.Host
	logger      *slog.Logger
	resolvePath func(string) (string, error)

	native    map[string]pluginsdk.RuntimePlugin // name -> loaded native plugin, for Shutdown
	sandboxed map[string]struct{}                // name -> loaded via sandboxHost, for Shutdown
}

// New constructs a Loader. sandboxHost may be nil if no plugin in the
// loaded set ever enables sandboxing.
func New(registries *registry.Registries, sandboxHost *sandbox.Host, logger *slog.Logger, resolvePath func(string) (string, error)) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if resolvePath == nil {
		resolvePath = func(p string) (string, error) { return p, nil }
	}
	return &Loader{
		registries:  registries,
		sandboxHost: sandboxHost,
		logger:      logger,
		resolvePath: resolvePath,
		native:      make(map[string]pluginsdk.RuntimePlugin),
		sandboxed:   make(map[string]struct{}),
	}
}

// LoadAll orders manifests by service dependency (plugins providing a
// service load before plugins consuming it) and loads each one in turn,
// aborting on the first error.
func (l *Loader) LoadAll(ctx context.Context, manifests map[string]ManifestInfo, agentID string, workingDirFor func(pluginName string) string) error {
	order, err := dependencyOrder(manifests)
	if err != nil {
		return err
	}
	for _, name := range order {
		info := manifests[name]
		workingDir := ""
		if workingDirFor != nil {
			workingDir = workingDirFor(name)
		}
		if _, err := l.Load(ctx, info, agentID, workingDir); err != nil {
			return fmt.Errorf("load plugin %q: %w", name, err)
		}
	}
	return nil
}

// Load loads a single plugin, dispatching to the sandbox host if its
// manifest enables sandboxing, otherwise in-process.
func (l *Loader) Load(ctx context.Context, info ManifestInfo, agentID, workingDir string) ([]pluginsdk.HookDescriptor, error) {
	manifest := info.Manifest
	if manifest.SandboxEnabled() {
		if l.sandboxHost == nil {
			return nil, fmt.Errorf("plugin %q requires sandboxing but no sandbox host is configured", manifest.Name)
		}
		hooks, err := l.sandboxHost.LoadPlugin(ctx, manifest.Name, info.Path, manifest, agentID, workingDir, manifest.DeclaredCapabilities(), manifest.ConfigSchema)
		if err != nil {
			return nil, err
		}
		l.registerSandboxedHooks(manifest, hooks)
		l.sandboxed[manifest.Name] = struct{}{}
		return hooks, nil
	}
	return l.loadNative(ctx, info, workingDir)
}

// registerSandboxedHooks wires a sandboxed plugin's INIT_COMPLETE hook
// catalog into the shared registries. Only "tool" hooks are backed by an
// invocable wire operation (INVOKE_TOOL); every other kind is name/schema
// metadata only per the sandbox protocol (pkg/pluginsdk/protocol.go's
// HookDescriptor never carries a function reference), so non-tool hooks
// from a sandboxed plugin are logged but not registered into a catalog that
// promises a callable entry.
func (l *Loader) registerSandboxedHooks(manifest *pluginsdk.Manifest, hooks []pluginsdk.HookDescriptor) {
	gate := pluginsdk.NewCapabilityGate(manifest.Name, manifest)
	api := l.registries.ForPlugin(manifest.Name, gate, nil, &pluginLogger{logger: l.logger, plugin: manifest.Name}, nil)

	for _, hook := range hooks {
		switch hook.Kind {
		case "tool":
			tool := models.Tool{
				ID:          hook.Name,
				Description: hook.Description,
				Schema:      hook.Schema,
				Execute:     l.sandboxedToolExecute(manifest.Name, hook.Name),
			}
			if err := api.Tools.RegisterTool(tool); err != nil {
				l.logger.Warn("sandboxed tool registration failed", "plugin", manifest.Name, "tool", hook.Name, "error", err)
			}
		default:
			l.logger.Debug("sandboxed hook catalogued without invocation binding", "plugin", manifest.Name, "kind", hook.Kind, "name", hook.Name)
		}
	}
}

// sandboxedToolExecute returns a models.ToolFunc that forwards to the
// sandbox host's INVOKE_TOOL RPC, translating the host's
// pluginsdk.ToolResultData reply into a models.ToolResult.
func (l *Loader) sandboxedToolExecute(pluginName, toolID string) models.ToolFunc {
	return func(toolCtx models.ToolContext, args map[string]any) (models.ToolResult, error) {
		input, err := json.Marshal(args)
		if err != nil {
			return models.ToolResult{}, fmt.Errorf("encode tool args: %w", err)
		}
		result, err := l.sandboxHost.InvokeTool(toolCtx.Context, pluginName, toolID, input, pluginsdk.ToolContextData{
			WorkingDir:   toolCtx.WorkingDir,
			AllowedPaths: toolCtx.AllowedPaths,
			SessionID:    toolCtx.SessionID,
		})
		if err != nil {
			return models.ToolResult{}, err
		}
		return models.ToolResult{Body: result.Body, IsError: result.IsError}, nil
	}
}

func (l *Loader) loadNative(ctx context.Context, info ManifestInfo, workingDir string) ([]pluginsdk.HookDescriptor, error) {
	manifest := info.Manifest
	plug, err := loadNativePlugin(info.Path)
	if err != nil {
		return nil, err
	}

	gate := pluginsdk.NewCapabilityGate(manifest.Name, manifest)
	api := l.registries.ForPlugin(manifest.Name, gate, manifest.ConfigSchema, &pluginLogger{logger: l.logger, plugin: manifest.Name}, l.resolvePath)

	if err := plug.Init(ctx, api); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	l.native[manifest.Name] = plug

	hooks := []pluginsdk.HookDescriptor{{Kind: "plugin", Name: manifest.Name, Description: manifest.Description}}
	return hooks, nil
}

// Shutdown calls Shutdown on every loaded native plugin that implements
// pluginsdk.ShutdownPlugin, and unloads every sandboxed plugin.
func (l *Loader) Shutdown(ctx context.Context) {
	for name, plug := range l.native {
		if sp, ok := plug.(pluginsdk.ShutdownPlugin); ok {
			if err := sp.Shutdown(ctx); err != nil {
				l.logger.Warn("plugin shutdown failed", "plugin", name, "error", err)
			}
		}
	}
	if l.sandboxHost != nil {
		for name := range l.sandboxed {
			if err := l.sandboxHost.UnloadPlugin(name); err != nil {
				l.logger.Warn("sandboxed plugin unload failed", "plugin", name, "error", err)
			}
		}
	}
}

// dependencyOrder runs Kahn's algorithm over the manifest set: an edge runs
// from the plugin providing a service to every plugin that declares that
// service as a dependency, so providers always load first. A dependency on
// a service no loaded plugin provides is treated as already satisfied
// (e.g. a built-in service), not an error.
func dependencyOrder(manifests map[string]ManifestInfo) ([]string, error) {
	serviceProvider := make(map[string]string) // service id -> plugin name
	for name, info := range manifests {
		for _, svc := range info.Manifest.Services {
			serviceProvider[svc] = name
		}
	}

	inDegree := make(map[string]int, len(manifests))
	edges := make(map[string][]string) // plugin name -> plugins that depend on it
	for name := range manifests {
		inDegree[name] = 0
	}
	for name, info := range manifests {
		for _, dep := range info.Manifest.ServiceDependencies {
			provider, ok := serviceProvider[dep]
			if !ok || provider == name {
				continue
			}
			edges[provider] = append(edges[provider], name)
			inDegree[name]++
		}
	}

	queue := make([]string, 0, len(manifests))
	for _, name := range sortedNames(manifests) {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	order := make([]string, 0, len(manifests))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dependent := range edges[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(manifests) {
		return nil, fmt.Errorf("cyclic plugin service dependency detected")
	}
	return order, nil
}
