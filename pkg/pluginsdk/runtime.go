package pluginsdk

import (
	"context"

	"github.com/openstarry/core/pkg/models"
	"github.com/spf13/cobra"
)

// ToolRegistry is the name-keyed catalog of tools a plugin may populate.
type ToolRegistry interface {
	RegisterTool(tool models.Tool) error
	UnregisterTool(id string)
}

// Guide is a static piece of guidance text (system-prompt fragment) a plugin
// contributes, keyed by name.
type Guide struct {
	Name        string
	Description string
	Body        string
}

// GuideRegistry is the name-keyed catalog of guides a plugin may populate.
type GuideRegistry interface {
	RegisterGuide(guide Guide) error
	UnregisterGuide(name string)
}

// ProviderRegistry is the name-keyed catalog of model providers a plugin may
// populate.
type ProviderRegistry interface {
	RegisterProvider(provider models.Provider) error
	UnregisterProvider(id string)
}

// CLICommand is one cobra-backed command a plugin contributes.
type CLICommand struct {
	Use   string
	Short string
	Long  string
	RunE  func(cmd *cobra.Command, args []string) error
}

// CommandRegistry is the name-keyed catalog of CLI commands a plugin may
// populate.
type CommandRegistry interface {
	RegisterCommand(cmd CLICommand) error
	UnregisterCommand(use string)
}

// ListenerHandler receives one bus event delivery.
type ListenerHandler func(eventType string, payload any)

// ListenerRegistry lets a plugin subscribe to bus events; the returned
// token is later passed to Unsubscribe.
type ListenerRegistry interface {
	Subscribe(eventType string, handler ListenerHandler) uint64
	SubscribeAny(handler ListenerHandler) uint64
	Unsubscribe(token uint64)
}

// Service is a named long-lived capability a plugin provides to other
// plugins (resolved via ServiceDependencies in the manifest).
type Service interface {
	ID() string
}

// ServiceRegistry is the name-keyed catalog of services a plugin may
// populate and depend on.
type ServiceRegistry interface {
	RegisterService(svc Service) error
	Service(id string) (Service, bool)
}

// UIHint is a metadata-only surface description a plugin may contribute for
// a host UI to render; the core never interprets its contents.
type UIHint struct {
	Kind string
	Data map[string]any
}

// UIRegistry is the name-keyed catalog of UI hints a plugin may populate.
type UIRegistry interface {
	RegisterUIHint(name string, hint UIHint) error
	UnregisterUIHint(name string)
}

// PluginLogger is the structured logger handed to a plugin; implementations
// wrap the host's slog.Logger scoped with the plugin's name.
type PluginLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// PluginAPI is the full surface area handed to an in-process plugin's Init
// function. Sandboxed plugins never see this directly: the sandbox host
// implements the equivalent operations over the RPC protocol in protocol.go
// and exposes them to the worker process through its own SDK shim.
type PluginAPI struct {
	Tools     ToolRegistry
	Guides    GuideRegistry
	Providers ProviderRegistry
	Commands  CommandRegistry
	Listeners ListenerRegistry
	Services  ServiceRegistry
	UI        UIRegistry

	Config         []byte
	Logger         PluginLogger
	ResolvePath    func(relative string) (string, error)
	CapabilityGate *CapabilityGate
}

// RuntimePlugin is the minimal contract every in-process plugin satisfies.
type RuntimePlugin interface {
	Manifest() *Manifest
	Init(ctx context.Context, api *PluginAPI) error
}

// ShutdownPlugin is implemented by plugins that need to release resources
// when the loader unwinds (reverse topological order).
type ShutdownPlugin interface {
	RuntimePlugin
	Shutdown(ctx context.Context) error
}
