// Package registry implements the name-keyed tool/provider/guide/command/
// listener/UI/service catalogs that plugins populate.
// Tool, provider, service and per-event-type listener registrations are
// capability-gated: a plugin whose manifest declares capabilities may only
// register names it was granted. Guide, command and UI-hint registrations
// and wildcard listener subscriptions are not gated.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/pkg/models"
	"github.com/openstarry/core/pkg/pluginsdk"
	"github.com/spf13/cobra"
)

// Registries aggregates every plugin-populated catalog, wired to a shared
// event bus for listener registration.
type Registries struct {
	Tools     *ToolRegistry
	Guides    *GuideRegistry
	Providers *ProviderRegistry
	Commands  *CommandRegistry
	Listeners *ListenerRegistry
	Services  *ServiceRegistry
	UI        *UIRegistry
}

// New constructs a fresh Registries bound to root (the CLI root command
// plugins attach subcommands to) and b (the bus listener registrations
// subscribe against).
func New(root *cobra.Command, b *bus.Bus) *Registries {
	return &Registries{
		Tools:     &ToolRegistry{tools: make(map[string]models.Tool)},
		Guides:    &GuideRegistry{guides: make(map[string]pluginsdk.Guide)},
		Providers: &ProviderRegistry{providers: make(map[string]models.Provider)},
		Commands:  &CommandRegistry{root: root, registered: make(map[string]struct{})},
		Listeners: &ListenerRegistry{bus: b},
		Services:  &ServiceRegistry{services: make(map[string]pluginsdk.Service)},
		UI:        &UIRegistry{hints: make(map[string]pluginsdk.UIHint)},
	}
}

// ForPlugin returns a *pluginsdk.PluginAPI scoped to pluginName. Tool,
// provider, service and per-event-type listener registrations go through
// gate (a nil gate permits everything); guide, command, UI-hint and
// wildcard listener registrations do not.
func (r *Registries) ForPlugin(pluginName string, gate *pluginsdk.CapabilityGate, config []byte, logger pluginsdk.PluginLogger, resolvePath func(string) (string, error)) *pluginsdk.PluginAPI {
	return &pluginsdk.PluginAPI{
		Tools:          &gatedToolRegistry{inner: r.Tools, plugin: pluginName, gate: gate},
		Guides:         &gatedGuideRegistry{inner: r.Guides, plugin: pluginName, gate: gate},
		Providers:      &gatedProviderRegistry{inner: r.Providers, plugin: pluginName, gate: gate},
		Commands:       &gatedCommandRegistry{inner: r.Commands, plugin: pluginName, gate: gate},
		Listeners:      &gatedListenerRegistry{inner: r.Listeners, plugin: pluginName, gate: gate},
		Services:       &gatedServiceRegistry{inner: r.Services, plugin: pluginName, gate: gate},
		UI:             &gatedUIRegistry{inner: r.UI, plugin: pluginName, gate: gate},
		Config:         config,
		Logger:         logger,
		ResolvePath:    resolvePath,
		CapabilityGate: gate,
	}
}

// --- Tool registry ---

// ToolRegistry is the name-keyed catalog of tools.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]models.Tool
}

func (r *ToolRegistry) register(tool models.Tool) error {
	if tool.ID == "" {
		return fmt.Errorf("tool id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.ID]; exists {
		return fmt.Errorf("tool %q already registered", tool.ID)
	}
	r.tools[tool.ID] = tool
	return nil
}

func (r *ToolRegistry) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, id)
}

// Get returns the tool for id.
func (r *ToolRegistry) Get(id string) (models.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// List returns every registered tool, sorted by id.
func (r *ToolRegistry) List() []models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type gatedToolRegistry struct {
	inner  *ToolRegistry
	plugin string
	gate   *pluginsdk.CapabilityGate
}

func (g *gatedToolRegistry) RegisterTool(tool models.Tool) error {
	if err := g.gate.Require(pluginsdk.ToolCapability(tool.ID)); err != nil {
		return err
	}
	return g.inner.register(tool)
}

func (g *gatedToolRegistry) UnregisterTool(id string) { g.inner.unregister(id) }

// --- Guide registry ---

// GuideRegistry is the name-keyed catalog of guides.
type GuideRegistry struct {
	mu     sync.RWMutex
	guides map[string]pluginsdk.Guide
}

// List returns every registered guide, sorted by name.
func (r *GuideRegistry) List() []pluginsdk.Guide {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pluginsdk.Guide, 0, len(r.guides))
	for _, g := range r.guides {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type gatedGuideRegistry struct {
	inner  *GuideRegistry
	plugin string
	gate   *pluginsdk.CapabilityGate
}

func (g *gatedGuideRegistry) RegisterGuide(guide pluginsdk.Guide) error {
	if guide.Name == "" {
		return fmt.Errorf("guide name is required")
	}
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	if _, exists := g.inner.guides[guide.Name]; exists {
		return fmt.Errorf("guide %q already registered", guide.Name)
	}
	g.inner.guides[guide.Name] = guide
	return nil
}

func (g *gatedGuideRegistry) UnregisterGuide(name string) {
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	delete(g.inner.guides, name)
}

// --- Provider registry ---

// ProviderRegistry is the name-keyed catalog of model providers.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]models.Provider
}

// Get returns the provider for id.
func (r *ProviderRegistry) Get(id string) (models.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns every registered provider id, sorted.
func (r *ProviderRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for id := range r.providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type gatedProviderRegistry struct {
	inner  *ProviderRegistry
	plugin string
	gate   *pluginsdk.CapabilityGate
}

func (g *gatedProviderRegistry) RegisterProvider(provider models.Provider) error {
	if err := g.gate.Require(pluginsdk.ProviderCapability(provider.ID())); err != nil {
		return err
	}
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	if _, exists := g.inner.providers[provider.ID()]; exists {
		return fmt.Errorf("provider %q already registered", provider.ID())
	}
	g.inner.providers[provider.ID()] = provider
	return nil
}

func (g *gatedProviderRegistry) UnregisterProvider(id string) {
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	delete(g.inner.providers, id)
}

// --- Command registry ---

// CommandRegistry attaches plugin CLI commands to a shared cobra root.
type CommandRegistry struct {
	mu         sync.Mutex
	root       *cobra.Command
	registered map[string]struct{}
}

type gatedCommandRegistry struct {
	inner  *CommandRegistry
	plugin string
	gate   *pluginsdk.CapabilityGate
}

func (g *gatedCommandRegistry) RegisterCommand(cmd pluginsdk.CLICommand) error {
	if g.inner.root == nil {
		return fmt.Errorf("CLI root command is nil")
	}
	if cmd.Use == "" {
		return fmt.Errorf("command use is required")
	}
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	if _, exists := g.inner.registered[cmd.Use]; exists {
		return fmt.Errorf("CLI command %q already exists", cmd.Use)
	}
	g.inner.root.AddCommand(&cobra.Command{
		Use:   cmd.Use,
		Short: cmd.Short,
		Long:  cmd.Long,
		RunE:  cmd.RunE,
	})
	g.inner.registered[cmd.Use] = struct{}{}
	return nil
}

func (g *gatedCommandRegistry) UnregisterCommand(use string) {
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	delete(g.inner.registered, use)
}

// --- Listener registry ---

// ListenerRegistry lets plugins subscribe to bus events. It maps its own
// opaque uint64 tokens to the bus's Unsubscribe closures, since
// pluginsdk.ListenerRegistry exposes a token handle rather than a closure.
type ListenerRegistry struct {
	bus *bus.Bus

	mu    sync.Mutex
	next  uint64
	byTok map[uint64]bus.Unsubscribe
}

func (r *ListenerRegistry) track(u bus.Unsubscribe) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byTok == nil {
		r.byTok = make(map[uint64]bus.Unsubscribe)
	}
	r.next++
	token := r.next
	r.byTok[token] = u
	return token
}

func (r *ListenerRegistry) release(token uint64) {
	r.mu.Lock()
	u, ok := r.byTok[token]
	delete(r.byTok, token)
	r.mu.Unlock()
	if ok {
		u()
	}
}

type gatedListenerRegistry struct {
	inner  *ListenerRegistry
	plugin string
	gate   *pluginsdk.CapabilityGate
}

func (g *gatedListenerRegistry) Subscribe(eventType string, handler pluginsdk.ListenerHandler) uint64 {
	if err := g.gate.Require(pluginsdk.HookCapability(eventType)); err != nil {
		return 0
	}
	unsub := g.inner.bus.On(eventType, func(ev bus.Event) { handler(ev.Type, ev.Payload) })
	return g.inner.track(unsub)
}

func (g *gatedListenerRegistry) SubscribeAny(handler pluginsdk.ListenerHandler) uint64 {
	unsub := g.inner.bus.OnAny(func(ev bus.Event) { handler(ev.Type, ev.Payload) })
	return g.inner.track(unsub)
}

func (g *gatedListenerRegistry) Unsubscribe(token uint64) {
	g.inner.release(token)
}

// --- Service registry ---

// ServiceRegistry is the name-keyed catalog of services plugins provide and
// declare dependencies on (consumed by the plugin loader's topological
// sort).
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]pluginsdk.Service
}

// Service returns the registered service for id.
func (r *ServiceRegistry) Service(id string) (pluginsdk.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[id]
	return s, ok
}

type gatedServiceRegistry struct {
	inner  *ServiceRegistry
	plugin string
	gate   *pluginsdk.CapabilityGate
}

func (g *gatedServiceRegistry) RegisterService(svc pluginsdk.Service) error {
	if err := g.gate.Require(pluginsdk.ServiceCapability(svc.ID())); err != nil {
		return err
	}
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	if _, exists := g.inner.services[svc.ID()]; exists {
		return fmt.Errorf("service %q already registered", svc.ID())
	}
	g.inner.services[svc.ID()] = svc
	return nil
}

func (g *gatedServiceRegistry) Service(id string) (pluginsdk.Service, bool) {
	return g.inner.Service(id)
}

// --- UI registry ---

// UIRegistry is the name-keyed catalog of UI hints.
type UIRegistry struct {
	mu    sync.RWMutex
	hints map[string]pluginsdk.UIHint
}

type gatedUIRegistry struct {
	inner  *UIRegistry
	plugin string
	gate   *pluginsdk.CapabilityGate
}

func (g *gatedUIRegistry) RegisterUIHint(name string, hint pluginsdk.UIHint) error {
	if name == "" {
		return fmt.Errorf("UI hint name is required")
	}
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	g.inner.hints[name] = hint
	return nil
}

func (g *gatedUIRegistry) UnregisterUIHint(name string) {
	g.inner.mu.Lock()
	defer g.inner.mu.Unlock()
	delete(g.inner.hints, name)
}
