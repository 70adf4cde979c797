package pluginsdk

import "strings"

const (
	CapabilityToolPrefix     = "tool:"
	CapabilityProviderPrefix = "provider:"
	CapabilityServicePrefix  = "service:"
	CapabilityHookPrefix     = "hook:"
)

// DeclaredCapabilities returns the manifest's declared capability strings,
// or nil if the manifest declares none (an absent/empty declaration means
// the capability gate is not enforced).
func (m *Manifest) DeclaredCapabilities() []string {
	if m == nil || m.Capabilities == nil {
		return nil
	}
	return m.Capabilities.Declared
}

// CapabilityMatches reports whether an allowed capability pattern matches a
// requested capability. A trailing "*" on the pattern matches any suffix
// after the fixed prefix; otherwise the match is exact.
func CapabilityMatches(allowed, requested string) bool {
	if allowed == requested {
		return true
	}
	if strings.HasSuffix(allowed, "*") {
		prefix := strings.TrimSuffix(allowed, "*")
		return strings.HasPrefix(requested, prefix)
	}
	return false
}

// ToolCapability builds the capability string for registering tool name.
func ToolCapability(name string) string { return CapabilityToolPrefix + strings.TrimSpace(name) }

// ProviderCapability builds the capability string for accessing provider id.
func ProviderCapability(id string) string { return CapabilityProviderPrefix + strings.TrimSpace(id) }

// ServiceCapability builds the capability string for providing service id.
func ServiceCapability(id string) string { return CapabilityServicePrefix + strings.TrimSpace(id) }

// HookCapability builds the capability string for registering a listener on eventType.
func HookCapability(eventType string) string { return CapabilityHookPrefix + strings.TrimSpace(eventType) }

// CapabilityGate enforces a plugin's declared capabilities against requested
// registrations. A nil gate (no declarations) permits everything.
type CapabilityGate struct {
	PluginName string
	declared   []string
}

// NewCapabilityGate builds a gate from a manifest. Returns nil if the
// manifest declares no capabilities.
func NewCapabilityGate(pluginName string, manifest *Manifest) *CapabilityGate {
	declared := manifest.DeclaredCapabilities()
	if len(declared) == 0 {
		return nil
	}
	return &CapabilityGate{PluginName: pluginName, declared: declared}
}

// Require returns an error unless capability matches one of the gate's
// declared patterns. A nil receiver always permits.
func (g *CapabilityGate) Require(capability string) error {
	if g == nil {
		return nil
	}
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return &CapabilityError{PluginName: g.PluginName, Capability: capability}
	}
	for _, allowed := range g.declared {
		if CapabilityMatches(allowed, capability) {
			return nil
		}
	}
	return &CapabilityError{PluginName: g.PluginName, Capability: capability}
}

// AllowedProviderIDs filters providerIDs down to those permitted by the
// manifest's provider allow-list. An empty/absent allow-list permits all.
func AllowedProviderIDs(manifest *Manifest, providerIDs []string) []string {
	if manifest == nil || manifest.Capabilities == nil || len(manifest.Capabilities.AllowedProviders) == 0 {
		return providerIDs
	}
	allow := make(map[string]struct{}, len(manifest.Capabilities.AllowedProviders))
	for _, id := range manifest.Capabilities.AllowedProviders {
		allow[id] = struct{}{}
	}
	out := make([]string, 0, len(providerIDs))
	for _, id := range providerIDs {
		if _, ok := allow[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// CapabilityError reports a plugin's missing capability declaration.
type CapabilityError struct {
	PluginName string
	Capability string
}

func (e *CapabilityError) Error() string {
	return "plugin " + e.PluginName + " missing capability " + e.Capability
}
