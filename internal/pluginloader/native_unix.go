//go:build !windows

package pluginloader

import (
	"fmt"
	"plugin"

	"github.com/openstarry/core/pkg/pluginsdk"
)

const runtimePluginSymbol = "OpenStarryPlugin"

// loadNativePlugin loads an in-process plugin from a .so built with
// `go build -buildmode=plugin`, looking up the well-known symbol name every
// plugin must export.
func loadNativePlugin(path string) (pluginsdk.RuntimePlugin, error) {
	validated, err := ValidatePluginPath(path)
	if err != nil {
		return nil, fmt.Errorf("invalid plugin path: %w", err)
	}
	plug, err := plugin.Open(validated)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", validated, err)
	}
	symbol, err := plug.Lookup(runtimePluginSymbol)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", runtimePluginSymbol, err)
	}
	switch v := symbol.(type) {
	case pluginsdk.RuntimePlugin:
		return v, nil
	case *pluginsdk.RuntimePlugin:
		return *v, nil
	default:
		return nil, fmt.Errorf("plugin symbol %s does not implement RuntimePlugin", runtimePluginSymbol)
	}
}
