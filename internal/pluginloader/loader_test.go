package pluginloader

import (
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/internal/registry"
	"github.com/openstarry/core/pkg/pluginsdk"
)

func manifestInfo(name string, provides, depends []string) ManifestInfo {
	return ManifestInfo{
		Manifest: &pluginsdk.Manifest{
			Name:                name,
			Version:             "1.0.0",
			Services:            provides,
			ServiceDependencies: depends,
		},
		Path: name + "/" + pluginsdk.ManifestFilename,
	}
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestDependencyOrder_ProviderBeforeConsumer(t *testing.T) {
	manifests := map[string]ManifestInfo{
		"weather":   manifestInfo("weather", []string{"geocoding"}, nil),
		"forecast":  manifestInfo("forecast", nil, []string{"geocoding"}),
		"unrelated": manifestInfo("unrelated", nil, nil),
	}

	order, err := dependencyOrder(manifests)
	require.NoError(t, err)
	require.Len(t, order, 3)
	assert.Less(t, indexOf(order, "weather"), indexOf(order, "forecast"))
}

func TestDependencyOrder_UnsatisfiedDependencyIsNotAnError(t *testing.T) {
	manifests := map[string]ManifestInfo{
		"solo": manifestInfo("solo", nil, []string{"some-builtin-service"}),
	}

	order, err := dependencyOrder(manifests)
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, order)
}

func TestDependencyOrder_CycleDetected(t *testing.T) {
	manifests := map[string]ManifestInfo{
		"a": manifestInfo("a", []string{"svc-a"}, []string{"svc-b"}),
		"b": manifestInfo("b", []string{"svc-b"}, []string{"svc-a"}),
	}

	_, err := dependencyOrder(manifests)
	require.Error(t, err)
}

func TestDependencyOrder_SelfDependencyIgnored(t *testing.T) {
	manifests := map[string]ManifestInfo{
		"self": manifestInfo("self", []string{"svc"}, []string{"svc"}),
	}

	order, err := dependencyOrder(manifests)
	require.NoError(t, err)
	assert.Equal(t, []string{"self"}, order)
}

func TestRegisterSandboxedHooks_ToolHookRegistered(t *testing.T) {
	registries := registry.New(&cobra.Command{Use: "root"}, bus.New(nil))
	loader := New(registries, nil, nil, nil)
	manifest := &pluginsdk.Manifest{Name: "sandboxed-plugin", Version: "1.0.0"}

	loader.registerSandboxedHooks(manifest, []pluginsdk.HookDescriptor{
		{Kind: "tool", Name: "echo", Description: "echoes input", Schema: json.RawMessage(`{"type":"object"}`)},
		{Kind: "provider", Name: "custom-model"},
	})

	tool, ok := registries.Tools.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echoes input", tool.Description)

	_, ok = registries.Providers.Get("custom-model")
	assert.False(t, ok, "non-tool hooks carry no invocation binding and must not be registered")
}
