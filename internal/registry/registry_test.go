package registry

import (
	"testing"

	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/pkg/models"
	"github.com/openstarry/core/pkg/pluginsdk"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistries() *Registries {
	return New(&cobra.Command{Use: "root"}, bus.New(nil))
}

func TestToolRegistry_RegisterAndGet(t *testing.T) {
	r := newTestRegistries()
	api := r.ForPlugin("my-plugin", nil, nil, nil, nil)

	err := api.Tools.RegisterTool(models.Tool{ID: "echo", Description: "echoes input"})
	require.NoError(t, err)

	tool, ok := r.Tools.Get("echo")
	assert.True(t, ok)
	assert.Equal(t, "echoes input", tool.Description)
}

func TestToolRegistry_DuplicateRejected(t *testing.T) {
	r := newTestRegistries()
	api := r.ForPlugin("my-plugin", nil, nil, nil, nil)
	require.NoError(t, api.Tools.RegisterTool(models.Tool{ID: "echo"}))

	err := api.Tools.RegisterTool(models.Tool{ID: "echo"})
	assert.Error(t, err)
}

func TestCapabilityGate_RejectsUndeclaredTool(t *testing.T) {
	r := newTestRegistries()
	manifest := &pluginsdk.Manifest{
		Capabilities: &pluginsdk.Capabilities{Declared: []string{"tool:allowed-*"}},
	}
	gate := pluginsdk.NewCapabilityGate("my-plugin", manifest)
	api := r.ForPlugin("my-plugin", gate, nil, nil, nil)

	err := api.Tools.RegisterTool(models.Tool{ID: "forbidden"})
	assert.Error(t, err)

	err = api.Tools.RegisterTool(models.Tool{ID: "allowed-one"})
	assert.NoError(t, err)
}

func TestListenerRegistry_SubscribeAndUnsubscribe(t *testing.T) {
	r := newTestRegistries()
	api := r.ForPlugin("my-plugin", nil, nil, nil, nil)

	var count int
	token := api.Listeners.Subscribe("x", func(eventType string, payload any) { count++ })

	r.Listeners.bus.Emit("x", nil)
	api.Listeners.Unsubscribe(token)
	r.Listeners.bus.Emit("x", nil)

	assert.Equal(t, 1, count)
}

func TestCommandRegistry_RejectsDuplicateUse(t *testing.T) {
	r := newTestRegistries()
	api := r.ForPlugin("my-plugin", nil, nil, nil, nil)

	require.NoError(t, api.Commands.RegisterCommand(pluginsdk.CLICommand{Use: "status"}))
	assert.Error(t, api.Commands.RegisterCommand(pluginsdk.CLICommand{Use: "status"}))
}

func TestServiceRegistry_RegisterAndLookup(t *testing.T) {
	r := newTestRegistries()
	api := r.ForPlugin("my-plugin", nil, nil, nil, nil)

	require.NoError(t, api.Services.RegisterService(fakeService{id: "storage"}))

	svc, ok := r.Services.Service("storage")
	assert.True(t, ok)
	assert.Equal(t, "storage", svc.ID())
}

type fakeService struct{ id string }

func (f fakeService) ID() string { return f.id }
