package agentcore

import (
	"context"
	"testing"

	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/internal/registry"
	"github.com/openstarry/core/internal/security"
	"github.com/openstarry/core/internal/session"
	"github.com/openstarry/core/pkg/models"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	events []models.StreamEvent
	// followUp, when set, is streamed on every call after the first.
	followUp []models.StreamEvent
	calls    int
}

func (f *fakeProvider) ID() string                     { return "fake" }
func (f *fakeProvider) Name() string                   { return "Fake" }
func (f *fakeProvider) Models() []models.ModelDescriptor { return nil }
func (f *fakeProvider) StreamChat(ctx context.Context, req models.ChatRequest) (<-chan models.StreamEvent, error) {
	events := f.events
	if f.calls > 0 && f.followUp != nil {
		events = f.followUp
	}
	f.calls++
	ch := make(chan models.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func newTestLoop(t *testing.T, provider models.Provider) (*Loop, *session.Manager, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	sessions := session.New(b, nil)
	registries := registry.New(&cobra.Command{Use: "root"}, b)
	sec := security.New(nil, nil)

	loop := New(Config{MaxToolRounds: 5}, b, sessions, registries, sec, nil,
		func(sessionID string) (models.Provider, error) { return provider, nil },
		func(sessionID string) string { return "fake-model" },
		func(sessionID string) string { return "" },
	)
	return loop, sessions, b
}

func TestLoop_SimpleTurnNoTools(t *testing.T) {
	provider := &fakeProvider{events: []models.StreamEvent{
		{Type: models.StreamTextDelta, TextDelta: "hello"},
		{Type: models.StreamFinish, StopReason: models.StopEndTurn, Usage: models.TokenUsage{TotalTokens: 10}},
	}}
	loop, sessions, b := newTestLoop(t, provider)

	var events []string
	b.OnAny(func(ev bus.Event) { events = append(events, ev.Type) })

	loop.ProcessEvent(context.Background(), Input{Data: map[string]any{"text": "hi"}})

	store := sessions.GetStateManager("")
	snap := store.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, models.RoleUser, snap[0].Role)
	assert.Equal(t, models.RoleAssistant, snap[1].Role)
	assert.Equal(t, "hello", snap[1].PlainText())

	assert.Contains(t, events, EventLoopStarted)
	assert.Contains(t, events, EventLoopFinished)
	assert.Contains(t, events, EventMessageUser)
	assert.Contains(t, events, EventMessageAssistant)
}

func TestLoop_ToolCallExecutesAndAppendsResult(t *testing.T) {
	provider := &fakeProvider{
		events: []models.StreamEvent{
			{Type: models.StreamToolCallStart, ToolCallID: "call-1", ToolCallName: "echo"},
			{Type: models.StreamToolCallEnd, ToolCallID: "call-1"},
			{Type: models.StreamFinish, StopReason: models.StopToolUse},
		},
		followUp: []models.StreamEvent{
			{Type: models.StreamTextDelta, TextDelta: "done"},
			{Type: models.StreamFinish, StopReason: models.StopEndTurn},
		},
	}
	loop, sessions, _ := newTestLoop(t, provider)

	api := loop.registries.ForPlugin("test-plugin", nil, nil, nil, nil)
	require.NoError(t, api.Tools.RegisterTool(models.Tool{
		ID: "echo",
		Execute: func(ctx models.ToolContext, args map[string]any) (models.ToolResult, error) {
			return models.ToolResult{Body: "echoed"}, nil
		},
	}))

	loop.ProcessEvent(context.Background(), Input{Data: map[string]any{"text": "run echo"}})

	snap := sessions.GetStateManager("").Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, models.RoleTool, snap[2].Role)
	assert.Equal(t, "echoed", snap[2].Segments[0].Body)
	assert.Equal(t, models.RoleAssistant, snap[3].Role)
	assert.Equal(t, "done", snap[3].PlainText())
}

func TestLoop_CancelledInputStopsAndEmitsCancelled(t *testing.T) {
	provider := &fakeProvider{events: []models.StreamEvent{
		{Type: models.StreamFinish},
	}}
	loop, _, b := newTestLoop(t, provider)

	var events []string
	b.OnAny(func(ev bus.Event) { events = append(events, ev.Type) })

	cancel := make(chan struct{})
	close(cancel)

	loop.ProcessEvent(context.Background(), Input{Data: map[string]any{"text": "hi"}, Cancel: cancel})

	assert.Contains(t, events, EventLoopError)
	assert.Contains(t, events, EventLoopFinished)
}
