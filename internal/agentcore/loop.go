// Package agentcore implements the execution loop: one
// processEvent call drives exactly one user input through the assemble
// context / invoke model / stream output / execute tools cycle until no
// tool calls remain pending or a safety halt fires.
package agentcore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/internal/contextwin"
	"github.com/openstarry/core/internal/registry"
	"github.com/openstarry/core/internal/safety"
	"github.com/openstarry/core/internal/security"
	"github.com/openstarry/core/internal/session"
	"github.com/openstarry/core/pkg/models"
)

// Bus event types the loop emits.
const (
	EventLoopStarted     = "loop:started"
	EventLoopAwaitingLLM  = "loop:awaiting_llm"
	EventLoopError       = "loop:error"
	EventLoopFinished    = "loop:finished"
	EventMessageUser     = "message:user"
	EventMessageAssistant = "message:assistant"
	EventMessageSystem   = "message:system"
	EventToolExecuting   = "tool:executing"
	EventToolResult      = "tool:result"
	EventToolError       = "tool:error"
	EventStreamTextDelta      = "stream:text_delta"
	EventStreamReasoningDelta = "stream:reasoning_delta"
	EventStreamToolCallStart  = "stream:tool_call_start"
	EventStreamToolCallDelta  = "stream:tool_call_delta"
	EventStreamToolCallEnd    = "stream:tool_call_end"
	EventStreamFinish         = "stream:finish"
	EventStreamError          = "stream:error"
)

// ProviderResolver returns the effective provider for sessionID.
type ProviderResolver func(sessionID string) (models.Provider, error)

// ModelResolver returns the effective model id for sessionID.
type ModelResolver func(sessionID string) string

// SystemPromptResolver returns the effective guide-composed system prompt
// for sessionID.
type SystemPromptResolver func(sessionID string) string

// Input is one pending event the loop drives to completion.
type Input struct {
	SessionID string
	ReplyTo   string
	Data      map[string]any
	Cancel    <-chan struct{}
}

// Config bounds the loop's behavior.
type Config struct {
	MaxToolRounds int
	ContextWindowTurns int
	WorkingDir string
	Safety safety.Config
}

// DefaultConfig returns the default of 10 max tool rounds.
func DefaultConfig() Config {
	return Config{MaxToolRounds: 10, ContextWindowTurns: 20, Safety: safety.DefaultConfig()}
}

// Loop drives input events to completion against the wired subsystems.
type Loop struct {
	cfg Config

	bus      *bus.Bus
	sessions *session.Manager
	registries *registry.Registries
	security *security.Layer
	logger   *slog.Logger

	resolveProvider ProviderResolver
	resolveModel    ModelResolver
	resolveSystemPrompt SystemPromptResolver

	mu       sync.Mutex
	monitors map[string]*safety.Monitor
}

// New constructs a Loop. Any resolver left nil degrades gracefully (e.g. a
// nil provider resolver halts step 4d with an error message rather than
// panicking).
func New(cfg Config, b *bus.Bus, sessions *session.Manager, registries *registry.Registries, sec *security.Layer, logger *slog.Logger, resolveProvider ProviderResolver, resolveModel ModelResolver, resolveSystemPrompt SystemPromptResolver) *Loop {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultConfig().MaxToolRounds
	}
	if cfg.ContextWindowTurns <= 0 {
		cfg.ContextWindowTurns = DefaultConfig().ContextWindowTurns
	}
	if cfg.Safety == (safety.Config{}) {
		cfg.Safety = safety.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:                 cfg,
		bus:                 b,
		sessions:            sessions,
		registries:          registries,
		security:            sec,
		logger:              logger,
		resolveProvider:     resolveProvider,
		resolveModel:        resolveModel,
		resolveSystemPrompt: resolveSystemPrompt,
		monitors:            make(map[string]*safety.Monitor),
	}
}

func (l *Loop) monitorFor(sessionID string) *safety.Monitor {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.monitors[sessionID]
	if !ok {
		m = safety.New(l.cfg.Safety)
		l.monitors[sessionID] = m
	}
	return m
}

func effectiveSessionID(sessionID string) string {
	if sessionID == "" {
		return models.DefaultSessionID
	}
	return sessionID
}

func (l *Loop) emit(eventType string, sessionID, replyTo string, extra map[string]any) {
	payload := map[string]any{"sessionId": effectiveSessionID(sessionID)}
	if replyTo != "" {
		payload["replyTo"] = replyTo
	}
	for k, v := range extra {
		payload[k] = v
	}
	if l.bus != nil {
		l.bus.Emit(eventType, payload)
	}
}

func cancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// ProcessEvent drives input through exactly one turn.
func (l *Loop) ProcessEvent(ctx context.Context, input Input) {
	sessionID := effectiveSessionID(input.SessionID)
	store := l.sessions.GetStateManager(sessionID)
	monitor := l.monitorFor(sessionID)
	monitor.OnLoopStart()

	l.emit(EventLoopStarted, sessionID, input.ReplyTo, nil)

	userMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		CreatedAt: time.Now(),
		Segments:  dataToSegments(input.Data),
	}
	store.Append(userMsg)
	l.emit(EventMessageUser, sessionID, input.ReplyTo, map[string]any{"message": userMsg})

	for round := 0; round < l.cfg.MaxToolRounds; round++ {
		if v := monitor.OnLoopTick(); v.Halt {
			l.emit(EventLoopError, sessionID, input.ReplyTo, map[string]any{"reason": v.Reason})
			break
		}
		if cancelled(input.Cancel) {
			l.emit(EventLoopError, sessionID, input.ReplyTo, map[string]any{"reason": "cancelled"})
			l.emit(EventLoopFinished, sessionID, input.ReplyTo, nil)
			return
		}

		transcript := contextwin.Assemble(store.Snapshot(), l.cfg.ContextWindowTurns)

		l.emit(EventLoopAwaitingLLM, sessionID, input.ReplyTo, nil)
		if v := monitor.BeforeLLMCall(); v.Halt {
			l.emit(EventLoopError, sessionID, input.ReplyTo, map[string]any{"reason": v.Reason})
			break
		}
		if cancelled(input.Cancel) {
			l.emit(EventLoopError, sessionID, input.ReplyTo, map[string]any{"reason": "cancelled"})
			l.emit(EventLoopFinished, sessionID, input.ReplyTo, nil)
			return
		}

		if l.resolveProvider == nil {
			l.emit(EventLoopError, sessionID, input.ReplyTo, map[string]any{"reason": "no provider resolver configured"})
			break
		}
		provider, err := l.resolveProvider(sessionID)
		if err != nil {
			l.emit(EventLoopError, sessionID, input.ReplyTo, map[string]any{"reason": err.Error()})
			break
		}
		model := ""
		if l.resolveModel != nil {
			model = l.resolveModel(sessionID)
		}
		systemPrompt := ""
		if l.resolveSystemPrompt != nil {
			systemPrompt = l.resolveSystemPrompt(sessionID)
		}

		req := models.ChatRequest{
			Model:        model,
			Messages:     transcript,
			SystemPrompt: systemPrompt,
			Sampling:     models.SamplingParams{},
		}

		assistantMsg, usage, streamErr := l.runStream(ctx, provider, req, sessionID, input.ReplyTo)
		if streamErr != nil {
			l.emit(EventLoopError, sessionID, input.ReplyTo, map[string]any{"reason": streamErr.Error()})
			break
		}

		monitor.TrackTokenUsage(usage.TotalTokens)
		store.Append(assistantMsg)
		l.emit(EventMessageAssistant, sessionID, input.ReplyTo, map[string]any{"message": assistantMsg})

		toolCalls := assistantMsg.ToolCallRequests()
		if len(toolCalls) == 0 {
			break
		}

		halted := l.runToolRound(ctx, store, monitor, sessionID, input, toolCalls)
		if halted {
			break
		}
	}

	l.emit(EventLoopFinished, sessionID, input.ReplyTo, nil)
}

func dataToSegments(data map[string]any) []models.Segment {
	if text, ok := data["text"].(string); ok {
		return []models.Segment{{Type: models.SegmentText, Text: text}}
	}
	raw, _ := json.Marshal(data)
	return []models.Segment{{Type: models.SegmentText, Text: string(raw)}}
}

// runStream consumes provider.StreamChat, re-emitting mapped stream events
// and accumulating an assistant message.
func (l *Loop) runStream(ctx context.Context, provider models.Provider, req models.ChatRequest, sessionID, replyTo string) (models.Message, models.TokenUsage, error) {
	events, err := provider.StreamChat(ctx, req)
	if err != nil {
		return models.Message{}, models.TokenUsage{}, err
	}

	msg := models.Message{ID: uuid.NewString(), Role: models.RoleAssistant, CreatedAt: time.Now()}
	var textBuf, reasoningBuf string
	pendingToolCalls := make(map[string]*models.Segment)
	var toolCallOrder []string
	var usage models.TokenUsage
	var streamErr error

	for ev := range events {
		switch ev.Type {
		case models.StreamTextDelta:
			textBuf += ev.TextDelta
			l.emit(EventStreamTextDelta, sessionID, replyTo, map[string]any{"delta": ev.TextDelta})
		case models.StreamReasoningDelta:
			reasoningBuf += ev.ReasoningDelta
			l.emit(EventStreamReasoningDelta, sessionID, replyTo, map[string]any{"delta": ev.ReasoningDelta})
		case models.StreamToolCallStart:
			seg := &models.Segment{Type: models.SegmentToolCallRequest, ToolCallID: ev.ToolCallID, ToolName: ev.ToolCallName}
			pendingToolCalls[ev.ToolCallID] = seg
			toolCallOrder = append(toolCallOrder, ev.ToolCallID)
			l.emit(EventStreamToolCallStart, sessionID, replyTo, map[string]any{"toolCallId": ev.ToolCallID, "toolName": ev.ToolCallName})
		case models.StreamToolCallDelta:
			l.emit(EventStreamToolCallDelta, sessionID, replyTo, map[string]any{"toolCallId": ev.ToolCallID, "delta": ev.ArgsDelta})
			if seg, ok := pendingToolCalls[ev.ToolCallID]; ok {
				appendToolArgsDelta(seg, ev.ArgsDelta)
			}
		case models.StreamToolCallEnd:
			l.emit(EventStreamToolCallEnd, sessionID, replyTo, map[string]any{"toolCallId": ev.ToolCallID})
		case models.StreamFinish:
			usage = ev.Usage
			l.emit(EventStreamFinish, sessionID, replyTo, map[string]any{"stopReason": ev.StopReason, "usage": ev.Usage})
		case models.StreamError:
			streamErr = ev.Err
			l.emit(EventStreamError, sessionID, replyTo, map[string]any{"error": ev.Err.Error()})
		}
	}

	if streamErr != nil {
		return models.Message{}, models.TokenUsage{}, streamErr
	}

	if textBuf != "" {
		msg.Segments = append(msg.Segments, models.Segment{Type: models.SegmentText, Text: textBuf})
	}
	if reasoningBuf != "" {
		msg.Segments = append(msg.Segments, models.Segment{Type: models.SegmentReasoning, Text: reasoningBuf})
	}
	for _, id := range toolCallOrder {
		msg.Segments = append(msg.Segments, *pendingToolCalls[id])
	}
	return msg, usage, nil
}

func appendToolArgsDelta(seg *models.Segment, delta string) {
	if seg.Arguments == nil {
		seg.Arguments = make(map[string]any)
	}
	var partial map[string]any
	if err := json.Unmarshal([]byte(delta), &partial); err == nil {
		for k, v := range partial {
			seg.Arguments[k] = v
		}
	}
}

// runToolRound executes every pending tool call and
// returns true if the safety monitor asked the loop to halt.
func (l *Loop) runToolRound(ctx context.Context, store interface {
	Append(models.Message)
}, monitor *safety.Monitor, sessionID string, input Input, toolCalls []models.Segment) bool {
	for _, call := range toolCalls {
		if cancelled(input.Cancel) {
			l.emit(EventLoopError, sessionID, input.ReplyTo, map[string]any{"reason": "cancelled"})
			return true
		}

		l.emit(EventToolExecuting, sessionID, input.ReplyTo, map[string]any{"toolCallId": call.ToolCallID, "toolName": call.ToolName})

		body, isError := l.executeTool(ctx, sessionID, call)

		resultMsg := models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleTool,
			CreatedAt: time.Now(),
			Segments: []models.Segment{{
				Type:       models.SegmentToolCallResult,
				ReplyToID:  call.ToolCallID,
				ToolName:   call.ToolName,
				Body:       body,
				IsError:    isError,
			}},
		}
		store.Append(resultMsg)

		if isError {
			l.emit(EventToolError, sessionID, input.ReplyTo, map[string]any{"toolCallId": call.ToolCallID, "error": body})
		} else {
			l.emit(EventToolResult, sessionID, input.ReplyTo, map[string]any{"toolCallId": call.ToolCallID, "result": body})
		}

		argJSON, _ := json.Marshal(call.Arguments)
		verdict := monitor.AfterToolExecution(call.ToolName, argJSON, isError)
		if verdict.InjectPrompt != "" {
			sysMsg := models.TextMessage(models.RoleSystem, verdict.InjectPrompt)
			store.Append(sysMsg)
			l.emit(EventMessageSystem, sessionID, input.ReplyTo, map[string]any{"message": sysMsg})
		}
		if verdict.Halt {
			l.emit(EventLoopError, sessionID, input.ReplyTo, map[string]any{"reason": verdict.Reason})
			return true
		}
	}
	return false
}

// executeTool looks up, validates, and runs one tool call, recovering from
// panics so a misbehaving tool cannot take down the execution loop.
func (l *Loop) executeTool(ctx context.Context, sessionID string, call models.Segment) (body string, isError bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tool execution panicked", "tool", call.ToolName, "panic", r, "stack", string(debug.Stack()))
			body, isError = fmt.Sprintf("tool %q panicked: %v", call.ToolName, r), true
		}
	}()

	tool, ok := l.registries.Tools.Get(call.ToolName)
	if !ok {
		return fmt.Sprintf("unknown tool %q", call.ToolName), true
	}

	if err := tool.ValidateArgs(call.Arguments); err != nil {
		return err.Error(), true
	}

	var allowedPaths []string
	if l.security != nil {
		allowedPaths = l.security.EffectiveAllowList(sessionID)
	}
	toolCtx := models.ToolContext{
		Context:      ctx,
		SessionID:    sessionID,
		WorkingDir:   l.cfg.WorkingDir,
		AllowedPaths: allowedPaths,
		Bus:          busEmitter{l.bus},
	}
	result, err := tool.Execute(toolCtx, call.Arguments)
	if err != nil {
		return err.Error(), true
	}
	return result.Body, result.IsError
}

type busEmitter struct{ b *bus.Bus }

func (e busEmitter) Emit(eventType string, payload any) {
	if e.b != nil {
		e.b.Emit(eventType, payload)
	}
}
