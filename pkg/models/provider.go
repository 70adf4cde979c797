package models

import "context"

// ModelDescriptor describes one model a Provider exposes.
type ModelDescriptor struct {
	ID            string
	ContextWindow int
	MaxOutput     int
}

// ToolSchema is a tool definition surfaced to a provider for function
// calling, independent of the local Tool registration shape.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SamplingParams holds provider-agnostic generation parameters.
type SamplingParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// ChatRequest is the input to a Provider's streaming chat operation.
type ChatRequest struct {
	Model        string
	Messages     []Message
	SystemPrompt string
	Tools        []ToolSchema
	Sampling     SamplingParams
	Cancel       <-chan struct{}
}

// StreamEventType discriminates the closed set of events a Provider yields.
type StreamEventType string

const (
	StreamTextDelta      StreamEventType = "text_delta"
	StreamReasoningDelta StreamEventType = "reasoning_delta"
	StreamToolCallStart  StreamEventType = "tool_call_start"
	StreamToolCallDelta  StreamEventType = "tool_call_delta"
	StreamToolCallEnd    StreamEventType = "tool_call_end"
	StreamFinish         StreamEventType = "finish"
	StreamError          StreamEventType = "error"
)

// StopReason classifies why a stream finished.
type StopReason string

const (
	StopEndTurn     StopReason = "end_turn"
	StopToolUse     StopReason = "tool_use"
	StopMaxTokens   StopReason = "max_tokens"
	StopCancelled   StopReason = "cancelled"
)

// TokenUsage reports consumption for a finished stream.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// StreamEvent is one item yielded by a Provider's chat stream.
type StreamEvent struct {
	Type StreamEventType

	TextDelta      string
	ReasoningDelta string

	ToolCallID   string
	ToolCallName string
	ArgsDelta    string

	StopReason StopReason
	Usage      TokenUsage

	Err error
}

// Provider is a model backend: an id, a name, the models it exposes, and a
// streaming chat operation. Concrete HTTP-client implementations are out of
// scope for the core; only this interface shape and the descriptor data
// travel through the registries.
type Provider interface {
	ID() string
	Name() string
	Models() []ModelDescriptor
	StreamChat(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}
