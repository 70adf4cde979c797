package pluginsdk

import "encoding/json"

// MessageType discriminates the closed tagged union of host<->worker wire
// messages. Any message lacking a recognised Type is dropped by both sides;
// the host logs a warning for a typed frame it does not recognise.
type MessageType string

const (
	// Host -> worker
	MsgInitPlugin  MessageType = "INIT_PLUGIN"
	MsgInvokeTool  MessageType = "INVOKE_TOOL"
	MsgReset       MessageType = "RESET"

	// Worker -> host
	MsgInitComplete  MessageType = "INIT_COMPLETE"
	MsgToolResult    MessageType = "TOOL_RESULT"
	MsgHeartbeat     MessageType = "HEARTBEAT"
	MsgResetComplete MessageType = "RESET_COMPLETE"
	MsgRPCRequest    MessageType = "RPC_REQUEST"
	MsgModuleBlocked MessageType = "MODULE_BLOCKED"
	MsgBusSubscribe   MessageType = "BUS_SUBSCRIBE"
	MsgBusUnsubscribe MessageType = "BUS_UNSUBSCRIBE"

	// Host -> worker, response to a MsgRPCRequest
	MsgRPCResponse MessageType = "RPC_RESPONSE"
)

// Envelope is the wire frame every host<->worker message is encoded as: one
// JSON object per line. Type is mandatory; a missing/non-string Type causes
// the frame to be dropped before further decoding.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InitPluginData is the payload of MsgInitPlugin.
type InitPluginData struct {
	PluginPath string          `json:"pluginPath"`
	WorkingDir string          `json:"workingDir"`
	AgentID    string          `json:"agentId"`
	Config     json.RawMessage `json:"config,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
}

// HookDescriptor is a name+schema/metadata-only description of one
// registered hook; it never carries a function reference across the
// sandbox boundary.
type HookDescriptor struct {
	Kind        string          `json:"kind"` // tool | provider | listener | guide | command
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// InitCompleteData is the payload of MsgInitComplete.
type InitCompleteData struct {
	Hooks []HookDescriptor `json:"hooks"`
}

// ToolContextData is the serialised ToolContext sent with MsgInvokeTool.
type ToolContextData struct {
	WorkingDir   string   `json:"workingDir"`
	AllowedPaths []string `json:"allowedPaths,omitempty"`
	SessionID    string   `json:"sessionId,omitempty"`
}

// InvokeToolData is the payload of MsgInvokeTool.
type InvokeToolData struct {
	RequestID string          `json:"requestId"`
	ToolID    string          `json:"toolId"`
	Input     json.RawMessage `json:"input"`
	Context   ToolContextData `json:"context"`
}

// ToolResultData is the payload of MsgToolResult.
type ToolResultData struct {
	RequestID string `json:"requestId"`
	Body      string `json:"body,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HeartbeatData is the payload of MsgHeartbeat.
type HeartbeatData struct {
	TimestampUnixMs int64 `json:"ts"`
}

// RPCCategory discriminates what a worker-to-host RPC request asks for.
type RPCCategory string

const (
	RPCBusEmit          RPCCategory = "bus.emit"
	RPCPushInput        RPCCategory = "input.push"
	RPCSessionCreate    RPCCategory = "session.create"
	RPCSessionGet       RPCCategory = "session.get"
	RPCSessionDestroy   RPCCategory = "session.destroy"
	RPCSessionList      RPCCategory = "session.list"
	RPCToolsList        RPCCategory = "tools.list"
	RPCToolsGet         RPCCategory = "tools.get"
	RPCGuidesList       RPCCategory = "guides.list"
	RPCGuidesGet        RPCCategory = "guides.get"
	RPCProvidersList    RPCCategory = "providers.list"
	RPCProvidersGet     RPCCategory = "providers.get"
	RPCBusSubscribe     RPCCategory = "bus.subscribe"
	RPCBusUnsubscribe   RPCCategory = "bus.unsubscribe"
)

// RPCRequestData is the payload of MsgRPCRequest: a worker asking the host
// to perform one of the RPCCategory operations.
type RPCRequestData struct {
	RequestID string          `json:"requestId"`
	Category  RPCCategory     `json:"category"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// RPCResponseData is the payload of MsgRPCResponse.
type RPCResponseData struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ResetCompleteData is the payload of MsgResetComplete (empty body; its
// presence is the signal).
type ResetCompleteData struct{}

// ModuleBlockedData is the payload of MsgModuleBlocked: a worker reporting
// that its module-interception hook refused to load module per the
// sandbox's allow/deny configuration.
type ModuleBlockedData struct {
	Module string `json:"module"`
}

// BusSubscribeData is the payload of MsgBusSubscribe / MsgBusUnsubscribe: a
// worker recording (or dropping) interest in an event type. The host only
// keeps this bookkeeping; it does not forward matching bus events back to
// the worker.
type BusSubscribeData struct {
	EventType string `json:"eventType"`
}

// Encode marshals an Envelope carrying data as its Data field.
func Encode(t MessageType, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Data: raw}, nil
}
