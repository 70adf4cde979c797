package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/openstarry/core/pkg/models"
	"github.com/openstarry/core/pkg/pluginsdk"
)

// InputPusher delivers an RPC-pushed agent input into the host application
// (typically agentcore.Loop.ProcessEvent run on a goroutine). It is
// optional; a Host with no InputPusher configured fails input.push calls.
type InputPusher func(sessionID string, data json.RawMessage) error

// SetInputPusher wires the callback used to service input.push RPCs.
func (h *Host) SetInputPusher(p InputPusher) {
	h.mu.Lock()
	h.inputPusher = p
	h.mu.Unlock()
}

type busEmitParams struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type inputPushParams struct {
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

type sessionCreateParams struct {
	Metadata map[string]any `json:"metadata,omitempty"`
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

type toolGetParams struct {
	ToolID string `json:"toolId"`
}

type providerGetParams struct {
	ProviderID string `json:"providerId"`
}

type providerDescriptor struct {
	ID     string                   `json:"id"`
	Name   string                   `json:"name"`
	Models []models.ModelDescriptor `json:"models"`
}

// toolDescriptor is the serialisable view of a models.Tool sent to workers;
// Tool.Execute is a Go function value and cannot cross the wire.
type toolDescriptor struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

func describeTool(t models.Tool) toolDescriptor {
	return toolDescriptor{ID: t.ID, Description: t.Description, Schema: t.Schema}
}

// handleRPC services one worker-initiated RPC request, replying over the
// worker's transport with an RPC_RESPONSE envelope carrying either Result
// or Error.
func (h *Host) handleRPC(w *worker, req pluginsdk.RPCRequestData) {
	result, rpcErr := h.dispatchRPC(w, req)
	resp := pluginsdk.RPCResponseData{RequestID: req.RequestID}
	if rpcErr != nil {
		resp.Error = rpcErr.Error()
	} else {
		resp.Result = result
	}
	env, err := pluginsdk.Encode(pluginsdk.MsgRPCResponse, resp)
	if err != nil {
		return
	}
	_ = w.tr.send(env)
	h.recordAudit(w.pluginName, req.Category, req.Method, req.Params, string(resp.Result), resp.Error, 0)
}

func (h *Host) dispatchRPC(w *worker, req pluginsdk.RPCRequestData) (json.RawMessage, error) {
	gate := pluginsdk.NewCapabilityGate(w.pluginName, w.manifest)

	switch req.Category {
	case pluginsdk.RPCBusEmit:
		var p busEmitParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("decode bus.emit params: %w", err)
		}
		if err := gate.Require(pluginsdk.HookCapability(p.Type)); err != nil {
			return nil, err
		}
		if h.bus != nil {
			var payload any
			_ = json.Unmarshal(p.Payload, &payload)
			h.bus.Emit(p.Type, payload)
		}
		return json.Marshal(struct{}{})

	case pluginsdk.RPCPushInput:
		var p inputPushParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("decode input.push params: %w", err)
		}
		h.mu.Lock()
		pusher := h.inputPusher
		h.mu.Unlock()
		if pusher == nil {
			return nil, fmt.Errorf("input.push not supported by this host")
		}
		if err := pusher(p.SessionID, p.Data); err != nil {
			return nil, err
		}
		return json.Marshal(struct{}{})

	case pluginsdk.RPCSessionCreate:
		if h.sessions == nil {
			return nil, fmt.Errorf("session manager unavailable")
		}
		var p sessionCreateParams
		_ = json.Unmarshal(req.Params, &p)
		sess := h.sessions.Create(p.Metadata)
		return json.Marshal(sess)

	case pluginsdk.RPCSessionGet:
		if h.sessions == nil {
			return nil, fmt.Errorf("session manager unavailable")
		}
		var p sessionIDParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		sess := h.sessions.Get(p.SessionID)
		if sess == nil {
			return nil, fmt.Errorf("session %q not found", p.SessionID)
		}
		return json.Marshal(sess)

	case pluginsdk.RPCSessionDestroy:
		if h.sessions == nil {
			return nil, fmt.Errorf("session manager unavailable")
		}
		var p sessionIDParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		ok := h.sessions.Destroy(p.SessionID)
		return json.Marshal(map[string]bool{"destroyed": ok})

	case pluginsdk.RPCSessionList:
		if h.sessions == nil {
			return nil, fmt.Errorf("session manager unavailable")
		}
		return json.Marshal(h.sessions.List())

	case pluginsdk.RPCToolsList:
		if h.registries == nil {
			return nil, fmt.Errorf("registries unavailable")
		}
		tools := h.registries.Tools.List()
		descriptors := make([]toolDescriptor, 0, len(tools))
		for _, t := range tools {
			descriptors = append(descriptors, describeTool(t))
		}
		return json.Marshal(descriptors)

	case pluginsdk.RPCToolsGet:
		if h.registries == nil {
			return nil, fmt.Errorf("registries unavailable")
		}
		var p toolGetParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		tool, ok := h.registries.Tools.Get(p.ToolID)
		if !ok {
			return nil, fmt.Errorf("tool %q not found", p.ToolID)
		}
		return json.Marshal(describeTool(tool))

	case pluginsdk.RPCGuidesList:
		if h.registries == nil {
			return nil, fmt.Errorf("registries unavailable")
		}
		return json.Marshal(h.registries.Guides.List())

	case pluginsdk.RPCGuidesGet:
		if h.registries == nil {
			return nil, fmt.Errorf("registries unavailable")
		}
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		for _, g := range h.registries.Guides.List() {
			if g.Name == p.Name {
				return json.Marshal(g)
			}
		}
		return nil, fmt.Errorf("guide %q not found", p.Name)

	case pluginsdk.RPCProvidersList:
		if h.registries == nil {
			return nil, fmt.Errorf("registries unavailable")
		}
		ids := h.registries.Providers.IDs()
		ids = pluginsdk.AllowedProviderIDs(w.manifest, ids)
		descriptors := make([]providerDescriptor, 0, len(ids))
		for _, id := range ids {
			if p, ok := h.registries.Providers.Get(id); ok {
				descriptors = append(descriptors, providerDescriptor{ID: p.ID(), Name: p.Name(), Models: p.Models()})
			}
		}
		return json.Marshal(descriptors)

	case pluginsdk.RPCProvidersGet:
		if h.registries == nil {
			return nil, fmt.Errorf("registries unavailable")
		}
		var p providerGetParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		allowed := pluginsdk.AllowedProviderIDs(w.manifest, []string{p.ProviderID})
		if len(allowed) == 0 {
			return nil, fmt.Errorf("provider %q not permitted", p.ProviderID)
		}
		provider, ok := h.registries.Providers.Get(p.ProviderID)
		if !ok {
			return nil, fmt.Errorf("provider %q not found", p.ProviderID)
		}
		return json.Marshal(providerDescriptor{ID: provider.ID(), Name: provider.Name(), Models: provider.Models()})

	case pluginsdk.RPCBusSubscribe:
		var p pluginsdk.BusSubscribeData
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.subscriptions[p.EventType] = struct{}{}
		w.mu.Unlock()
		return json.Marshal(struct{}{})

	case pluginsdk.RPCBusUnsubscribe:
		var p pluginsdk.BusSubscribeData
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		w.mu.Lock()
		delete(w.subscriptions, p.EventType)
		w.mu.Unlock()
		return json.Marshal(struct{}{})

	default:
		return nil, fmt.Errorf("unknown rpc category %q", req.Category)
	}
}
