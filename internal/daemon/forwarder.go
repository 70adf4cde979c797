package daemon

import (
	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/pkg/models"
)

// Broadcaster is the session-scoped fan-out a Forwarder pushes mapped
// notifications through (satisfied by *Server).
type Broadcaster interface {
	BroadcastToSession(sessionID string, notif Notification)
}

// Forwarder attaches a wildcard bus subscriber and maps exactly the event
// set of the agent.output/agent.tool/agent.loop mapping table to
// client-facing notifications, dropping anything that carries no session id.
type Forwarder struct {
	out  Broadcaster
	stop bus.Unsubscribe
}

// NewForwarder constructs and immediately attaches a Forwarder to b.
func NewForwarder(b *bus.Bus, out Broadcaster) *Forwarder {
	f := &Forwarder{out: out}
	f.stop = b.OnAny(f.handle)
	return f
}

// Close detaches the forwarder's bus subscription.
func (f *Forwarder) Close() {
	if f.stop != nil {
		f.stop()
	}
}

func (f *Forwarder) handle(ev bus.Event) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	sessionID, ok := payload["sessionId"].(string)
	if !ok || sessionID == "" {
		return
	}

	switch ev.Type {
	case "stream:text_delta":
		f.output(sessionID, payloadString(payload, "delta"), false)
	case "stream:reasoning_delta":
		f.output(sessionID, payloadString(payload, "delta"), true)
	case "message:system":
		f.output(sessionID, payloadMessageText(payload)+"\n", false)
	case "tool:executing":
		f.tool(sessionID, "started", map[string]any{
			"toolCallId": payload["toolCallId"],
			"toolName":   payload["toolName"],
		})
	case "tool:result":
		f.tool(sessionID, "completed", map[string]any{
			"toolCallId": payload["toolCallId"],
			"result":     payload["result"],
		})
	case "tool:error":
		f.tool(sessionID, "failed", map[string]any{
			"toolCallId": payload["toolCallId"],
			"error":      payload["error"],
		})
	case "loop:started":
		f.loop(sessionID, "started", "")
	case "loop:awaiting_llm":
		f.loop(sessionID, "awaiting_llm", "")
	case "loop:finished":
		f.loop(sessionID, "finished", "")
	case "loop:error":
		f.loop(sessionID, "error", payloadString(payload, "reason"))
	}
}

func (f *Forwarder) output(sessionID, text string, isReasoning bool) {
	f.out.BroadcastToSession(sessionID, Notification{Event: "agent.output", Data: map[string]any{
		"sessionId": sessionID, "text": text, "isReasoning": isReasoning,
	}})
}

func (f *Forwarder) tool(sessionID, status string, extra map[string]any) {
	data := map[string]any{"sessionId": sessionID, "status": status}
	for k, v := range extra {
		data[k] = v
	}
	f.out.BroadcastToSession(sessionID, Notification{Event: "agent.tool", Data: data})
}

func (f *Forwarder) loop(sessionID, phase, errMsg string) {
	data := map[string]any{"sessionId": sessionID, "phase": phase}
	if errMsg != "" {
		data["error"] = errMsg
	}
	f.out.BroadcastToSession(sessionID, Notification{Event: "agent.loop", Data: data})
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// payloadMessageText extracts the concatenated text of a models.Message
// carried under the "message" key.
func payloadMessageText(payload map[string]any) string {
	switch m := payload["message"].(type) {
	case models.Message:
		return m.PlainText()
	case *models.Message:
		if m != nil {
			return m.PlainText()
		}
	}
	return ""
}
