// Package models defines the data types shared across the OpenStarry core:
// messages, sessions, tools, providers, and run statistics.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// SegmentType discriminates the closed set of content segment variants a
// Message may carry.
type SegmentType string

const (
	SegmentText           SegmentType = "text"
	SegmentReasoning      SegmentType = "reasoning"
	SegmentToolCallRequest SegmentType = "tool_call_request"
	SegmentToolCallResult  SegmentType = "tool_call_result"
)

// Segment is one typed content element of a Message. Exactly the fields
// relevant to Type are populated; the others are left zero.
type Segment struct {
	Type SegmentType `json:"type"`

	// SegmentText
	Text string `json:"text,omitempty"`

	// SegmentToolCallRequest
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`

	// SegmentToolCallResult
	ReplyToID string `json:"replyToId,omitempty"`
	Body      string `json:"body,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// Message is an append-only, ordered record in a session's transcript.
// Rewriting history is forbidden: callers only ever append a new Message or
// read a state store's snapshot.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	Segments  []Segment `json:"segments"`
}

// Clone returns a deep copy of m, independent of subsequent mutation of m,
// its Segments slice, or any Segment's Arguments map.
func (m Message) Clone() Message {
	out := m
	if m.Segments != nil {
		out.Segments = make([]Segment, len(m.Segments))
		for i, seg := range m.Segments {
			out.Segments[i] = seg.clone()
		}
	}
	return out
}

func (s Segment) clone() Segment {
	out := s
	if s.Arguments != nil {
		out.Arguments = make(map[string]any, len(s.Arguments))
		for k, v := range s.Arguments {
			out.Arguments[k] = v
		}
	}
	return out
}

// TextMessage builds a single-segment text Message with the given role.
func TextMessage(role Role, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		CreatedAt: time.Now(),
		Segments:  []Segment{{Type: SegmentText, Text: text}},
	}
}

// PlainText concatenates every text segment in the message, in order.
func (m Message) PlainText() string {
	var out string
	for _, seg := range m.Segments {
		if seg.Type == SegmentText {
			out += seg.Text
		}
	}
	return out
}

// ToolCallRequests returns every tool-call-request segment in the message.
func (m Message) ToolCallRequests() []Segment {
	var out []Segment
	for _, seg := range m.Segments {
		if seg.Type == SegmentToolCallRequest {
			out = append(out, seg)
		}
	}
	return out
}
