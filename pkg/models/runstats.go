package models

import "time"

// RunStats is a record of per-run counters. The execution loop does not
// fill it in, and the agent.status / daemon.health RPC responses do not
// carry it.
type RunStats struct {
	SessionID      string        `json:"sessionId"`
	Iterations     int           `json:"iterations"`
	ToolCalls      int           `json:"toolCalls"`
	InputTokens    int           `json:"inputTokens"`
	OutputTokens   int           `json:"outputTokens"`
	ToolWallTime   time.Duration `json:"toolWallTimeNs"`
	ModelWallTime  time.Duration `json:"modelWallTimeNs"`
	DroppedContext int           `json:"droppedContext"`
	Errors         int           `json:"errors"`
	Cancelled      bool          `json:"cancelled"`
	TimedOut       bool          `json:"timedOut"`
	StartedAt      time.Time     `json:"startedAt"`
	FinishedAt     time.Time     `json:"finishedAt,omitempty"`
}
