// Package contextwin implements the context assembler: a
// bounded prefix of a session's transcript for each model call, built from
// every system message plus a sliding window over the most recent maxTurns
// user turns.
package contextwin

import "github.com/openstarry/core/pkg/models"

// Assemble returns all system messages (in order) followed by a tail window
// starting at the (count(user)-maxTurns)-th user message and running to the
// end of messages, including every intervening assistant, tool-call, and
// tool-result message. When maxTurns <= 0, or the sequence has maxTurns or
// fewer user messages, the full non-system sequence is appended unchanged
// after the system messages.
func Assemble(messages []models.Message, maxTurns int) []models.Message {
	var systemMsgs []models.Message
	var rest []models.Message
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			systemMsgs = append(systemMsgs, m)
		} else {
			rest = append(rest, m)
		}
	}

	if maxTurns <= 0 {
		return append(systemMsgs, rest...)
	}

	userIndices := make([]int, 0)
	for i, m := range rest {
		if m.Role == models.RoleUser {
			userIndices = append(userIndices, i)
		}
	}

	if len(userIndices) <= maxTurns {
		return append(systemMsgs, rest...)
	}

	startUserOrdinal := len(userIndices) - maxTurns
	tailStart := userIndices[startUserOrdinal]

	out := make([]models.Message, 0, len(systemMsgs)+len(rest)-tailStart)
	out = append(out, systemMsgs...)
	out = append(out, rest[tailStart:]...)
	return out
}
