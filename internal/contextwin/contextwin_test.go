package contextwin

import (
	"testing"

	"github.com/openstarry/core/pkg/models"
	"github.com/stretchr/testify/assert"
)

func user(text string) models.Message      { return models.TextMessage(models.RoleUser, text) }
func assistant(text string) models.Message { return models.TextMessage(models.RoleAssistant, text) }
func system(text string) models.Message    { return models.TextMessage(models.RoleSystem, text) }

func TestAssemble_SystemMessagesAlwaysSurvive(t *testing.T) {
	messages := []models.Message{
		system("you are an agent"),
		user("turn 1"),
		assistant("reply 1"),
		user("turn 2"),
		assistant("reply 2"),
		user("turn 3"),
		assistant("reply 3"),
	}

	out := Assemble(messages, 1)

	assert.Equal(t, "you are an agent", out[0].PlainText())
	assert.Equal(t, "turn 3", out[1].PlainText())
	assert.Equal(t, "reply 3", out[2].PlainText())
	assert.Len(t, out, 3)
}

func TestAssemble_WindowIncludesIntervening(t *testing.T) {
	messages := []models.Message{
		user("turn 1"),
		assistant("reply 1"),
		user("turn 2"),
		assistant("reply 2"),
	}

	out := Assemble(messages, 1)

	assert.Equal(t, []string{"turn 2", "reply 2"}, plainTexts(out))
}

func TestAssemble_ZeroOrNegativeMaxTurnsReturnsFull(t *testing.T) {
	messages := []models.Message{user("a"), assistant("b"), user("c")}

	assert.Equal(t, messages, Assemble(messages, 0))
	assert.Equal(t, messages, Assemble(messages, -5))
}

func TestAssemble_ShorterThanWindowReturnsFull(t *testing.T) {
	messages := []models.Message{user("only turn")}

	out := Assemble(messages, 10)

	assert.Equal(t, messages, out)
}

func plainTexts(messages []models.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.PlainText()
	}
	return out
}
