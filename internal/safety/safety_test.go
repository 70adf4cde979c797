package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonitor_TickLimitHalts(t *testing.T) {
	m := New(Config{MaxLoopTicks: 2})
	m.OnLoopStart()

	assert.False(t, m.OnLoopTick().Halt)
	assert.False(t, m.OnLoopTick().Halt)
	v := m.OnLoopTick()
	assert.True(t, v.Halt)
	assert.Equal(t, "Loop tick limit exceeded", v.Reason)
}

func TestMonitor_ZeroTokenCapIsUnlimited(t *testing.T) {
	m := New(Config{MaxTokenUsage: 0})
	m.TrackTokenUsage(1_000_000)

	assert.False(t, m.BeforeLLMCall().Halt)
}

func TestMonitor_TokenBudgetExhausted(t *testing.T) {
	m := New(Config{MaxTokenUsage: 100})
	m.TrackTokenUsage(150)

	v := m.BeforeLLMCall()
	assert.True(t, v.Halt)
	assert.Equal(t, "Token budget exhausted", v.Reason)
}

func TestMonitor_RepetitiveFailureInjectsPrompt(t *testing.T) {
	m := New(Config{RepetitiveFailThreshold: 3, FrustrationThreshold: 100, ErrorWindowSize: 100})

	m.AfterToolExecution("run_shell", []byte(`{"cmd":"x"}`), true)
	m.AfterToolExecution("run_shell", []byte(`{"cmd":"x"}`), true)
	v := m.AfterToolExecution("run_shell", []byte(`{"cmd":"x"}`), true)

	assert.False(t, v.Halt)
	assert.Contains(t, v.InjectPrompt, "stop and analyse")
}

func TestMonitor_DifferentFingerprintsDoNotTriggerRepetitive(t *testing.T) {
	m := New(Config{RepetitiveFailThreshold: 3, FrustrationThreshold: 100, ErrorWindowSize: 100})

	m.AfterToolExecution("run_shell", []byte(`{"cmd":"a"}`), true)
	m.AfterToolExecution("run_shell", []byte(`{"cmd":"b"}`), true)
	v := m.AfterToolExecution("run_shell", []byte(`{"cmd":"c"}`), true)

	assert.Empty(t, v.InjectPrompt)
}

func TestMonitor_FrustrationThreshold(t *testing.T) {
	m := New(Config{RepetitiveFailThreshold: 100, FrustrationThreshold: 2, ErrorWindowSize: 100})

	m.AfterToolExecution("a", []byte(`{}`), true)
	v := m.AfterToolExecution("b", []byte(`{}`), true)

	assert.Contains(t, v.InjectPrompt, "ask the user for help")
}

func TestMonitor_SuccessResetsStreaks(t *testing.T) {
	m := New(Config{RepetitiveFailThreshold: 2, FrustrationThreshold: 100, ErrorWindowSize: 100})

	m.AfterToolExecution("a", []byte(`{}`), true)
	m.AfterToolExecution("a", []byte(`{}`), false)
	v := m.AfterToolExecution("a", []byte(`{}`), true)

	assert.Empty(t, v.InjectPrompt)
}

func TestMonitor_ErrorCascadeHalts(t *testing.T) {
	m := New(Config{RepetitiveFailThreshold: 100, FrustrationThreshold: 100, ErrorWindowSize: 5, ErrorRateThreshold: 0.8})

	for i := 0; i < 4; i++ {
		m.AfterToolExecution("t", []byte(`{"i":1}`), true)
	}
	v := m.AfterToolExecution("t", []byte(`{"i":2}`), true)

	assert.True(t, v.Halt)
	assert.Equal(t, "Error cascade", v.Reason)
}

func TestMonitor_CascadePrecedenceOverFrustrationAndRepetitive(t *testing.T) {
	m := New(Config{RepetitiveFailThreshold: 3, FrustrationThreshold: 5, ErrorWindowSize: 10, ErrorRateThreshold: 0.8})

	var last Verdict
	for i := 0; i < 10; i++ {
		last = m.AfterToolExecution("bad", []byte(`{}`), true)
		switch i + 1 {
		case 3, 4:
			assert.Contains(t, last.InjectPrompt, "stop and analyse")
		case 5, 6, 7, 8, 9:
			assert.Contains(t, last.InjectPrompt, "ask the user for help")
		}
	}

	assert.True(t, last.Halt)
	assert.Equal(t, "Error cascade", last.Reason)
}

func TestMonitor_Reset(t *testing.T) {
	m := New(Config{MaxLoopTicks: 1})
	m.OnLoopStart()
	m.OnLoopTick()
	m.TrackTokenUsage(50)

	m.Reset()

	assert.False(t, m.OnLoopTick().Halt)
}
