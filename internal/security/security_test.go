package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayer_AllowsExactAndNested(t *testing.T) {
	l := New([]string{"/home/user/project"}, nil)

	assert.NoError(t, l.ValidatePath("/home/user/project", ""))
	assert.NoError(t, l.ValidatePath("/home/user/project/src/main.go", ""))
}

func TestLayer_RejectsSeparatorBoundaryBypass(t *testing.T) {
	l := New([]string{"/home/user/allowed"}, nil)

	err := l.ValidatePath("/home/user/allowedfoo/secret", "")
	assert.Error(t, err)
}

func TestLayer_RejectsOutsideAllowList(t *testing.T) {
	l := New([]string{"/home/user/project"}, nil)

	assert.Error(t, l.ValidatePath("/etc/passwd", ""))
}

func TestLayer_SessionOverrideNarrowsToSubset(t *testing.T) {
	l := New([]string{"/home/user/project"}, func(sessionID string) ([]string, bool) {
		return []string{"/home/user/project/src"}, true
	})

	assert.NoError(t, l.ValidatePath("/home/user/project/src/main.go", "sess-1"))
	assert.Error(t, l.ValidatePath("/home/user/project/docs/readme.md", "sess-1"))
}

func TestLayer_SessionOverrideOutsideAgentListFallsBackToAgent(t *testing.T) {
	l := New([]string{"/home/user/project"}, func(sessionID string) ([]string, bool) {
		return []string{"/etc"}, true
	})

	assert.NoError(t, l.ValidatePath("/home/user/project/src/main.go", "sess-1"))
}

func TestLayer_NoSessionConfigUsesAgentList(t *testing.T) {
	l := New([]string{"/home/user/project"}, func(sessionID string) ([]string, bool) {
		return nil, false
	})

	assert.NoError(t, l.ValidatePath("/home/user/project/a", ""))
}
