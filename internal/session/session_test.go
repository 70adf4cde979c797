package session

import (
	"testing"

	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_DefaultSessionExistsImmediately(t *testing.T) {
	m := New(bus.New(nil), nil)

	sess := m.GetDefaultSession()
	require.NotNil(t, sess)
	assert.Equal(t, models.DefaultSessionID, sess.ID)
}

func TestManager_DefaultSessionCannotBeDestroyed(t *testing.T) {
	m := New(bus.New(nil), nil)

	ok := m.Destroy(models.DefaultSessionID)

	assert.False(t, ok)
	assert.NotNil(t, m.GetDefaultSession())
}

func TestManager_CreateEmitsSessionCreated(t *testing.T) {
	b := bus.New(nil)
	m := New(b, nil)
	var received models.Session
	var got bool
	b.On(EventSessionCreated, func(ev bus.Event) {
		received, got = ev.Payload.(models.Session)
	})

	sess := m.Create(nil)

	assert.Equal(t, sess.ID, m.Get(sess.ID).ID)
	require.True(t, got)
	assert.Equal(t, sess.ID, received.ID)
}

func TestManager_DestroyUnknownIDFails(t *testing.T) {
	m := New(bus.New(nil), nil)

	assert.False(t, m.Destroy("does-not-exist"))
}

func TestManager_DestroyRemovesSession(t *testing.T) {
	m := New(bus.New(nil), nil)
	sess := m.Create(nil)

	ok := m.Destroy(sess.ID)

	assert.True(t, ok)
	assert.Nil(t, m.Get(sess.ID))
}

func TestManager_GetStateManagerFallsBackToDefault(t *testing.T) {
	m := New(bus.New(nil), nil)

	store := m.GetStateManager("unknown-session")

	assert.Same(t, m.GetStateManager(""), store)
}

func TestManager_GetStateManagerIsolatesSessions(t *testing.T) {
	m := New(bus.New(nil), nil)
	sess := m.Create(nil)

	store := m.GetStateManager(sess.ID)
	store.Append(models.TextMessage(models.RoleUser, "only here"))

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 0, m.GetStateManager(models.DefaultSessionID).Len())
}
