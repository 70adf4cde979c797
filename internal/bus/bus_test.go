package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_ExactTypeDelivery(t *testing.T) {
	b := New(nil)
	var got []string
	b.On("session:created", func(ev Event) {
		got = append(got, ev.Type)
	})
	b.On("session:destroyed", func(ev Event) {
		got = append(got, "WRONG")
	})

	b.Emit("session:created", map[string]any{"id": "abc"})

	require.Equal(t, []string{"session:created"}, got)
}

func TestBus_WildcardReceivesEverything(t *testing.T) {
	b := New(nil)
	var wildcard []string
	b.OnAny(func(ev Event) { wildcard = append(wildcard, ev.Type) })

	b.Emit("loop:started", nil)
	b.Emit("message:user", nil)

	assert.Equal(t, []string{"loop:started", "message:user"}, wildcard)
}

func TestBus_TypedBeforeWildcard(t *testing.T) {
	b := New(nil)
	var order []string
	b.OnAny(func(ev Event) { order = append(order, "wildcard") })
	b.On("x", func(ev Event) { order = append(order, "typed") })

	b.Emit("x", nil)

	require.Equal(t, []string{"typed", "wildcard"}, order)
}

func TestBus_RegistrationOrder(t *testing.T) {
	b := New(nil)
	var order []int
	b.On("x", func(ev Event) { order = append(order, 1) })
	b.On("x", func(ev Event) { order = append(order, 2) })
	b.On("x", func(ev Event) { order = append(order, 3) })

	b.Emit("x", nil)

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_OnceUnsubscribesAfterFirstDelivery(t *testing.T) {
	b := New(nil)
	count := 0
	b.Once("x", func(ev Event) { count++ })

	b.Emit("x", nil)
	b.Emit("x", nil)

	assert.Equal(t, 1, count)
}

func TestBus_HandlerPanicIsolated(t *testing.T) {
	b := New(nil)
	var secondCalled bool
	b.On("x", func(ev Event) { panic("boom") })
	b.On("x", func(ev Event) { secondCalled = true })

	require.NotPanics(t, func() { b.Emit("x", nil) })
	assert.True(t, secondCalled)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(nil)
	calls := 0
	unsub := b.On("x", func(ev Event) { calls++ })

	b.Emit("x", nil)
	unsub()
	b.Emit("x", nil)

	assert.Equal(t, 1, calls)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := New(nil)
	unsub := b.On("x", func(ev Event) {})
	unsub()
	assert.NotPanics(t, unsub)
}

func TestBus_WildcardSeesUnsubscribedEventTypes(t *testing.T) {
	b := New(nil)
	var got []string
	b.OnAny(func(ev Event) { got = append(got, ev.Type) })

	b.Emit("no:subscribers:here", nil)

	assert.Equal(t, []string{"no:subscribers:here"}, got)
}

func TestBus_ConcurrentEmitAndSubscribe(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.On("x", func(ev Event) {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit("x", nil)
		}()
	}
	wg.Wait()

	assert.Greater(t, count, 0)
}

func TestBus_EmitAfterCloseIsNoop(t *testing.T) {
	b := New(nil)
	called := false
	b.On("x", func(ev Event) { called = true })

	require.NoError(t, b.Close())
	b.Emit("x", nil)

	assert.False(t, called)
}
