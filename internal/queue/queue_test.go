package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := New()
	q.Push(InputEvent{SessionID: "a"})
	q.Push(InputEvent{SessionID: "b"})
	q.Push(InputEvent{SessionID: "c"})

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", first.SessionID)

	second, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", second.SessionID)
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := New()
	done := make(chan InputEvent, 1)

	go func() {
		ev, ok := q.Pop()
		if ok {
			done <- ev
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(InputEvent{SessionID: "late"})

	select {
	case ev := <-done:
		assert.Equal(t, "late", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestQueue_CloseUnblocksPop(t *testing.T) {
	q := New()
	done := make(chan bool, 1)

	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Close")
	}
}

func TestQueue_MultipleProducersSingleConsumer(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Push(InputEvent{SessionID: "x"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, q.Len())
}
