// Package bus implements the in-process typed event bus:
// exact-type and wildcard subscribers delivered in registration order, with
// each handler's failure isolated and logged rather than aborting delivery
// to the rest.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Event is one typed, timestamped delivery with an opaque payload.
type Event struct {
	Type      string
	Timestamp time.Time
	Payload   any
}

// Handler receives one event delivery.
type Handler func(Event)

// Unsubscribe removes a previously registered handler. Calling it more than
// once is a no-op.
type Unsubscribe func()

type subscriber struct {
	token   uint64
	handler Handler
	once    bool
}

// Bus is the typed pub/sub event bus. The zero value is not usable; use New.
type Bus struct {
	mu sync.RWMutex

	// pubsub is a watermill GoChannel created by New and closed by Close.
	// Emit does not publish to it: subscriber delivery is direct-call so
	// handler panics/errors can be isolated per subscriber and type
	// information is preserved.
	pubsub *gochannel.GoChannel
	logger *slog.Logger

	byType map[string][]subscriber
	any    []subscriber

	nextToken uint64
	closed    bool
}

// New constructs a Bus. logger may be nil, in which case slog.Default() is
// used for handler-failure logging.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256, Persistent: false},
			watermill.NopLogger{},
		),
		logger: logger,
		byType: make(map[string][]subscriber),
	}
}

func (b *Bus) newToken() uint64 {
	return atomic.AddUint64(&b.nextToken, 1)
}

// On registers handler for every event whose Type exactly equals eventType.
func (b *Bus) On(eventType string, handler Handler) Unsubscribe {
	return b.register(eventType, handler, false)
}

// Once registers handler for the next event matching eventType; it is
// automatically unsubscribed after its first delivery.
func (b *Bus) Once(eventType string, handler Handler) Unsubscribe {
	return b.register(eventType, handler, true)
}

func (b *Bus) register(eventType string, handler Handler, once bool) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	token := b.newToken()
	b.byType[eventType] = append(b.byType[eventType], subscriber{token: token, handler: handler, once: once})
	var unsubscribed int32
	return func() {
		if !atomic.CompareAndSwapInt32(&unsubscribed, 0, 1) {
			return
		}
		b.removeByType(eventType, token)
	}
}

// OnAny registers handler for every event, exact-type subscribed or not.
func (b *Bus) OnAny(handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	token := b.newToken()
	b.any = append(b.any, subscriber{token: token, handler: handler})
	var unsubscribed int32
	return func() {
		if !atomic.CompareAndSwapInt32(&unsubscribed, 0, 1) {
			return
		}
		b.removeAny(token)
	}
}

func (b *Bus) removeByType(eventType string, token uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.byType[eventType]
	for i, s := range subs {
		if s.token == token {
			b.byType[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) removeAny(token uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.any {
		if s.token == token {
			b.any = append(b.any[:i:i], b.any[i+1:]...)
			return
		}
	}
}

// Emit delivers event to every matching handler: exact-type subscribers
// first (registration order), then wildcard subscribers (registration
// order), including wildcard subscribers when no exact-type subscriber
// exists. Every event is stamped with time.Now().
func (b *Bus) Emit(eventType string, payload any) {
	ev := Event{Type: eventType, Timestamp: time.Now(), Payload: payload}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	typed := append([]subscriber(nil), b.byType[eventType]...)
	wildcard := append([]subscriber(nil), b.any...)

	var onceTokens []uint64
	for _, s := range typed {
		if s.once {
			onceTokens = append(onceTokens, s.token)
		}
	}
	if len(onceTokens) > 0 {
		remaining := b.byType[eventType][:0]
		for _, s := range b.byType[eventType] {
			keep := true
			for _, t := range onceTokens {
				if s.token == t {
					keep = false
					break
				}
			}
			if keep {
				remaining = append(remaining, s)
			}
		}
		b.byType[eventType] = remaining
	}
	b.mu.Unlock()

	for _, s := range typed {
		b.invoke(s.handler, ev)
	}
	for _, s := range wildcard {
		b.invoke(s.handler, ev)
	}
}

func (b *Bus) invoke(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "eventType", ev.Type, "panic", r)
		}
	}()
	handler(ev)
}

// PubSub returns the watermill GoChannel held by this bus. Emit does not
// publish to it, so a subscriber on it receives no bus events.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// Close releases all subscribers and the internal pub/sub substrate. Emit
// after Close is a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.byType = make(map[string][]subscriber)
	b.any = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}
