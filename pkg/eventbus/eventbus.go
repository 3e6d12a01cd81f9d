// Package eventbus implements the typed publish/subscribe registry
// described in spec.md §4.2: a closed set of event kinds, synchronous
// dispatch from the publisher's thread in registration order, and
// subscriptions that no Publish started after Unsubscribe returns will
// reach.
//
// The set of event kinds is closed and known at compile time (spec.md
// §9's design note): Kind is a sealed enum and Event a narrow interface
// with no exported constructors outside this package's callers —
// concrete payload types live alongside the component that emits them
// (pkg/session, pkg/pairing) rather than here, so the bus itself stays
// a dumb, generic dispatcher keyed by Kind.
package eventbus

import "sync"

// Kind identifies one of the closed set of event variants the bus
// carries. New kinds are added here, not invented ad hoc by callers.
type Kind int

const (
	KindSessionStarted Kind = iota
	KindVideoSession
	KindAudioSession
	KindIDRRequest
	KindPause
	KindResume
	KindStop
	KindRTPPing
	KindPairSignal
)

func (k Kind) String() string {
	switch k {
	case KindSessionStarted:
		return "SessionStarted"
	case KindVideoSession:
		return "VideoSession"
	case KindAudioSession:
		return "AudioSession"
	case KindIDRRequest:
		return "IDRRequest"
	case KindPause:
		return "Pause"
	case KindResume:
		return "Resume"
	case KindStop:
		return "Stop"
	case KindRTPPing:
		return "RTPPing"
	case KindPairSignal:
		return "PairSignal"
	default:
		return "Unknown"
	}
}

// Event is implemented by every value the bus can carry. Events are
// passed as reference-counted immutable values in spirit: Go's garbage
// collector plays the role of the refcount, so handlers may retain an
// Event past the call that delivered it without additional ceremony.
type Event interface {
	Kind() Kind
}

// Handler processes one delivered event. A handler that panics is
// recovered by the bus, reported to the panic handler if one was
// installed with WithPanicHandler, and does not abort delivery to the
// remaining handlers for that publish call.
type Handler func(Event)

// Registration is returned by Subscribe. Unsubscribe is idempotent and
// removes the handler under the same lock Publish takes to copy its
// handler list, so no Publish that starts after Unsubscribe returns
// delivers to it. A Publish that copied the list before the removal,
// including one currently dispatching, still delivers to it.
type Registration struct {
	bus  *Bus
	kind Kind
	id   uint64
}

// Unsubscribe removes the handler. Safe to call more than once.
func (r *Registration) Unsubscribe() {
	r.bus.unsubscribe(r.kind, r.id)
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is the in-process event dispatcher. The zero value is not usable;
// construct with New.
type Bus struct {
	mu      sync.Mutex
	subs    map[Kind][]subscriber
	nextID  uint64
	onPanic func(kind Kind, recovered any)
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithPanicHandler installs a callback invoked when a subscriber
// handler panics, instead of the default which swallows it. Useful for
// wiring structured logging without pulling zerolog into this package.
func WithPanicHandler(f func(kind Kind, recovered any)) Option {
	return func(b *Bus) { b.onPanic = f }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{subs: make(map[Kind][]subscriber)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for kind. Handlers for a given kind fire
// in registration order; the bus makes no ordering guarantee across
// distinct publisher goroutines, only per-handler arrival order (spec.md
// §5).
func (b *Bus) Subscribe(kind Kind, handler Handler) *Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscriber{id: id, handler: handler})
	return &Registration{bus: b, kind: kind, id: id}
}

func (b *Bus) unsubscribe(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[kind]
	for i, s := range list {
		if s.id == id {
			b.subs[kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers event synchronously, on the caller's goroutine, to
// every handler currently registered for event.Kind(), in registration
// order. A handler's panic is recovered and reported via the configured
// panic handler (if any); delivery continues to the remaining handlers.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	// Copy the subscriber list under the lock so a concurrent
	// Subscribe/Unsubscribe during dispatch never races the iteration;
	// the copy is linear in the number of handlers for this kind.
	handlers := append([]subscriber(nil), b.subs[event.Kind()]...)
	b.mu.Unlock()

	for _, s := range handlers {
		b.dispatchOne(event, s)
	}
}

func (b *Bus) dispatchOne(event Event, s subscriber) {
	defer func() {
		if r := recover(); r != nil && b.onPanic != nil {
			b.onPanic(event.Kind(), r)
		}
	}()
	s.handler(event)
}

// SubscriberCount returns the number of currently registered handlers
// for kind. Intended for tests and diagnostics.
func (b *Bus) SubscriberCount(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[kind])
}
