package pairing

import (
	"context"
	"sync"

	"github.com/embercast/ember/pkg/eventbus"
)

// PairSignal is the promise a GET_SERVER_CERT phase publishes onto the
// bus so an out-of-band UI/CLI can learn the PIN and fulfill it.
// Single-fulfillment, bounded wait, per spec.md §9's design note on
// promises for out-of-band PIN entry.
type PairSignal struct {
	ClientIP string
	HostIP   string

	once sync.Once
	ch   chan string
}

// NewPairSignal constructs an unfulfilled signal for the given endpoints.
func NewPairSignal(clientIP, hostIP string) *PairSignal {
	return &PairSignal{
		ClientIP: clientIP,
		HostIP:   hostIP,
		ch:       make(chan string, 1),
	}
}

// Fulfill delivers pin to the single waiter. Only the first call has any
// effect; subsequent calls are no-ops and return false.
func (s *PairSignal) Fulfill(pin string) bool {
	delivered := false
	s.once.Do(func() {
		s.ch <- pin
		delivered = true
	})
	return delivered
}

// Wait blocks until Fulfill is called or ctx is done, whichever is
// first.
func (s *PairSignal) Wait(ctx context.Context) (string, error) {
	select {
	case pin := <-s.ch:
		return pin, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// PairSignalEvent carries a PairSignal over the event bus so a UI/CLI
// subscriber can observe new pairing attempts and prompt for a PIN.
type PairSignalEvent struct {
	Signal *PairSignal
}

// Kind implements eventbus.Event.
func (PairSignalEvent) Kind() eventbus.Kind { return eventbus.KindPairSignal }
