// Package session holds the state the presentation layer observes: an
// immutable Snapshot replaced by compare-and-swap and fanned out to
// subscribers.
package session

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/blewatch/internal/ble"
)

// Snapshot is one consistent view of the session. Values are never modified
// after they are published; Discovered is shared between snapshots and must
// not be written to.
type Snapshot struct {
	Version uint64

	Scanning            bool
	Connected           bool
	BatteryLevel        int // 0..100
	ConnectedDeviceName string
	LastError           string
	ErrorKind           ble.Kind
	Discovered          []ble.Peer

	// Diagnostics.
	Phase         string
	TargetAddress string
	ScanID        string
	AttemptID     string
}

// HasError reports whether an uncleared error is present.
func (s Snapshot) HasError() bool { return s.LastError != "" }

// Peer returns the discovered peer with the given address.
func (s Snapshot) Peer(address string) (ble.Peer, bool) {
	for _, p := range s.Discovered {
		if ble.SameAddress(p.Address, address) {
			return p, true
		}
	}
	return ble.Peer{}, false
}

// WithPeer returns s with p appended, unless a peer with the same address
// is already present.
func (s Snapshot) WithPeer(p ble.Peer) (Snapshot, bool) {
	if _, ok := s.Peer(p.Address); ok {
		return s, false
	}
	s.Discovered = append(slices.Clip(s.Discovered), p)
	return s, true
}

// WithError returns s with err recorded. An error of the same kind as the
// one still on display is suppressed until ClearError.
func (s Snapshot) WithError(err *ble.Error) (Snapshot, bool) {
	if err == nil {
		return s, false
	}
	if s.LastError != "" && s.ErrorKind == err.Kind {
		return s, false
	}
	s.LastError = err.Message
	s.ErrorKind = err.Kind
	return s, true
}

// WithoutError returns s with the error cleared.
func (s Snapshot) WithoutError() (Snapshot, bool) {
	if s.LastError == "" && s.ErrorKind == ble.KindNone {
		return s, false
	}
	s.LastError = ""
	s.ErrorKind = ble.KindNone
	return s, true
}

// Store is the single source of truth for the current Snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch   chan Snapshot
	last uint64
}

// NewStore creates a store holding the zero snapshot.
func NewStore() *Store {
	s := &Store{subs: make(map[*subscriber]struct{})}
	s.current.Store(&Snapshot{Phase: "IDLE"})
	return s
}

// Snapshot returns the latest snapshot.
func (s *Store) Snapshot() Snapshot {
	return *s.current.Load()
}

// Update applies fn to the current snapshot and installs the result if fn
// reports a change. fn may be called more than once under contention and
// must be free of side effects.
func (s *Store) Update(fn func(Snapshot) (Snapshot, bool)) (Snapshot, bool) {
	for {
		old := s.current.Load()
		next, changed := fn(*old)
		if !changed {
			return *old, false
		}
		next.Version = old.Version + 1
		if s.current.CompareAndSwap(old, &next) {
			s.publish(next)
			return next, true
		}
	}
}

// Subscribe returns a channel that always holds the most recent snapshot
// not yet received. The current snapshot is delivered immediately. Slow
// readers skip intermediate versions. cancel releases the subscription.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	sub := &subscriber{ch: make(chan Snapshot, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	s.subs[sub] = struct{}{}
	s.deliver(sub, s.Snapshot())
	s.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[sub]; ok {
				delete(s.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Close ends every subscription.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		close(sub.ch)
	}
	clear(s.subs)
}

func (s *Store) publish(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		s.deliver(sub, snap)
	}
}

// deliver replaces any undelivered snapshot with snap (caller must hold mu).
func (s *Store) deliver(sub *subscriber, snap Snapshot) {
	if snap.Version < sub.last {
		return
	}
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- snap
	sub.last = snap.Version
}
