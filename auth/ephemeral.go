package auth

import (
	"sync"
	"time"
)

// DefaultEphemeralTTL is how long a stored verifier or state stays readable.
// A round trip that takes longer must be restarted.
const DefaultEphemeralTTL = 10 * time.Minute

// EphemeralStore holds the PKCE verifier and CSRF state for a single
// authorization round trip.
//
// Take* reads are destructive: a value is returned at most once and a second
// read reports ok == false. Implementations must be safe for concurrent use.
type EphemeralStore interface {
	StoreVerifier(v string)
	TakeVerifier() (string, bool)
	StoreState(s string)
	TakeState() (string, bool)
	// Clear drops anything still held.
	Clear()
}

type ephemeralEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryEphemeralStore keeps round-trip values in process memory, so they never
// outlive the process that started the login.
type MemoryEphemeralStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	verifier *ephemeralEntry
	state    *ephemeralEntry
}

// EphemeralOption configures a MemoryEphemeralStore.
type EphemeralOption func(*MemoryEphemeralStore)

// WithEphemeralTTL sets how long values remain readable.
func WithEphemeralTTL(d time.Duration) EphemeralOption {
	return func(s *MemoryEphemeralStore) {
		s.ttl = d
	}
}

// WithEphemeralClock overrides the time source.
func WithEphemeralClock(now func() time.Time) EphemeralOption {
	return func(s *MemoryEphemeralStore) {
		s.now = now
	}
}

// NewMemoryEphemeralStore creates an empty store.
func NewMemoryEphemeralStore(opts ...EphemeralOption) *MemoryEphemeralStore {
	s := &MemoryEphemeralStore{
		ttl: DefaultEphemeralTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryEphemeralStore) StoreVerifier(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifier = s.entry(v)
}

func (s *MemoryEphemeralStore) TakeVerifier() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.take(&s.verifier)
}

func (s *MemoryEphemeralStore) StoreState(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = s.entry(v)
}

func (s *MemoryEphemeralStore) TakeState() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.take(&s.state)
}

func (s *MemoryEphemeralStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifier = nil
	s.state = nil
}

func (s *MemoryEphemeralStore) entry(v string) *ephemeralEntry {
	e := &ephemeralEntry{value: v}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	return e
}

// take must be called with s.mu held.
func (s *MemoryEphemeralStore) take(slot **ephemeralEntry) (string, bool) {
	e := *slot
	*slot = nil
	if e == nil || e.value == "" {
		return "", false
	}
	// Even if found, an expired entry is gone.
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

var _ EphemeralStore = (*MemoryEphemeralStore)(nil)
