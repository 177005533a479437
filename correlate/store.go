package correlate

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/remmody/tlstap/log"
)

// Entry is the captured-but-not-yet-correlated state of one in-flight
// handshake.
type Entry struct {
	ConnID      string
	Hostname    string
	HasHostname bool
	StartedAt   time.Time
	HasStart    bool
}

type record struct {
	entry    Entry
	lastSeen time.Time
}

// Store joins values observed at different points of an asynchronous
// handshake. Keys are per-connection ("ip:port" of the peer); inserts and
// removes are atomic per key and there is no cross-connection locking
// beyond the map mutex.
type Store struct {
	mu    sync.RWMutex
	conns map[string]*record
}

func NewStore() *Store {
	return &Store{conns: make(map[string]*record)}
}

func (s *Store) get(key string) *record {
	r, ok := s.conns[key]
	if !ok {
		r = &record{entry: Entry{ConnID: uuid.NewString()}}
		s.conns[key] = r
	}
	r.lastSeen = time.Now()
	return r
}

// PutHostname records the client-indicated hostname for a connection. A
// duplicate callback simply overwrites.
func (s *Store) PutHostname(key, host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.get(key)
	r.entry.Hostname = host
	r.entry.HasHostname = true
}

// PutStart records the handshake start timestamp for a connection.
func (s *Store) PutStart(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.get(key)
	r.entry.StartedAt = t
	r.entry.HasStart = true
}

// Claim consumes and removes the entry for a connection. A miss means the
// other hook never fired (or already consumed it) and is not an error.
func (s *Store) Claim(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.conns[key]
	if !ok {
		return Entry{}, false
	}
	delete(s.conns, key)
	return r.entry, true
}

// Len reports the number of unresolved entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Sweep evicts entries whose connection never completed. Returns the number
// of abandoned entries removed.
func (s *Store) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	evicted := 0
	for k, r := range s.conns {
		if now.Sub(r.lastSeen) > ttl {
			delete(s.conns, k)
			evicted++
		}
	}
	if evicted > 0 {
		log.Tracef("Correlation sweep evicted %d abandoned entries", evicted)
	}
	return evicted
}
