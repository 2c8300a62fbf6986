package buffer

import (
	"hash/fnv"
	"sync"
)

// shardCount is the number of independently locked owner shards.
// Sixteen keeps contention low for thousands of subscribers without
// measurable memory cost.
const shardCount = 16

// Store maps owners to their buffers. One instance exists per lens.
//
// Owners are created explicitly (on registration) and dropped explicitly
// (on unregistration); writes against a missing owner report false so the
// lens can drop-and-log instead of resurrecting state for a subscriber
// that no longer exists.
type Store struct {
	shards [shardCount]storeShard
}

type storeShard struct {
	mu     sync.RWMutex
	owners map[string]*Buffer
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].owners = make(map[string]*Buffer)
	}
	return s
}

func (s *Store) shard(owner string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(owner))
	return &s.shards[h.Sum32()%shardCount]
}

// Create ensures a buffer exists for owner and returns it.
func (s *Store) Create(owner string) *Buffer {
	sh := s.shard(owner)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if b, ok := sh.owners[owner]; ok {
		return b
	}
	b := newBuffer()
	sh.owners[owner] = b
	return b
}

// Get returns the buffer for owner, or false when the owner is unknown.
func (s *Store) Get(owner string) (*Buffer, bool) {
	sh := s.shard(owner)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	b, ok := sh.owners[owner]
	return b, ok
}

// Drop removes the owner's buffer, discarding any undelivered entries.
// Safe no-op for unknown owners.
func (s *Store) Drop(owner string) {
	sh := s.shard(owner)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.owners, owner)
}

// Drain drains the owner's buffer in place. Returns false when the owner
// is unknown; returns a nil map when the buffer was empty.
func (s *Store) Drain(owner string) (map[Key]*Entry, bool) {
	b, ok := s.Get(owner)
	if !ok {
		return nil, false
	}
	return b.DrainAll(), true
}

// Owners returns a snapshot of every owner currently in the store.
func (s *Store) Owners() []string {
	var owners []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for owner := range sh.owners {
			owners = append(owners, owner)
		}
		sh.mu.RUnlock()
	}
	return owners
}

// Len returns the number of owners in the store.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.owners)
		sh.mu.RUnlock()
	}
	return n
}
