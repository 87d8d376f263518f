// Package idempotency replays the first response for a repeated Idempotency-Key so a
// client retrying a purchase launch after a dropped connection does not open a second
// platform purchase sheet.
package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a captured 2xx response.
type Response struct {
	StatusCode  int
	Headers     map[string]string
	Body        []byte
	Fingerprint string
	CachedAt    time.Time
}

// Store holds captured responses and claims keys while the first request runs.
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Claim marks key as in flight. It returns false when another request holds it.
	Claim(ctx context.Context, key string) bool
	Release(ctx context.Context, key string)
}

// MemoryStore is an LRU-bounded Store. Expired entries are dropped lazily and by a
// sweep every SweepInterval.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List
	inFlight map[string]struct{}
	maxSize  int
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type entry struct {
	key       string
	response  *Response
	expiresAt time.Time
}

// SweepInterval is how often MemoryStore removes expired entries.
const SweepInterval = 5 * time.Minute

type StoreOption func(*MemoryStore)

func WithMaxSize(n int) StoreOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

func WithClock(now func() time.Time) StoreOption { return func(s *MemoryStore) { s.now = now } }

// NewMemoryStore starts the sweeper; call Close to stop it.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		inFlight: make(map[string]struct{}),
		maxSize:  10000,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if now.After(e.expiresAt) {
		s.removeLocked(el)
		return nil, false
	}
	s.lru.MoveToFront(el)
	return e.response, true
}

func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	expiresAt := s.now().Add(ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		e := el.Value.(*entry)
		e.response = response
		e.expiresAt = expiresAt
		s.lru.MoveToFront(el)
		return nil
	}
	// Evict first so concurrent writers never push the map past maxSize.
	for len(s.entries) >= s.maxSize {
		s.removeLocked(s.lru.Back())
	}
	s.entries[key] = s.lru.PushFront(&entry{key: key, response: response, expiresAt: expiresAt})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *MemoryStore) Release(_ context.Context, key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}

// Len counts stored responses, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	s.lru.Remove(el)
	delete(s.entries, el.Value.(*entry).key)
}

func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry).expiresAt) {
			s.removeLocked(el)
		}
		el = prev
	}
}

func (s *MemoryStore) sweepLoop() {
	defer close(s.done)
	t := time.NewTicker(SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
