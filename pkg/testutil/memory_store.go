package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/clipforge/clipforge/pkg/cache"
)

// MemoryStore is an in-memory cache.Store used by unit tests. It honors TTLs
// against an injectable clock and can be forced to fail to exercise store
// fault handling.
type MemoryStore struct {
	mu         sync.Mutex
	values     map[string]memoryEntry
	sets       map[string]map[string]struct{}
	setExpires map[string]time.Time
	Clock      func() time.Time
	FailAll    bool
	FailErr    error
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

var _ cache.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:     make(map[string]memoryEntry),
		sets:       make(map[string]map[string]struct{}),
		setExpires: make(map[string]time.Time),
		Clock:      time.Now,
	}
}

func (s *MemoryStore) fail() error {
	if !s.FailAll {
		return nil
	}
	if s.FailErr != nil {
		return s.FailErr
	}
	return errStoreDown
}

var errStoreDown = &storeDownError{}

type storeDownError struct{}

func (e *storeDownError) Error() string { return "store unavailable" }

func (s *MemoryStore) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && !s.Clock().Before(entry.expiresAt)
}

// purgeSet drops the set if its expiry has passed. Callers hold the mutex.
func (s *MemoryStore) purgeSet(key string) {
	expiresAt, ok := s.setExpires[key]
	if ok && !s.Clock().Before(expiresAt) {
		delete(s.sets, key)
		delete(s.setExpires, key)
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return "", err
	}

	entry, ok := s.values[key]
	if !ok || s.expired(entry) {
		delete(s.values, key)
		return "", cache.ErrCacheMiss
	}
	return entry.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}

	entry := memoryEntry{value: fmt.Sprint(value)}
	if ttl > 0 {
		entry.expiresAt = s.Clock().Add(ttl)
	}
	s.values[key] = entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}

	for _, key := range keys {
		delete(s.values, key)
		delete(s.sets, key)
		delete(s.setExpires, key)
	}
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}

	entry, ok := s.values[key]
	if ok && s.expired(entry) {
		delete(s.values, key)
		ok = false
	}
	if !ok {
		s.purgeSet(key)
		_, ok = s.sets[key]
	}
	return ok, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}

	entry, ok := s.values[key]
	if !ok || s.expired(entry) {
		return 0, cache.ErrCacheMiss
	}
	if entry.expiresAt.IsZero() {
		return -1, nil
	}
	return entry.expiresAt.Sub(s.Clock()), nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}

	entry, ok := s.values[key]
	if ok && !s.expired(entry) {
		entry.expiresAt = s.Clock().Add(ttl)
		s.values[key] = entry
		return nil
	}

	s.purgeSet(key)
	if _, ok := s.sets[key]; ok {
		s.setExpires[key] = s.Clock().Add(ttl)
		return nil
	}

	return cache.ErrCacheMiss
}

func (s *MemoryStore) Increment(_ context.Context, key string) (int64, error) {
	return s.addInt(key, 1)
}

func (s *MemoryStore) Decrement(_ context.Context, key string) (int64, error) {
	return s.addInt(key, -1)
}

func (s *MemoryStore) addInt(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}

	entry, ok := s.values[key]
	if ok && s.expired(entry) {
		entry = memoryEntry{}
		ok = false
	}

	var current int64
	if ok {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}

	current += delta
	entry.value = strconv.FormatInt(current, 10)
	s.values[key] = entry
	return current, nil
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}

	s.purgeSet(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, member := range members {
		set[fmt.Sprint(member)] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}

	s.purgeSet(key)
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, fmt.Sprint(member))
	}
	if len(set) == 0 {
		delete(s.sets, key)
		delete(s.setExpires, key)
	}
	return nil
}

func (s *MemoryStore) SCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}
	s.purgeSet(key)
	return int64(len(s.sets[key])), nil
}

func (s *MemoryStore) SIsMember(_ context.Context, key string, member interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}

	s.purgeSet(key)
	set, ok := s.sets[key]
	if !ok {
		return false, nil
	}
	_, found := set[fmt.Sprint(member)]
	return found, nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}

	entry, ok := s.values[key]
	if ok && !s.expired(entry) {
		return false, nil
	}

	entry = memoryEntry{value: fmt.Sprint(value)}
	if ttl > 0 {
		entry.expiresAt = s.Clock().Add(ttl)
	}
	s.values[key] = entry
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}

	entry, ok := s.values[key]
	if !ok || s.expired(entry) || entry.value != expected {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}
