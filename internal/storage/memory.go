package storage

import "sync"

// MemStore is an in-memory Store used in tests and as a reference
// implementation of the Store semantics.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte

	// FailReads / FailWrites force errors, letting tests exercise the
	// ledger's fail-open degradation path.
	FailReads  error
	FailWrites error
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string][]byte)}
}

func (s *MemStore) Read(kind, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.FailReads != nil {
		return nil, s.FailReads
	}
	b, ok := s.data[kind][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *MemStore) WriteAtomic(kind, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return s.FailWrites
	}
	if s.data[kind] == nil {
		s.data[kind] = make(map[string][]byte)
	}
	b := make([]byte, len(data))
	copy(b, data)
	s.data[kind][key] = b
	return nil
}

func (s *MemStore) Append(kind, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return s.FailWrites
	}
	if s.data[kind] == nil {
		s.data[kind] = make(map[string][]byte)
	}
	s.data[kind][key] = append(s.data[kind][key], data...)
	return nil
}

func (s *MemStore) Exists(kind, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.FailReads != nil {
		return false, s.FailReads
	}
	_, ok := s.data[kind][key]
	return ok, nil
}

func (s *MemStore) List(kind string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.FailReads != nil {
		return nil, s.FailReads
	}
	keys := make([]string, 0, len(s.data[kind]))
	for k := range s.data[kind] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *MemStore) Delete(kind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return s.FailWrites
	}
	if _, ok := s.data[kind][key]; !ok {
		return ErrNotFound
	}
	delete(s.data[kind], key)
	return nil
}
