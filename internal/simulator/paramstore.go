package simulator

import "sync"

type parameter struct {
	value     string
	paramType string
	version   int
}

// ParamStore is the in-memory versioned parameter store. Each Put of a
// name bumps its version.
type ParamStore struct {
	mu     sync.RWMutex
	params map[string]*parameter
}

func NewParamStore() *ParamStore {
	return &ParamStore{params: make(map[string]*parameter)}
}

// Put stores a value and returns the new version.
func (s *ParamStore) Put(name, value, paramType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.params[name]
	if !ok {
		p = &parameter{}
		s.params[name] = p
	}
	p.value = value
	p.paramType = paramType
	p.version++
	return p.version
}

// Get returns a parameter's value, type and version.
func (s *ParamStore) Get(name string) (value, paramType string, version int, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.params[name]
	if !ok {
		return "", "", 0, false
	}
	return p.value, p.paramType, p.version, true
}
