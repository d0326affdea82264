package kv

import (
	"errors"
	"sync"
)

// MemStore is an in-memory Store for tests and for running without a
// writable data directory.
type MemStore struct {
	mu        sync.Mutex
	values    map[string]string
	failSaves bool
	saves     int
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{values: map[string]string{}}
}

func (m *MemStore) Load(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok && v != ""
}

func (m *MemStore) Save(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failSaves {
		return errors.New("kv: save failed")
	}
	m.values[key] = value
	return nil
}

func (m *MemStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		return ErrNotFound
	}
	delete(m.values, key)
	return nil
}

// FailSaves makes every subsequent Save fail.
func (m *MemStore) FailSaves(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaves = fail
}

// Saves returns the number of Save calls, including failed ones.
func (m *MemStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
