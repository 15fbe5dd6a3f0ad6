package persistent

import (
	"fmt"
	"sync"

	"github.com/sushantsondhi/raft-core/common"
)

// MemLogStore is a volatile LogStore, handy for tests and for nodes that
// do not need to survive restarts.
type MemLogStore struct {
	mu      sync.Mutex
	entries []common.LogEntry // entries[i] has index i+1
}

var _ common.LogStore = &MemLogStore{}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{}
}

func (m *MemLogStore) Append(entries ...common.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := int64(len(m.entries)) + 1
	for i, entry := range entries {
		if entry.Index != next+int64(i) {
			return fmt.Errorf("%w: got index %d, expected %d", common.ErrNonContiguous, entry.Index, next+int64(i))
		}
	}
	for _, entry := range entries {
		entry.Data = append([]byte(nil), entry.Data...)
		m.entries = append(m.entries, entry)
	}
	return nil
}

func (m *MemLogStore) EntryAt(index int64) (*common.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 1 || index > int64(len(m.entries)) {
		return nil, fmt.Errorf("%w: index %d", common.ErrNotFound, index)
	}
	entry := m.entries[index-1]
	entry.Data = append([]byte(nil), entry.Data...)
	return &entry, nil
}

func (m *MemLogStore) TruncateSuffixFrom(index int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 1 {
		index = 1
	}
	if index <= int64(len(m.entries)) {
		m.entries = m.entries[:index-1]
	}
	return nil
}

func (m *MemLogStore) LastIndex() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

func (m *MemLogStore) LastTerm() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.entries[len(m.entries)-1].Term, nil
}

func (m *MemLogStore) Close() error {
	return nil
}

// MemPStore is a volatile PersistentStore.
type MemPStore struct {
	mu   sync.Mutex
	vals map[string][]byte
}

var _ common.PersistentStore = &MemPStore{}

func NewMemPStore() *MemPStore {
	return &MemPStore{vals: make(map[string][]byte)}
}

func (m *MemPStore) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[string(key)] = append([]byte{}, value...)
	return nil
}

func (m *MemPStore) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.vals[string(key)]
	if !ok {
		return nil, fmt.Errorf("%w: key %q", common.ErrNotFound, key)
	}
	return append([]byte{}, val...), nil
}

func (m *MemPStore) GetDefault(key []byte, defaultVal []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.vals[string(key)]
	if !ok {
		m.vals[string(key)] = append([]byte{}, defaultVal...)
		return defaultVal, nil
	}
	return append([]byte{}, val...), nil
}

func (m *MemPStore) Close() error {
	return nil
}
