package store

import (
	"context"
	"sort"
	"sync"

	"github.com/xkilldash9x/partscout/api/schemas"
)

// Memory is a process-local StateStore.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]schemas.Session
	activeID string
	active   bool
	steps    map[string]map[int]schemas.StepRecord

	// logs is a ring buffer; head is the index of the oldest entry.
	logs []schemas.LogEntry
	head int
	size int
}

var _ StateStore = (*Memory)(nil)

// NewMemory creates a Memory store whose log buffer holds capacity entries.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Memory{
		sessions: make(map[string]schemas.Session),
		steps:    make(map[string]map[int]schemas.StepRecord),
		logs:     make([]schemas.LogEntry, capacity),
	}
}

func (m *Memory) SaveSession(_ context.Context, s schemas.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) LoadSession(_ context.Context, id string) (schemas.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return schemas.Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) SetActive(_ context.Context, sessionID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeID, m.active = sessionID, active
	return nil
}

func (m *Memory) ActiveSession(context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID, m.active, nil
}

func (m *Memory) AppendLog(_ context.Context, e schemas.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	capacity := len(m.logs)
	if m.size < capacity {
		m.logs[(m.head+m.size)%capacity] = e
		m.size++
		return nil
	}
	m.logs[m.head] = e
	m.head = (m.head + 1) % capacity
	return nil
}

func (m *Memory) RecentLogs(_ context.Context, n int) ([]schemas.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > m.size {
		n = m.size
	}
	out := make([]schemas.LogEntry, 0, n)
	for i := m.size - n; i < m.size; i++ {
		out = append(out, m.logs[(m.head+i)%len(m.logs)])
	}
	return out, nil
}

func (m *Memory) RecordStep(_ context.Context, r schemas.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySession, ok := m.steps[r.SessionID]
	if !ok {
		bySession = make(map[int]schemas.StepRecord)
		m.steps[r.SessionID] = bySession
	}
	if _, dup := bySession[r.StepIndex]; !dup {
		bySession[r.StepIndex] = r
	}
	return nil
}

func (m *Memory) Steps(_ context.Context, sessionID string) ([]schemas.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schemas.StepRecord, 0, len(m.steps[sessionID]))
	for _, r := range m.steps[sessionID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (m *Memory) Close() error { return nil }
