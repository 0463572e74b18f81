package storage

import (
	"context"
	"sort"
	"sync"

	"canvas-api/domain"
)

// Memory is an in-process Store used for local mode and tests. It applies
// the same placement-field-only write discipline as the table-backed store.
type Memory struct {
	mu       sync.Mutex
	tasks    map[string]map[string]domain.Task
	sections map[string]map[string]domain.Section

	// PlacementWrites counts UpdatePlacement calls; tests use it to assert
	// auto-collect idempotence.
	PlacementWrites int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[string]map[string]domain.Task),
		sections: make(map[string]map[string]domain.Section),
	}
}

// SeedTask inserts or replaces a full task row, domain fields included.
// Only tests and local bootstrapping use it; the engine never writes domain
// fields.
func (m *Memory) SeedTask(userID string, t domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[userID] == nil {
		m.tasks[userID] = make(map[string]domain.Task)
	}
	m.tasks[userID][t.ID] = t
}

func (m *Memory) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Task, 0, len(m.tasks[userID]))
	for _, t := range m.tasks[userID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FetchSections(ctx context.Context, userID string) ([]domain.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Section, 0, len(m.sections[userID]))
	for _, s := range m.sections[userID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdatePlacement(ctx context.Context, userID, taskID string, p domain.Placement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[userID][taskID]
	if !ok {
		return ErrNotFound
	}
	m.tasks[userID][taskID] = domain.ApplyPlacement(t, p)
	m.PlacementWrites++
	return nil
}

func (m *Memory) UpsertSection(ctx context.Context, userID string, s domain.Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sections[userID] == nil {
		m.sections[userID] = make(map[string]domain.Section)
	}
	m.sections[userID][s.ID] = s
	return nil
}

func (m *Memory) DeleteSection(ctx context.Context, userID, sectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sections[userID], sectionID)
	return nil
}

func (m *Memory) EnqueueMutations(ctx context.Context, userID string, muts []domain.Mutation) error {
	return nil
}
