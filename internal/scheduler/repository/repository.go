// Package repository defines the TaskRepository boundary — persistent
// storage is an external collaborator per scope, described here only at
// its interface — plus an in-memory reference implementation used by
// tests and the demo daemon. Grounded on the shape of
// original_source/db/crud/task.py's CRUD surface, translated from
// SQLAlchemy rows to a plain Go map under a mutex.
package repository

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// Filter narrows ListTasks results; zero-value fields are unfiltered.
type Filter struct {
	State *domain.TaskState
	Type  *domain.TaskType
}

// TaskRepository is the durable mirror of task rows. The core is the sole
// mutator of a task while it is non-terminal; the repository persists
// every transition so a terminal task remains retrievable afterward.
type TaskRepository interface {
	Create(task *domain.Task) error
	Get(id uuid.UUID) (*domain.Task, error)
	Update(task *domain.Task) error
	List(filter Filter, page, pageSize int) ([]*domain.Task, error)
	Delete(id uuid.UUID) error
}

// InMemory is a reference TaskRepository backed by a map. It is explicitly
// a test/demo double, not the product's persistence layer.
type InMemory struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*domain.Task
}

// NewInMemory constructs an empty in-memory repository.
func NewInMemory() *InMemory {
	return &InMemory{tasks: map[uuid.UUID]*domain.Task{}}
}

func (r *InMemory) Create(task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.ID]; exists {
		return domain.NewError(domain.ErrValidation, "task already exists: "+task.ID.String())
	}
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *InMemory) Get(id uuid.UUID) (*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "task not found: "+id.String())
	}
	cp := *task
	return &cp, nil
}

func (r *InMemory) Update(task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; !ok {
		return domain.NewError(domain.ErrNotFound, "task not found: "+task.ID.String())
	}
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *InMemory) List(filter Filter, page, pageSize int) ([]*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*domain.Task
	for _, task := range r.tasks {
		if filter.State != nil && task.State != *filter.State {
			continue
		}
		if filter.Type != nil && task.Type != *filter.Type {
			continue
		}
		cp := *task
		matched = append(matched, &cp)
	}
	if pageSize <= 0 {
		return matched, nil
	}
	start := page * pageSize
	if start >= len(matched) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func (r *InMemory) Delete(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return domain.NewError(domain.ErrNotFound, "task not found: "+id.String())
	}
	delete(r.tasks, id)
	return nil
}
