package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/carecanvas/deployd/internal/domain"
)

// ErrNotFound indicates no record exists for the requested project id.
var ErrNotFound = errors.New("registry: project not found")

// ErrDuplicateID rejects registration of an id that is already live. Ids are
// never reused, so a collision means two deploys derived the same slug and
// timestamp.
var ErrDuplicateID = errors.New("registry: project id already registered")

// Store is a concurrency-safe in-memory map of project records. It is the
// sole source of truth for what is running and is deliberately not
// persisted: a restart of the host process forgets all children.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*domain.Project
}

// NewStore returns an empty store. Callers own the instance; there is no
// package-level singleton.
func NewStore() *Store {
	return &Store{projects: make(map[string]*domain.Project)}
}

// Put registers a new record. The id must not already be present.
func (s *Store) Put(p *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return ErrDuplicateID
	}
	s.projects[p.ID] = p
	return nil
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, ErrNotFound
	}
	return *p, nil
}

// Update applies fn to the record for id under the store lock.
func (s *Store) Update(id string, fn func(*domain.Project)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return ErrNotFound
	}
	fn(p)
	return nil
}

// Delete removes the record for id and reports whether anything was
// removed. A missing id is not an error so teardown races stay benign.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return false
	}
	delete(s.projects, id)
	return true
}

// List returns copies of all records ordered by creation time.
func (s *Store) List() []domain.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len reports the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projects)
}
