package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/carecanvas/deployd/internal/domain"
)

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := NewStore()
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRejectsDuplicateID(t *testing.T) {
	s := NewStore()
	p := &domain.Project{ID: "intake-1", CreatedAt: time.Now()}
	if err := s.Put(p); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := s.Put(&domain.Project{ID: "intake-1"}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestUpdateMutatesStoredRecord(t *testing.T) {
	s := NewStore()
	if err := s.Put(&domain.Project{ID: "intake-1", Status: domain.StatusCreating}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	err := s.Update("intake-1", func(p *domain.Project) {
		p.Status = domain.StatusInstalling
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := s.Get("intake-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StatusInstalling {
		t.Fatalf("status = %q, want %q", got.Status, domain.StatusInstalling)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := NewStore()
	if err := s.Put(&domain.Project{ID: "intake-1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !s.Delete("intake-1") {
		t.Fatal("first Delete should report removal")
	}
	if s.Delete("intake-1") {
		t.Fatal("second Delete should be a no-op")
	}
}

func TestListReturnsSnapshotOrderedByCreation(t *testing.T) {
	s := NewStore()
	base := time.Now()
	for i := 3; i >= 1; i-- {
		p := &domain.Project{ID: fmt.Sprintf("p-%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Put(p); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	list := s.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.Before(list[i-1].CreatedAt) {
			t.Fatal("list not ordered by creation time")
		}
	}
	// Mutating the snapshot must not touch the store.
	list[0].Status = domain.StatusError
	got, _ := s.Get(list[0].ID)
	if got.Status == domain.StatusError {
		t.Fatal("List leaked a pointer into the store")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p-%d", i)
			_ = s.Put(&domain.Project{ID: id, CreatedAt: time.Now()})
			_ = s.Update(id, func(p *domain.Project) { p.Status = domain.StatusRunning })
			_, _ = s.Get(id)
			_ = s.List()
		}(i)
	}
	wg.Wait()
	if s.Len() != 50 {
		t.Fatalf("expected 50 records, got %d", s.Len())
	}
}
