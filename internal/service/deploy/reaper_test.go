package deploy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/carecanvas/deployd/internal/domain"
	"github.com/carecanvas/deployd/internal/registry"
)

func newTestReaper(t *testing.T, env *testEnv, now time.Time) *Reaper {
	t.Helper()
	r := NewReaper(env.svc, testLogger(), 24*time.Hour, time.Hour, 5*time.Minute)
	r.now = func() time.Time { return now }
	return r
}

func putRecord(t *testing.T, env *testEnv, id string, createdAt time.Time) {
	t.Helper()
	err := env.svc.store.Put(&domain.Project{
		ID:        id,
		Name:      id,
		Path:      env.stager.Path(id),
		Status:    domain.StatusStopped,
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func TestSweepBoundary(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-24 * time.Hour)

	env := newTestService(t, nil)
	putRecord(t, env, "aged-1000", cutoff.Add(-time.Millisecond))
	putRecord(t, env, "exact-2000", cutoff)
	putRecord(t, env, "fresh-3000", cutoff.Add(time.Millisecond))

	r := newTestReaper(t, env, now)
	r.Sweep(context.Background())

	if _, err := env.svc.Get(context.Background(), "aged-1000"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("record past the age limit survived: %v", err)
	}
	for _, id := range []string{"exact-2000", "fresh-3000"} {
		if _, err := env.svc.Get(context.Background(), id); err != nil {
			t.Fatalf("record %s at or under the age limit was reaped: %v", id, err)
		}
	}
}

func TestSweepStopsAgedRunningProject(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestService(t, nil)
	env.svc.now = func() time.Time { return now.Add(-25 * time.Hour) }

	rec, err := env.svc.Deploy(context.Background(), "Old Intake", map[string]string{"a": "b"})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	r := newTestReaper(t, env, now)
	r.Sweep(context.Background())

	if _, err := env.svc.Get(context.Background(), rec.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("aged running project not evicted: %v", err)
	}
	if env.runner.proc.stops == 0 {
		t.Fatal("aged project's dev server was not stopped")
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestService(t, func(e *testEnv) {
		e.stager.cleanupErr = errors.New("directory busy")
	})
	putRecord(t, env, "aged-1000", now.Add(-30*time.Hour))
	putRecord(t, env, "older-2000", now.Add(-40*time.Hour))

	r := newTestReaper(t, env, now)
	r.Sweep(context.Background())

	for _, id := range []string{"aged-1000", "older-2000"} {
		if _, err := env.svc.Get(context.Background(), id); !errors.Is(err, registry.ErrNotFound) {
			t.Fatalf("directory failure halted the sweep before %s", id)
		}
	}
}

func TestSweepRemovesOrphanDirectories(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-24 * time.Hour)

	registered := fmt.Sprintf("intake-%d", cutoff.Add(-2*time.Hour).UnixMilli())
	oldOrphan := fmt.Sprintf("lost-%d", cutoff.Add(-time.Hour).UnixMilli())
	freshOrphan := fmt.Sprintf("draft-%d", cutoff.Add(time.Hour).UnixMilli())

	env := newTestService(t, func(e *testEnv) {
		e.stager.diskIDs = []string{registered, oldOrphan, freshOrphan, "not-a-project"}
	})
	// The registered record is under the age limit by its own CreatedAt even
	// though its id timestamp is older; registry membership wins.
	putRecord(t, env, registered, now.Add(-time.Hour))

	r := newTestReaper(t, env, now)
	r.Sweep(context.Background())

	env.stager.mu.Lock()
	cleaned := append([]string(nil), env.stager.cleaned...)
	env.stager.mu.Unlock()
	if len(cleaned) != 1 || cleaned[0] != oldOrphan {
		t.Fatalf("cleaned %v, want only %s", cleaned, oldOrphan)
	}
}

func TestReaperRunHonoursCancellation(t *testing.T) {
	env := newTestService(t, nil)
	r := NewReaper(env.svc, testLogger(), 24*time.Hour, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop on context cancellation")
	}
}
