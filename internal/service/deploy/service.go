package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/carecanvas/deployd/internal/domain"
	"github.com/carecanvas/deployd/internal/registry"
	"github.com/carecanvas/deployd/internal/runner"
	"github.com/carecanvas/deployd/internal/service/logs"
)

// outputTruncateLimit bounds how much captured process output lands on a
// record's error field.
const outputTruncateLimit = 4096

// ErrInvalidInput marks deploy requests rejected before any work starts.
var ErrInvalidInput = errors.New("invalid deploy request")

// Stager materializes file bundles on disk.
type Stager interface {
	Path(id string) string
	Stage(id string, bundle map[string]string) (string, error)
	CopyWidgetLibrary(projectDir string) error
	CleanupByID(id string) error
	List() ([]string, error)
}

// Runner installs dependencies and launches dev servers.
type Runner interface {
	Install(ctx context.Context, dir string) error
	Start(ctx context.Context, dir string, port int, sink runner.LineSink) (domain.ProcessHandle, error)
}

// Allocator hands out and reclaims dev-server ports.
type Allocator interface {
	Allocate() (int, error)
	Release(port int)
}

// Service orchestrates the deploy pipeline and owns project lifecycle.
type Service struct {
	store  *registry.Store
	stager Stager
	runner Runner
	ports  Allocator
	logs   *logs.Service
	logger *slog.Logger

	now func() time.Time
}

// New constructs the deployment service.
func New(store *registry.Store, stager Stager, run Runner, ports Allocator, logSvc *logs.Service, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		stager: stager,
		runner: run,
		ports:  ports,
		logs:   logSvc,
		logger: logger,
		now:    time.Now,
	}
}

// Store exposes the backing registry (health checks, metrics).
func (s *Service) Store() *registry.Store {
	return s.store
}

// Deploy runs the full pipeline synchronously: register the record, stage
// the bundle, install dependencies, allocate a port, and launch the dev
// server. Every stage failure is written onto the record before being
// returned, and the record stays registered for inspection.
func (s *Service) Deploy(ctx context.Context, name string, bundle map[string]string) (domain.Project, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Project{}, fmt.Errorf("%w: project name is required", ErrInvalidInput)
	}
	if len(bundle) == 0 {
		return domain.Project{}, fmt.Errorf("%w: file bundle is empty", ErrInvalidInput)
	}

	createdAt := s.now().UTC()
	id := domain.NewID(name, createdAt)
	record := &domain.Project{
		ID:        id,
		Name:      name,
		Path:      s.stager.Path(id),
		Status:    domain.StatusCreating,
		CreatedAt: createdAt,
	}
	if err := s.store.Put(record); err != nil {
		return domain.Project{}, err
	}
	s.logger.Info("deployment started", "project_id", id, "name", name, "files", len(bundle))
	s.event(id, "staging project files")

	dir, err := s.stager.Stage(id, bundle)
	if err != nil {
		return s.fail(id, "stage", err)
	}
	// The widget library is an enhancement, not a requirement: a failed
	// copy is logged and the deployment proceeds without it.
	if err := s.stager.CopyWidgetLibrary(dir); err != nil {
		s.logger.Warn("widget library copy failed", "project_id", id, "error", err)
		s.event(id, "widget library unavailable, continuing without it")
	}

	s.transition(id, domain.StatusInstalling)
	s.event(id, "installing dependencies")
	if err := s.runner.Install(ctx, dir); err != nil {
		return s.fail(id, "install", err)
	}

	s.transition(id, domain.StatusStarting)
	port, err := s.ports.Allocate()
	if err != nil {
		return s.fail(id, "port", err)
	}
	_ = s.store.Update(id, func(p *domain.Project) {
		p.Port = port
	})
	s.event(id, fmt.Sprintf("starting dev server on port %d", port))

	proc, err := s.runner.Start(ctx, dir, port, s.sink(id))
	if err != nil {
		s.ports.Release(port)
		return s.fail(id, "start", err)
	}

	url := fmt.Sprintf("http://localhost:%d", port)
	_ = s.store.Update(id, func(p *domain.Project) {
		p.Status = domain.StatusRunning
		p.URL = url
		p.Process = proc
	})
	s.logger.Info("deployment running", "project_id", id, "port", port, "url", url)
	s.event(id, "dev server ready at "+url)

	go s.watchExit(id, proc, port)

	return s.store.Get(id)
}

// List returns all registered records, oldest first.
func (s *Service) List(ctx context.Context) []domain.Project {
	return s.store.List()
}

// Get returns one record by id.
func (s *Service) Get(ctx context.Context, id string) (domain.Project, error) {
	return s.store.Get(id)
}

// Stop kills the project's dev server if it is running. Stopping an
// already-stopped or errored record is a no-op; an unknown id reports
// not-found so callers can tell a typo from a finished teardown.
func (s *Service) Stop(ctx context.Context, id string) error {
	var (
		proc domain.ProcessHandle
		port int
	)
	err := s.store.Update(id, func(p *domain.Project) {
		// stopped is reachable from running only; a record mid-pipeline has
		// no process handle yet and is left for its own stage to fail.
		if p.Status != domain.StatusRunning {
			return
		}
		proc = p.Process
		port = p.Port
		p.Process = nil
		p.Status = domain.StatusStopped
		p.URL = ""
	})
	if err != nil {
		return err
	}
	if proc != nil {
		if stopErr := proc.Stop(); stopErr != nil {
			s.logger.Warn("process stop failed", "project_id", id, "error", stopErr)
		}
		s.ports.Release(port)
		s.logger.Info("deployment stopped", "project_id", id)
		s.event(id, "dev server stopped")
	}
	return nil
}

// Delete stops the project if running and removes all on-disk and
// in-memory traces. Unknown ids are benign no-ops so retries stay cheap.
// Directory removal is best-effort: failures are logged, not returned.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.Stop(ctx, id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	if err := s.stager.CleanupByID(id); err != nil {
		s.logger.Warn("project directory removal failed", "project_id", id, "error", err)
	}
	if rec, err := s.store.Get(id); err == nil {
		s.ports.Release(rec.Port)
	}
	if s.store.Delete(id) {
		s.logger.Info("deployment deleted", "project_id", id)
	}
	if s.logs != nil {
		s.logs.Drop(id)
	}
	return nil
}

// watchExit clears the handle when the dev server exits on its own. There
// is no caller to notify; the transition is logged only.
func (s *Service) watchExit(id string, proc domain.ProcessHandle, port int) {
	<-proc.Done()
	released := false
	err := s.store.Update(id, func(p *domain.Project) {
		// A concurrent stop or delete may already have cleared the handle;
		// only react to the process this watcher was started for.
		if p.Process != proc {
			return
		}
		p.Process = nil
		p.Status = domain.StatusStopped
		p.URL = ""
		released = true
	})
	if err != nil {
		return
	}
	if released {
		s.ports.Release(port)
		s.logger.Info("dev server exited", "project_id", id, "exit_code", proc.ExitCode())
		s.event(id, fmt.Sprintf("dev server exited with status %d", proc.ExitCode()))
	}
}

// fail records a stage failure on the record and returns it to the caller.
// The partially-populated record stays registered for inspection.
func (s *Service) fail(id, stage string, err error) (domain.Project, error) {
	message := failureMessage(stage, err)
	_ = s.store.Update(id, func(p *domain.Project) {
		p.Status = domain.StatusError
		p.Error = message
		p.Process = nil
		p.URL = ""
	})
	s.logger.Error("deployment stage failed", "project_id", id, "stage", stage, "error", err)
	s.event(id, message)
	record, _ := s.store.Get(id)
	return record, err
}

func (s *Service) transition(id, status string) {
	_ = s.store.Update(id, func(p *domain.Project) {
		p.Status = status
	})
}

func (s *Service) sink(id string) runner.LineSink {
	if s.logs == nil {
		return nil
	}
	return func(line string) {
		s.logs.Append(id, logs.SourceDevServer, line)
	}
}

func (s *Service) event(id, message string) {
	if s.logs == nil {
		return
	}
	s.logs.Append(id, logs.SourceSystem, message)
}

// failureMessage renders a stage error for the record, folding in captured
// process output when the failure carries it.
func failureMessage(stage string, err error) string {
	var installErr *runner.InstallError
	if errors.As(err, &installErr) && strings.TrimSpace(installErr.Output) != "" {
		return fmt.Sprintf("%s failed: %v: %s", stage, installErr.Err, truncate(installErr.Output))
	}
	return fmt.Sprintf("%s failed: %v", stage, err)
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= outputTruncateLimit {
		return s
	}
	return s[:outputTruncateLimit] + fmt.Sprintf("... (%d bytes truncated)", len(s)-outputTruncateLimit)
}
