package deploy

import (
	"context"
	"time"

	"log/slog"

	"github.com/carecanvas/deployd/internal/domain"
)

const (
	defaultMaxAge       = 24 * time.Hour
	defaultInterval     = time.Hour
	defaultInitialDelay = 5 * time.Minute
)

// Reaper periodically evicts projects older than the maximum age, stopping
// their processes and removing their directories and registry entries. It
// is owned by the application lifecycle: started explicitly and cancelled
// through its context.
type Reaper struct {
	svc    *Service
	logger *slog.Logger

	maxAge       time.Duration
	interval     time.Duration
	initialDelay time.Duration

	now func() time.Time
}

// NewReaper constructs a reaper over the deployment service. Non-positive
// durations fall back to the defaults (24h age, hourly sweep, 5m initial
// delay).
func NewReaper(svc *Service, logger *slog.Logger, maxAge, interval, initialDelay time.Duration) *Reaper {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if initialDelay <= 0 {
		initialDelay = defaultInitialDelay
	}
	return &Reaper{
		svc:          svc,
		logger:       logger.With("component", "reaper"),
		maxAge:       maxAge,
		interval:     interval,
		initialDelay: initialDelay,
		now:          time.Now,
	}
}

// Run executes one delayed initial sweep, then sweeps on the interval until
// the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "max_age", r.maxAge, "interval", r.interval)

	select {
	case <-ctx.Done():
		r.logger.Info("reaper stopped")
		return
	case <-time.After(r.initialDelay):
		r.Sweep(ctx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep evicts every record whose age exceeds the maximum, then clears
// orphaned directories left by previous process runs. A failure on one
// project never aborts the sweep for the rest.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := r.now().UTC().Add(-r.maxAge)

	for _, rec := range r.svc.List(ctx) {
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		r.logger.Info("reaping aged project", "project_id", rec.ID, "created_at", rec.CreatedAt)
		if err := r.svc.Delete(ctx, rec.ID); err != nil {
			r.logger.Warn("reap failed", "project_id", rec.ID, "error", err)
		}
	}

	r.sweepOrphans(cutoff)
}

// sweepOrphans removes staged directories with no registry entry, relying
// on the timestamp embedded in the directory name to judge age. Directories
// whose names carry no timestamp are left alone.
func (r *Reaper) sweepOrphans(cutoff time.Time) {
	ids, err := r.svc.stager.List()
	if err != nil {
		r.logger.Warn("listing deployment root failed", "error", err)
		return
	}
	for _, id := range ids {
		if _, err := r.svc.Get(context.Background(), id); err == nil {
			continue
		}
		created, ok := domain.IDTimestamp(id)
		if !ok || !created.Before(cutoff) {
			continue
		}
		r.logger.Info("removing orphaned project directory", "project_id", id)
		if err := r.svc.stager.CleanupByID(id); err != nil {
			r.logger.Warn("orphan removal failed", "project_id", id, "error", err)
		}
	}
}
