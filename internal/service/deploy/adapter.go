package deploy

import (
	"context"

	"github.com/carecanvas/deployd/internal/domain"
	"github.com/carecanvas/deployd/internal/runner"
)

// NewProcessRunner adapts the concrete subprocess runner to the service's
// Runner interface.
func NewProcessRunner(r *runner.Runner) Runner {
	return processRunner{r: r}
}

type processRunner struct {
	r *runner.Runner
}

func (pr processRunner) Install(ctx context.Context, dir string) error {
	return pr.r.Install(ctx, dir)
}

func (pr processRunner) Start(ctx context.Context, dir string, port int, sink runner.LineSink) (domain.ProcessHandle, error) {
	proc, err := pr.r.Start(ctx, dir, port, sink)
	if err != nil {
		return nil, err
	}
	return proc, nil
}
