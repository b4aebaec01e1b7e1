package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"log/slog"
)

const (
	defaultReadyTimeout = 30 * time.Second
	defaultStopGrace    = 5 * time.Second
)

// ErrStartupTimeout signals that the dev server produced no readiness
// signal within the configured window. The child is killed before the
// error is returned.
var ErrStartupTimeout = errors.New("runner: dev server did not become ready in time")

// InstallError carries the captured combined output of a failed dependency
// install for diagnosis.
type InstallError struct {
	Output string
	Err    error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("runner: install failed: %v", e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// ExitError signals that the dev server exited before signaling readiness.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("runner: dev server exited with status %d", e.Code)
}

// ReadyFunc inspects one line of the child's combined output and reports
// whether the server is listening. Matching is inherently best-effort:
// servers are free to word their startup banner however they like, which is
// why the startup timeout stays generous.
type ReadyFunc func(line string) bool

// DefaultReadySignal matches the banners the common Node dev servers print:
// a "ready" marker, a local-address marker, or the allocated port in a
// localhost URL.
func DefaultReadySignal(port int) ReadyFunc {
	portMarker := fmt.Sprintf("localhost:%d", port)
	return func(line string) bool {
		lower := strings.ToLower(line)
		return strings.Contains(lower, "ready") ||
			strings.Contains(lower, "local:") ||
			strings.Contains(lower, portMarker)
	}
}

// LineSink receives each line of the child's combined output as it arrives.
type LineSink func(line string)

// Options configures a Runner. Zero values fall back to npm defaults.
type Options struct {
	InstallCommand string
	DevCommand     string
	ReadyTimeout   time.Duration
	StopGrace      time.Duration
	// Ready overrides the readiness predicate for a given port.
	Ready func(port int) ReadyFunc
}

// Runner executes package-manager processes inside staged project
// directories.
type Runner struct {
	installCmd   string
	devCmd       string
	readyTimeout time.Duration
	stopGrace    time.Duration
	ready        func(port int) ReadyFunc
	logger       *slog.Logger
}

// New returns a Runner with the given options.
func New(logger *slog.Logger, opts Options) *Runner {
	if opts.InstallCommand == "" {
		opts.InstallCommand = "npm install"
	}
	if opts.DevCommand == "" {
		opts.DevCommand = "npm run dev"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.Ready == nil {
		opts.Ready = DefaultReadySignal
	}
	return &Runner{
		installCmd:   opts.InstallCommand,
		devCmd:       opts.DevCommand,
		readyTimeout: opts.ReadyTimeout,
		stopGrace:    opts.StopGrace,
		ready:        opts.Ready,
		logger:       logger,
	}
}

// Install runs the dependency install command to completion in dir. There
// is no timeout beyond the caller's context; a stalled network can hang the
// install indefinitely.
func (r *Runner) Install(ctx context.Context, dir string) error {
	args, err := parseCommand(r.installCmd)
	if err != nil {
		return &InstallError{Err: err}
	}
	if len(args) == 0 {
		return &InstallError{Err: fmt.Errorf("install command is empty")}
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &InstallError{Output: string(output), Err: err}
	}
	if r.logger != nil {
		r.logger.Debug("install completed", "dir", dir, "output_bytes", len(output))
	}
	return nil
}

// Start launches the dev server in dir with PORT set to port and blocks
// until the child signals readiness, exits, or the ready window lapses. On
// success the returned Process is live and owned by the caller. Each output
// line is forwarded to sink when one is provided.
func (r *Runner) Start(ctx context.Context, dir string, port int, sink LineSink) (*Process, error) {
	args, err := parseCommand(r.devCmd)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("dev command is empty")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port))
	// Own process group so Stop can take down the whole npm tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start dev server: %w", err)
	}

	p := &Process{
		cmd:   cmd,
		done:  make(chan struct{}),
		grace: r.stopGrace,
	}

	isReady := r.ready(port)
	readyCh := make(chan struct{}, 1)
	var scanners sync.WaitGroup
	scan := func(pipe *bufio.Scanner) {
		defer scanners.Done()
		for pipe.Scan() {
			line := pipe.Text()
			if sink != nil {
				sink(line)
			}
			if isReady(line) {
				select {
				case readyCh <- struct{}{}:
				default:
				}
			}
		}
	}
	scanners.Add(2)
	go scan(bufio.NewScanner(stdout))
	go scan(bufio.NewScanner(stderr))

	go func() {
		scanners.Wait()
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
		p.setExit(code)
	}()

	timer := time.NewTimer(r.readyTimeout)
	defer timer.Stop()

	select {
	case <-readyCh:
		return p, nil
	case <-p.done:
		return nil, &ExitError{Code: p.ExitCode()}
	case <-timer.C:
		_ = p.Stop()
		return nil, ErrStartupTimeout
	case <-ctx.Done():
		_ = p.Stop()
		return nil, ctx.Err()
	}
}

// Process is a live handle to a running dev server.
type Process struct {
	cmd   *exec.Cmd
	grace time.Duration

	done     chan struct{}
	exitCode int
	stopOnce sync.Once
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode is valid once Done is closed.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

// Stop terminates the child: SIGTERM first, then SIGKILL to the process
// group after the grace period. Safe to call more than once and after the
// process has already exited.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if p.cmd.Process == nil {
			return
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Process may already be gone.
			return
		}
		select {
		case <-p.done:
			return
		case <-time.After(p.grace):
		}
		p.kill()
	})
	<-p.done
	return nil
}

func (p *Process) kill() {
	if p.cmd.Process == nil {
		return
	}
	// Negative pid targets the process group created at start.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *Process) setExit(code int) {
	p.exitCode = code
	close(p.done)
}
