package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseCommand(t *testing.T) {
	args, err := parseCommand(`sh -c 'echo hello world'`)
	if err != nil {
		t.Fatalf("parseCommand failed: %v", err)
	}
	want := []string{"sh", "-c", "echo hello world"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args = %v, want %v", args, want)
		}
	}
	if _, err := parseCommand(`sh -c 'unterminated`); err == nil {
		t.Fatal("expected error for unterminated quote")
	}
}

func TestInstallCapturesOutputOnFailure(t *testing.T) {
	r := New(testLogger(), Options{
		InstallCommand: `sh -c 'echo "npm ERR! ENOTFOUND registry.npmjs.org" >&2; exit 1'`,
	})
	err := r.Install(context.Background(), t.TempDir())
	if err == nil {
		t.Fatal("expected install failure")
	}
	var installErr *InstallError
	if !errors.As(err, &installErr) {
		t.Fatalf("expected *InstallError, got %T", err)
	}
	if !strings.Contains(installErr.Output, "ENOTFOUND") {
		t.Fatalf("captured output %q does not contain ENOTFOUND", installErr.Output)
	}
}

func TestInstallSucceeds(t *testing.T) {
	r := New(testLogger(), Options{InstallCommand: `sh -c 'echo installed'`})
	if err := r.Install(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
}

func TestStartResolvesOnReadySignal(t *testing.T) {
	r := New(testLogger(), Options{
		DevCommand:   `sh -c 'echo "ready on http://localhost:$PORT"; sleep 30'`,
		ReadyTimeout: 5 * time.Second,
		StopGrace:    100 * time.Millisecond,
	})
	var mu sync.Mutex
	var lines []string
	sink := func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}
	p, err := r.Start(context.Background(), t.TempDir(), 3005, sink)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	if p.Pid() == 0 {
		t.Fatal("expected live pid")
	}
	mu.Lock()
	captured := strings.Join(lines, "\n")
	mu.Unlock()
	if !strings.Contains(captured, "localhost:3005") {
		t.Fatalf("sink did not capture banner, got %q", captured)
	}
}

func TestStartReportsEarlyExit(t *testing.T) {
	r := New(testLogger(), Options{
		DevCommand:   `sh -c 'echo starting; exit 3'`,
		ReadyTimeout: 5 * time.Second,
	})
	_, err := r.Start(context.Background(), t.TempDir(), 3006, nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Fatalf("exit code = %d, want 3", exitErr.Code)
	}
}

func TestStartTimesOutAndKillsChild(t *testing.T) {
	r := New(testLogger(), Options{
		DevCommand:   `sh -c 'sleep 30'`,
		ReadyTimeout: 200 * time.Millisecond,
		StopGrace:    100 * time.Millisecond,
	})
	start := time.Now()
	_, err := r.Start(context.Background(), t.TempDir(), 3007, nil)
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("expected ErrStartupTimeout, got %v", err)
	}
	// Stop blocks until the child is reaped, so a prompt return means no
	// orphan is left behind.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout path took %v, child likely not killed", elapsed)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	r := New(testLogger(), Options{
		DevCommand:   `sh -c 'echo ready; sleep 30'`,
		ReadyTimeout: 5 * time.Second,
		StopGrace:    100 * time.Millisecond,
	})
	p, err := r.Start(context.Background(), t.TempDir(), 3008, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if err := syscall.Kill(p.Pid(), 0); err == nil {
		t.Fatal("child process still alive after Stop")
	}
}

func TestStopAfterSpontaneousExit(t *testing.T) {
	r := New(testLogger(), Options{
		DevCommand:   `sh -c 'echo ready; sleep 0.1'`,
		ReadyTimeout: 5 * time.Second,
	})
	p, err := r.Start(context.Background(), t.TempDir(), 3009, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-p.Done()
	if code := p.ExitCode(); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop after exit failed: %v", err)
	}
}
