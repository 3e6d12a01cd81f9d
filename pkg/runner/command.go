package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/embercast/ember/pkg/deviceplug"
	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/emberr"
)

// CommandRunner launches a child process with its stdio redirected
// into the session's state folder.
type CommandRunner struct {
	cfg *ember.CommandRunner

	mu     sync.Mutex
	cmd    *exec.Cmd
	waitCh chan error
	cancel context.CancelFunc
}

// NewCommandRunner constructs a CommandRunner from the persisted
// configuration.
func NewCommandRunner(cfg *ember.CommandRunner) *CommandRunner {
	return &CommandRunner{cfg: cfg}
}

// Start launches the configured command, redirecting stdout/stderr to
// files inside spec.StateFolder, then begins consuming the device-plug
// queue in the background.
func (r *CommandRunner) Start(ctx context.Context, spec LaunchSpec) error {
	runCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(runCtx, r.cfg.Path, r.cfg.Args...)
	cmd.Env = buildEnv(r.cfg.Env, spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.StateFolder != "" {
		if err := os.MkdirAll(spec.StateFolder, 0o755); err != nil {
			cancel()
			return fmt.Errorf("create state folder: %w", err)
		}
		stdout, err := os.Create(filepath.Join(spec.StateFolder, "stdout.log"))
		if err != nil {
			cancel()
			return fmt.Errorf("open stdout log: %w", err)
		}
		stderr, err := os.Create(filepath.Join(spec.StateFolder, "stderr.log"))
		if err != nil {
			cancel()
			return fmt.Errorf("open stderr log: %w", err)
		}
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return emberr.Wrap(emberr.ErrRunnerFailed, fmt.Sprintf("start command: %v", err))
	}

	r.mu.Lock()
	r.cmd = cmd
	r.cancel = cancel
	r.waitCh = make(chan error, 1)
	r.mu.Unlock()

	go func() { r.waitCh <- cmd.Wait() }()
	go consumeDeviceQueue(runCtx, spec, func(deviceplug.Event) {
		log.Debug().Uint64("session_id", spec.SessionID).Msg("command runner applied device plug event")
	})

	log.Info().Uint64("session_id", spec.SessionID).Str("path", r.cfg.Path).Int("pid", cmd.Process.Pid).Msg("command runner started")
	return nil
}

// Stop sends SIGTERM to the process group, waits up to grace for exit,
// then sends SIGKILL.
func (r *CommandRunner) Stop(ctx context.Context, grace time.Duration) error {
	r.mu.Lock()
	cmd := r.cmd
	cancel := r.cancel
	waitCh := r.waitCh
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	defer cancel()
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-waitCh:
		return nil
	case <-time.After(grace):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		return nil
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		return ctx.Err()
	}
}

// Wait blocks until the process exits.
func (r *CommandRunner) Wait() error {
	r.mu.Lock()
	waitCh := r.waitCh
	r.mu.Unlock()
	if waitCh == nil {
		return nil
	}
	return <-waitCh
}

func buildEnv(runnerEnv, sessionEnv map[string]string) []string {
	env := os.Environ()
	for k, v := range runnerEnv {
		env = append(env, k+"="+v)
	}
	for k, v := range sessionEnv {
		env = append(env, k+"="+v)
	}
	return env
}
