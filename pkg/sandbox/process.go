package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ProcessRunner runs programs as local child processes in their own process group.
type ProcessRunner struct {
	logger zerolog.Logger
	env    []string
}

// NewProcessRunner constructs a runner that spawns local interpreters.
func NewProcessRunner(logger zerolog.Logger) *ProcessRunner {
	env := []string{"LANG=C.UTF-8", "PYTHONDONTWRITEBYTECODE=1"}
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}

	return &ProcessRunner{
		logger: logger.With().Str("component", "process_runner").Logger(),
		env:    env,
	}
}

// Run spawns the adapter runtime and waits for it or for the timeout. The whole
// process group is killed before Run returns, so background children never
// outlive the call.
func (r *ProcessRunner) Run(parent context.Context, req RunRequest) (RunResult, error) {
	if req.Adapter.Runtime == "" {
		return RunResult{}, fmt.Errorf("adapter %q has no runtime", req.Adapter.Key)
	}

	ctx := parent
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, req.Timeout)
		defer cancel()
	}

	argv := req.Adapter.Command(req.SourceFile)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Workspace
	cmd.Env = append([]string{"HOME=" + req.Workspace}, r.env...)
	cmd.Stdin = strings.NewReader(req.Stdin)
	cmd.WaitDelay = time.Second
	setProcessGroup(cmd)

	stdout := newCappedBuffer(maxCapturedOutput)
	stderr := newCappedBuffer(maxCapturedOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("start %s: %w", argv[0], err)
	}
	defer killProcessGroup(cmd)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	result := RunResult{}
	interrupted := false
	var waitErr error
	select {
	case waitErr = <-done:
		killProcessGroup(cmd)
	case <-ctx.Done():
		killProcessGroup(cmd)
		waitErr = <-done
		interrupted = true
		result.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	}

	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if result.TimedOut {
		r.logger.Debug().Str("language", req.Adapter.Key).Dur("timeout", req.Timeout).Msg("process killed after timeout")
		return result, fmt.Errorf("execution timed out after %s", req.Timeout)
	}

	if interrupted {
		return result, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}

	// A background child kept the output pipes open past WaitDelay. The
	// program itself exited cleanly and the group is gone by now.
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		waitErr = nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("wait %s: %w", argv[0], waitErr)
	}

	return result, nil
}
