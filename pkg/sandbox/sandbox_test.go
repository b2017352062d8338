package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu        sync.Mutex
	result    RunResult
	err       error
	requests  []RunRequest
	sources   []string
	workspace []string
}

func (r *recordingRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	source, err := os.ReadFile(filepath.Join(req.Workspace, req.SourceFile))
	if err != nil {
		return RunResult{}, err
	}
	r.requests = append(r.requests, req)
	r.sources = append(r.sources, string(source))
	r.workspace = append(r.workspace, req.Workspace)
	return r.result, r.err
}

func newTestSandbox(runner Runner, registry *Registry) *Sandbox {
	return New(runner, registry, Config{Timeout: 5 * time.Second, Logger: zerolog.Nop(), WorkspaceRoot: os.TempDir()})
}

func TestExecuteUnsupportedLanguageNeverPasses(t *testing.T) {
	runner := &recordingRunner{result: RunResult{Stdout: "5"}}
	sb := newTestSandbox(runner, nil)

	result := sb.Execute(context.Background(), "fn main() {}", "rust", "5", "5")

	require.False(t, result.Passed)
	require.Contains(t, result.Stderr, "not supported")
	require.Contains(t, result.Stderr, "rust")
	require.Empty(t, runner.requests, "no process should be spawned for unsupported languages")
}

func TestExecuteMarkupUsesSubstringContainment(t *testing.T) {
	sb := newTestSandbox(&recordingRunner{}, nil)

	passed := sb.Execute(context.Background(), "<H1>Hi</H1>", "HTML", "", " <h1> ")
	require.True(t, passed.Passed)
	require.Equal(t, MarkupEvaluatedOutput, passed.Actual)
	require.Equal(t, "<h1>", passed.Expected)

	failed := sb.Execute(context.Background(), "<p>Hi</p>", "html", "", "<h1>")
	require.False(t, failed.Passed)
	require.Equal(t, MarkupMissingOutput, failed.Actual)
	require.Contains(t, failed.Stderr, "<h1>")
}

func TestExecuteTrimsAndComparesOutput(t *testing.T) {
	runner := &recordingRunner{result: RunResult{Stdout: "\n 42 \n", ExitCode: 0}}
	sb := newTestSandbox(runner, nil)

	result := sb.Execute(context.Background(), "print(42)", "Python", "", "42\n")

	require.True(t, result.Passed)
	require.Equal(t, "42", result.Actual)
	require.Len(t, runner.requests, 1)
	require.Equal(t, "python", runner.requests[0].Adapter.Key)
	require.Equal(t, "main.py", runner.requests[0].SourceFile)
}

func TestExecuteEmptyLanguageDefaultsToPython(t *testing.T) {
	runner := &recordingRunner{result: RunResult{Stdout: "ok"}}
	sb := newTestSandbox(runner, nil)

	result := sb.Execute(context.Background(), "print('ok')", "  ", "", "ok")

	require.True(t, result.Passed)
	require.Equal(t, "python", runner.requests[0].Adapter.Key)
}

func TestExecutePrependsInputPrelude(t *testing.T) {
	runner := &recordingRunner{result: RunResult{Stdout: "x"}}
	sb := newTestSandbox(runner, nil)

	sb.Execute(context.Background(), "print(input_data)", "python", "a'b\n", "x")

	require.Len(t, runner.sources, 1)
	require.True(t, strings.HasPrefix(runner.sources[0], `input_data = "a'b\n"`+"\n"))
	require.True(t, strings.HasSuffix(runner.sources[0], "print(input_data)"))
	require.Equal(t, "a'b\n", runner.requests[0].Stdin)
}

func TestExecuteRemovesWorkspaceOnEveryPath(t *testing.T) {
	cases := map[string]*recordingRunner{
		"success":  {result: RunResult{Stdout: "1"}},
		"timeout":  {result: RunResult{TimedOut: true}, err: errors.New("execution timed out")},
		"spawn":    {err: errors.New("exec: python3 not found")},
		"exitcode": {result: RunResult{ExitCode: 1, Stderr: "Traceback"}},
	}

	for name, runner := range cases {
		t.Run(name, func(t *testing.T) {
			sb := newTestSandbox(runner, nil)
			sb.Execute(context.Background(), "print(1)", "python", "", "1")

			require.Len(t, runner.workspace, 1)
			_, err := os.Stat(runner.workspace[0])
			require.True(t, os.IsNotExist(err), "workspace should be removed")
		})
	}
}

func TestExecuteTimeoutDiagnostic(t *testing.T) {
	runner := &recordingRunner{result: RunResult{TimedOut: true}, err: errors.New("execution timed out")}
	sb := newTestSandbox(runner, nil)

	result := sb.Execute(context.Background(), "while True: pass", "python", "", "1")

	require.False(t, result.Passed)
	require.Equal(t, "Time limit exceeded (5s)", result.Stderr)
}

func TestExecuteNonZeroExitWithoutStdoutFails(t *testing.T) {
	runner := &recordingRunner{result: RunResult{ExitCode: 3}}
	sb := newTestSandbox(runner, nil)

	result := sb.Execute(context.Background(), "import sys; sys.exit(3)", "python", "", "")

	require.False(t, result.Passed)
	require.Equal(t, "process exited with code 3", result.Stderr)
}

func TestExecuteSpawnFailureIsReported(t *testing.T) {
	runner := &recordingRunner{err: errors.New("start python3: executable file not found")}
	sb := newTestSandbox(runner, nil)

	result := sb.Execute(context.Background(), "print(1)", "python", "", "1")

	require.False(t, result.Passed)
	require.Contains(t, result.Stderr, "executable file not found")
}

func TestExecuteTruncatesStderrWithoutAffectingVerdict(t *testing.T) {
	runner := &recordingRunner{result: RunResult{Stdout: "done", Stderr: strings.Repeat("é", 900)}}
	sb := newTestSandbox(runner, nil)

	result := sb.Execute(context.Background(), "print('done')", "python", "", "done")

	require.True(t, result.Passed)
	require.Equal(t, DefaultStderrLimit, len([]rune(result.Stderr)))
}

func TestExecuteRecoversFromRunnerPanic(t *testing.T) {
	sb := newTestSandbox(panicRunner{}, nil)

	result := sb.Execute(context.Background(), "print(1)", "python", "", "1")

	require.False(t, result.Passed)
	require.Contains(t, result.Stderr, "internal sandbox error")
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, RunRequest) (RunResult, error) {
	panic("boom")
}

func shellRegistry() *Registry {
	registry := NewRegistry()
	registry.Register(Adapter{Key: "shell", Runtime: "sh", Extension: ".sh"})
	return registry
}

func TestProcessRunnerEchoesStdin(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	sb := newTestSandbox(NewProcessRunner(zerolog.Nop()), shellRegistry())

	result := sb.Execute(context.Background(), "read line\necho \"got $line\"\n", "shell", "5\n", "got 5")

	require.True(t, result.Passed, result.Stderr)
	require.Equal(t, "got 5", result.Actual)
}

func TestProcessRunnerIsDeterministicAcrossCalls(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	sb := newTestSandbox(NewProcessRunner(zerolog.Nop()), shellRegistry())
	code := "if [ -f marker ]; then echo leaked; else touch marker; echo clean; fi\n"

	first := sb.Execute(context.Background(), code, "shell", "", "clean")
	second := sb.Execute(context.Background(), code, "shell", "", "clean")

	require.True(t, first.Passed)
	require.Equal(t, first.Passed, second.Passed)
}

func TestProcessRunnerKillsRunawayProgram(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	timeout := 300 * time.Millisecond
	sb := New(NewProcessRunner(zerolog.Nop()), shellRegistry(), Config{Timeout: timeout, Logger: zerolog.Nop()})

	pidFile := filepath.Join(t.TempDir(), "child.pid")

	start := time.Now()
	code := "sleep 30 >/dev/null 2>&1 </dev/null &\necho $! > " + pidFile + "\nwhile true; do :; done\n"
	result := sb.Execute(context.Background(), code, "shell", "", "never")
	elapsed := time.Since(start)

	require.False(t, result.Passed)
	require.Equal(t, "Time limit exceeded (0.3s)", result.Stderr)
	require.Less(t, elapsed, timeout+2*time.Second)
	requireProcessGone(t, pidFile)
}

func TestProcessRunnerReapsBackgroundChildrenAfterNormalExit(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	sb := newTestSandbox(NewProcessRunner(zerolog.Nop()), shellRegistry())
	pidFile := filepath.Join(t.TempDir(), "child.pid")

	code := "sleep 77 >/dev/null 2>&1 </dev/null &\necho $! > " + pidFile + "\necho done\n"
	result := sb.Execute(context.Background(), code, "shell", "", "done")

	require.True(t, result.Passed, result.Stderr)
	requireProcessGone(t, pidFile)
}

func TestProcessRunnerDoesNotHangOnChildHoldingOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	sb := newTestSandbox(NewProcessRunner(zerolog.Nop()), shellRegistry())
	pidFile := filepath.Join(t.TempDir(), "child.pid")

	start := time.Now()
	code := "sleep 60 &\necho $! > " + pidFile + "\necho done\n"
	result := sb.Execute(context.Background(), code, "shell", "", "done")

	require.True(t, result.Passed, result.Stderr)
	require.Less(t, time.Since(start), 3*time.Second)
	requireProcessGone(t, pidFile)
}

// requireProcessGone waits until the pid recorded in pidFile is no longer a
// live process. Zombies awaiting reaping by init count as gone.
func requireProcessGone(t *testing.T, pidFile string) {
	t.Helper()
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("procfs not available")
	}

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid := strings.TrimSpace(string(raw))
	require.NotEmpty(t, pid)

	require.Eventually(t, func() bool {
		stat, err := os.ReadFile(filepath.Join("/proc", pid, "stat"))
		if err != nil {
			return true
		}
		fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
		return len(fields) > 0 && (fields[0] == "Z" || fields[0] == "X")
	}, 2*time.Second, 20*time.Millisecond, "background child %s survived the run", pid)
}

func TestPythonPrintsInputData(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	sb := newTestSandbox(NewProcessRunner(zerolog.Nop()), nil)

	result := sb.Execute(context.Background(), "print(input_data)", "python", "5", "5")

	require.True(t, result.Passed, result.Stderr)
	require.Equal(t, "5", result.Actual)
}

func TestPythonFutureImportsStillRun(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	sb := newTestSandbox(NewProcessRunner(zerolog.Nop()), nil)

	result := sb.Execute(context.Background(), "from __future__ import annotations\nprint(input_data)", "python", "7", "7")

	require.True(t, result.Passed, result.Stderr)
	require.Equal(t, "7", result.Actual)
}

func TestPythonRuntimeErrorIsCaptured(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	sb := newTestSandbox(NewProcessRunner(zerolog.Nop()), nil)

	result := sb.Execute(context.Background(), "raise ValueError('bad')", "python", "", "1")

	require.False(t, result.Passed)
	require.Contains(t, result.Stderr, "ValueError")
}
