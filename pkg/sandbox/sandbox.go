// Package sandbox runs untrusted submissions against a single test case under a
// hard time limit and grades the output.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout bounds each execution when no timeout is configured.
	DefaultTimeout = 5 * time.Second
	// DefaultStderrLimit is the number of characters of stderr kept for display.
	DefaultStderrLimit = 500

	// MarkupEvaluatedOutput is the synthetic actual output of a markup case that found its marker.
	MarkupEvaluatedOutput = "HTML Code Evaluated"
	// MarkupMissingOutput is the synthetic actual output of a markup case that did not.
	MarkupMissingOutput = "Missing expected elements"
)

// ExecutionResult is the graded outcome of one test case.
type ExecutionResult struct {
	Index    int    `json:"index"`
	Passed   bool   `json:"passed"`
	Actual   string `json:"actual"`
	Expected string `json:"expected"`
	Stderr   string `json:"stderr"`
	Hidden   bool   `json:"is_hidden"`
}

// Config groups sandbox configuration values.
type Config struct {
	Timeout       time.Duration
	StderrLimit   int
	WorkspaceRoot string
	Logger        zerolog.Logger
}

// Sandbox prepares a disposable workspace per call and hands it to a Runner.
// It holds no per-call state and is safe for concurrent use.
type Sandbox struct {
	runner    Runner
	languages *Registry
	cfg       Config
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// New constructs a sandbox. A nil registry uses DefaultRegistry.
func New(runner Runner, languages *Registry, cfg Config) *Sandbox {
	if languages == nil {
		languages = DefaultRegistry()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = DefaultStderrLimit
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}

	return &Sandbox{
		runner:    runner,
		languages: languages,
		cfg:       cfg,
		tracer:    otel.Tracer("github.com/noah-isme/gema-battle-api/pkg/sandbox"),
		logger:    cfg.Logger.With().Str("component", "sandbox").Logger(),
	}
}

// Timeout returns the per-execution time limit.
func (s *Sandbox) Timeout() time.Duration {
	return s.cfg.Timeout
}

// Execute runs code for one test case. It never returns an error: every failure
// is folded into a failed ExecutionResult with a diagnostic in Stderr.
func (s *Sandbox) Execute(ctx context.Context, code, language, input, expected string) (result ExecutionResult) {
	expected = strings.TrimSpace(expected)
	result = ExecutionResult{Expected: expected}

	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error().Interface("panic", recovered).Str("language", language).Msg("sandbox execution panicked")
			result = ExecutionResult{
				Expected: expected,
				Stderr:   s.truncate(fmt.Sprintf("internal sandbox error: %v", recovered)),
			}
		}
	}()

	adapter, ok := s.languages.Lookup(language)
	if !ok {
		execUnsupported.WithLabelValues(NormalizeLanguage(language)).Inc()
		result.Stderr = fmt.Sprintf("Auto-execution not supported for %s. Ask your teacher to evaluate manually.", displayLanguage(language))
		return result
	}

	if adapter.Kind == KindMarkup {
		return gradeMarkup(code, expected)
	}

	return s.execute(ctx, adapter, code, input, expected)
}

func (s *Sandbox) execute(parent context.Context, adapter Adapter, code, input, expected string) ExecutionResult {
	result := ExecutionResult{Expected: expected}

	ctx, span := s.tracer.Start(parent, "sandbox.execute", trace.WithAttributes(
		attribute.String("sandbox.language", adapter.Key),
	))
	defer span.End()

	workspace, err := os.MkdirTemp(s.cfg.WorkspaceRoot, "battle-")
	if err != nil {
		execFailures.WithLabelValues(adapter.Key).Inc()
		result.Stderr = s.truncate(fmt.Sprintf("create workspace: %v", err))
		return result
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			s.logger.Warn().Err(err).Str("workspace", workspace).Msg("failed to remove workspace")
		}
	}()

	source := adapter.Source(code, input)

	fileName := "main" + adapter.Extension
	if err := os.WriteFile(filepath.Join(workspace, fileName), []byte(source), 0o600); err != nil {
		execFailures.WithLabelValues(adapter.Key).Inc()
		result.Stderr = s.truncate(fmt.Sprintf("write source: %v", err))
		return result
	}

	run, runErr := s.runner.Run(ctx, RunRequest{
		Adapter:    adapter,
		Workspace:  workspace,
		SourceFile: fileName,
		Stdin:      input,
		Timeout:    s.cfg.Timeout,
	})
	execDuration.WithLabelValues(adapter.Key).Observe(run.Duration.Seconds())

	if run.TimedOut {
		execTimeouts.WithLabelValues(adapter.Key).Inc()
		span.SetAttributes(attribute.Bool("sandbox.timed_out", true))
		result.Actual = strings.TrimSpace(run.Stdout)
		result.Stderr = fmt.Sprintf("Time limit exceeded (%ss)", strconv.FormatFloat(s.cfg.Timeout.Seconds(), 'f', -1, 64))
		return result
	}

	if runErr != nil {
		execFailures.WithLabelValues(adapter.Key).Inc()
		span.RecordError(runErr)
		s.logger.Warn().Err(runErr).Str("language", adapter.Key).Msg("execution failed")
		result.Stderr = s.truncate(combineStderr(run.Stderr, runErr.Error()))
		return result
	}

	result.Actual = strings.TrimSpace(run.Stdout)
	result.Stderr = s.truncate(strings.TrimSpace(run.Stderr))

	if run.ExitCode != 0 && result.Actual == "" {
		if result.Stderr == "" {
			result.Stderr = fmt.Sprintf("process exited with code %d", run.ExitCode)
		}
		return result
	}

	result.Passed = result.Actual == expected
	return result
}

// gradeMarkup passes when the expected marker appears anywhere in the source,
// case-insensitively. Nothing is executed.
func gradeMarkup(code, expected string) ExecutionResult {
	passed := expected == "" || strings.Contains(strings.ToLower(code), strings.ToLower(expected))
	if passed {
		return ExecutionResult{Passed: true, Actual: MarkupEvaluatedOutput, Expected: expected}
	}
	return ExecutionResult{
		Actual:   MarkupMissingOutput,
		Expected: expected,
		Stderr:   fmt.Sprintf("Expected to find '%s' in your HTML but didn't.", expected),
	}
}

func (s *Sandbox) truncate(value string) string {
	return truncateRunes(value, s.cfg.StderrLimit)
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}

func combineStderr(stderr, diagnostic string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return diagnostic
	}
	return stderr + "\n" + diagnostic
}

func displayLanguage(language string) string {
	if trimmed := strings.TrimSpace(language); trimmed != "" {
		return trimmed
	}
	return DefaultLanguage
}
