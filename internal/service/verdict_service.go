package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-battle-api/pkg/sandbox"
)

// Executor runs one submission against one test case. *sandbox.Sandbox implements it.
type Executor interface {
	Execute(ctx context.Context, code, language, input, expected string) sandbox.ExecutionResult
}

// VerdictReport is the graded result of one submission across a task's test cases.
type VerdictReport struct {
	AllPassed bool
	Results   []sandbox.ExecutionResult
}

// Total returns the number of evaluated test cases.
func (r VerdictReport) Total() int {
	return len(r.Results)
}

// PassedCount returns how many test cases passed, hidden ones included.
func (r VerdictReport) PassedCount() int {
	passed := 0
	for _, result := range r.Results {
		if result.Passed {
			passed++
		}
	}
	return passed
}

// VisibleResults returns the results that may be shown to the submitter.
func (r VerdictReport) VisibleResults() []sandbox.ExecutionResult {
	visible := make([]sandbox.ExecutionResult, 0, len(r.Results))
	for _, result := range r.Results {
		if !result.Hidden {
			visible = append(visible, result)
		}
	}
	return visible
}

// Summary renders a human readable verdict. Hidden cases are only referred to by index.
func (r VerdictReport) Summary() string {
	if r.Total() == 0 {
		return ErrNoTestCases.Error()
	}
	if r.AllPassed {
		return fmt.Sprintf("All test cases passed! (%d/%d)", r.Total(), r.Total())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Passed %d/%d test cases.", r.PassedCount(), r.Total())
	for _, result := range r.Results {
		if result.Passed {
			continue
		}
		if result.Hidden {
			fmt.Fprintf(&b, "\nHidden test case %d failed.", result.Index)
		} else {
			fmt.Fprintf(&b, "\nTest case %d: expected %q, got %q", result.Index, result.Expected, result.Actual)
		}
		if result.Stderr != "" && !result.Hidden {
			b.WriteString("\n")
			b.WriteString(result.Stderr)
		}
		break
	}
	return b.String()
}

// VerdictService grades a submission against an ordered set of test cases.
type VerdictService interface {
	Evaluate(ctx context.Context, code, language string, cases []TestCase) VerdictReport
}

type verdictService struct {
	executor Executor
	pool     *sandbox.Pool
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewVerdictService creates a verdict service. Every execution holds a pool slot.
func NewVerdictService(executor Executor, pool *sandbox.Pool, logger zerolog.Logger) VerdictService {
	if pool == nil {
		pool = sandbox.NewPool(0)
	}
	return &verdictService{
		executor: executor,
		pool:     pool,
		tracer:   otel.Tracer("github.com/noah-isme/gema-battle-api/internal/service/verdict"),
		logger:   logger.With().Str("component", "verdict_service").Logger(),
	}
}

// Evaluate runs every case in order, never stopping at the first failure.
// An empty case list never passes.
func (s *verdictService) Evaluate(ctx context.Context, code, language string, cases []TestCase) VerdictReport {
	ctx, span := s.tracer.Start(ctx, "verdict.evaluate", trace.WithAttributes(
		attribute.String("verdict.language", sandbox.NormalizeLanguage(language)),
		attribute.Int("verdict.cases", len(cases)),
	))
	defer span.End()

	report := VerdictReport{
		AllPassed: len(cases) > 0,
		Results:   make([]sandbox.ExecutionResult, 0, len(cases)),
	}

	for i, tc := range cases {
		var result sandbox.ExecutionResult
		err := s.pool.Do(ctx, func(ctx context.Context) {
			result = s.executor.Execute(ctx, code, language, tc.Input, tc.Expected)
		})
		if err != nil {
			s.logger.Warn().Err(err).Int("case", i+1).Msg("evaluation cancelled before execution")
			result = sandbox.ExecutionResult{
				Expected: strings.TrimSpace(tc.Expected),
				Stderr:   "evaluation cancelled",
			}
		}

		result.Index = i + 1
		result.Hidden = tc.Hidden
		if !result.Passed {
			report.AllPassed = false
		}
		report.Results = append(report.Results, result)
	}

	span.SetAttributes(
		attribute.Bool("verdict.all_passed", report.AllPassed),
		attribute.Int("verdict.passed", report.PassedCount()),
	)
	return report
}
