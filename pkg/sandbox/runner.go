package sandbox

import (
	"bytes"
	"context"
	"time"
)

const maxCapturedOutput = 1 << 20

// Runner executes a prepared source file for one test input.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// RunRequest describes a single program invocation inside a prepared workspace.
type RunRequest struct {
	Adapter    Adapter
	Workspace  string
	SourceFile string
	Stdin      string
	Timeout    time.Duration
}

// RunResult carries the raw process outcome before it is graded.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// cappedBuffer keeps at most limit bytes and silently discards the rest so a
// runaway program cannot exhaust memory before the deadline fires.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
