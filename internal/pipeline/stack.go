package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
)

// stderrLimit caps the filter diagnostics kept for error messages.
const stderrLimit = 4096

// Stack is an external filter program a message body is piped through.
type Stack struct {
	Program string
	argv    []string
	Timeout time.Duration
	Grace   time.Duration
}

// NewStack parses program with shell quoting rules (no shell is involved).
func NewStack(program string, timeout, grace time.Duration) (*Stack, error) {
	argv, err := shlex.Split(program)
	if err != nil {
		return nil, fmt.Errorf("failed to parse program %q: %w", program, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty program")
	}
	return &Stack{Program: program, argv: argv, Timeout: timeout, Grace: grace}, nil
}

// Argv returns the parsed command line.
func (s *Stack) Argv() []string {
	return append([]string(nil), s.argv...)
}

// Run pipes src through the program into dst. Output is streamed as the
// program produces it, so dst may already hold part of the result when Run
// fails; callers must then abort the message instead of completing it.
//
// The program gets SIGTERM when ctx ends or the timeout expires, and is
// killed if it has not exited Grace later.
func (s *Stack) Run(ctx context.Context, dst io.Writer, src io.Reader) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	cmd.Stdin = src
	cmd.Stdout = dst
	stderr := &limitedBuffer{max: stderrLimit}
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.Grace

	err := cmd.Run()
	if err == nil {
		return nil
	}

	perr := &Error{Kind: KindPipeline, Op: "stack", Err: err}
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		perr.Reason = fmt.Sprintf("%s stopped: %v", s.argv[0], context.Cause(ctx))
	case errors.As(err, &exitErr):
		perr.Reason = fmt.Sprintf("%s exited with status %d", s.argv[0], exitErr.ExitCode())
	default:
		perr.Reason = fmt.Sprintf("%s failed", s.argv[0])
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		perr.Reason += ": " + msg
	}
	return perr
}

type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
