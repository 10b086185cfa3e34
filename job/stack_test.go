package job

import (
	"errors"
	"fmt"
	"testing"
)

type tracedErr struct{ msg, stack string }

func (e *tracedErr) Error() string      { return e.msg }
func (e *tracedErr) StackTrace() string { return e.stack }

func TestErrorStack(t *testing.T) {
	t.Parallel()

	if got := ErrorStack(errors.New("boom")); got != "boom" {
		t.Fatalf("plain error: got %q, want %q", got, "boom")
	}

	traced := &tracedErr{msg: "boom", stack: "goroutine 1 [running]:\nmain.main()"}
	if got := ErrorStack(traced); got != traced.stack {
		t.Fatalf("traced error: got %q, want captured stack", got)
	}

	// The stack survives error wrapping.
	wrapped := fmt.Errorf("handler: %w", traced)
	if got := ErrorStack(wrapped); got != traced.stack {
		t.Fatalf("wrapped error: got %q, want captured stack", got)
	}
}
