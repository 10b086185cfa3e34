package job

import (
	"errors"
	"fmt"
)

// stackTracer is implemented by errors that carry a captured stack, such
// as recovered handler panics.
type stackTracer interface {
	StackTrace() string
}

// ErrorStack renders the failure detail recorded on a job alongside
// FailedReason. Errors carrying a captured stack yield it; other errors
// expand to their %+v rendering.
func ErrorStack(err error) string {
	var st stackTracer
	if errors.As(err, &st) {
		return st.StackTrace()
	}
	return fmt.Sprintf("%+v", err)
}
