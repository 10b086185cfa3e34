package moroq

import "errors"

var (
	// Lifecycle errors.
	ErrNotInitialized     = errors.New("moroq: adapter not initialized")
	ErrAdapterUnavailable = errors.New("moroq: adapter backend unavailable")

	// Not found errors.
	ErrJobNotFound   = errors.New("moroq: job not found")
	ErrQueueNotFound = errors.New("moroq: queue not found")

	// Registration errors.
	ErrProcessorExists = errors.New("moroq: processor already registered for queue")
	ErrUnknownBackend  = errors.New("moroq: unknown backend")

	// Dispatch errors.
	ErrRateLimited = errors.New("moroq: rate limit exceeded")
	ErrUnsupported = errors.New("moroq: operation not supported by backend")
)
