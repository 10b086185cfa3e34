// Package memory implements the queue adapter contract in process
// memory. It is the reference adapter: every contract semantic —
// the waiting → delayed → active → {completed|failed} state machine,
// retry with backoff, priority dispatch with FIFO ties, pause/resume,
// repeatable jobs, clean and obliterate — is implemented here without
// external services.
//
// Jobs are owned by the adapter; every method hands out deep copies, so
// callers never race with the dispatcher.
//
// Use it directly for tests and single-process deployments:
//
//	a := memory.New()
//	_ = a.Initialize(ctx)
//	_ = a.Process("email", 4, handler)
//	j, _ := a.Add(ctx, "email", payload, job.WithAttempts(3))
//
// or through the registry under the name "memory".
package memory
