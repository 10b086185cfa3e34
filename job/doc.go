// Package job defines the Job data model shared by all queue adapters.
//
// # Job Entity
//
// A [Job] represents a unit of work tracked through a lifecycle from
// waiting to completed or failed. It embeds [moroq.Entity] for creation
// and modification timestamps. Jobs are owned exclusively by the adapter
// that created them; adapters hand out copies, never shared references.
//
// # Lifecycle
//
//	waiting → delayed (delay > 0) → active → completed
//	                                      ↘ failed
//
// A failed execution with attempts remaining re-enters the delayed set
// with a backoff delay and is promoted back to waiting when eligible.
//
// # Handlers
//
// A [Handler] receives a [Context] — the live view of the job during
// execution, with Bind, UpdateProgress, and Log. A non-nil handler result
// is JSON-marshalled into Job.Result.
package job
