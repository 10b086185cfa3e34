// Package adapter defines the queue adapter contract and the backend
// registry.
//
// An [Adapter] is the uniform surface over a job backend: enqueue,
// process, inspect, and administer jobs regardless of whether they live
// in process memory, Redis, Postgres, Mongo, Badger, or flow through a
// broker (AMQP, SQS, Kafka).
//
// # Contract
//
// Every adapter obeys the same semantics:
//
//   - Initialize before use; every other method returns
//     moroq.ErrNotInitialized until it succeeds. Initialize is idempotent
//     and re-arms a closed adapter.
//   - GetJob on an absent ID returns (nil, nil) — absence is not an error.
//     RemoveJob is idempotent: removing an absent job is a no-op.
//     RetryJob on an absent job returns moroq.ErrJobNotFound.
//   - One processor per queue; a second Process call returns
//     moroq.ErrProcessorExists.
//   - Operations a backend cannot express return moroq.ErrUnsupported and
//     say so in the method docs.
//
// # Registry
//
// Backends self-register a [Factory] under a short name (in their
// package init, like database/sql drivers). Callers construct by name:
//
//	import _ "github.com/Moro-JS/moro-sub006/adapter/redis"
//
//	a, err := adapter.Open(ctx, "redis", cfg)
//
// [Probe] reports whether a backend is reachable without keeping the
// connection, for capability negotiation at startup.
package adapter
