// Package moroq provides a backend-agnostic job queue core: a common
// adapter contract, an in-memory reference adapter, durable and brokered
// backend adapters, handler middleware, and per-queue metrics.
//
// Moroq is designed as a library, not a service. Construct an adapter (or
// open one through the backend registry), register a processor, and
// enqueue jobs as plain Go values.
//
// # Quick Start
//
//	a := memory.New(memory.WithLogger(logger))
//	if err := a.Initialize(ctx); err != nil { ... }
//
//	a.Process("email", 4, func(ctx context.Context, jc *job.Context) (any, error) {
//	    var p EmailPayload
//	    if err := jc.Bind(&p); err != nil {
//	        return nil, err
//	    }
//	    return nil, send(ctx, p)
//	})
//
//	adapter.Add(ctx, a, "email", EmailPayload{To: "a@b.c"}, job.WithAttempts(3))
//
// # Architecture
//
// Every backend (memory, Redis, Postgres, Mongo, Badger, AMQP, SQS, Kafka)
// implements the adapter.Adapter contract and registers a factory under a
// backend name. adapter.Open selects one at configuration time and
// adapter.Probe reports availability as a typed result.
package moroq
