// Package marqs implements the Multitenant Asynchronous Reliable Queueing
// System: a fair-share, concurrency-bounded message broker built on a
// Redis sorted-set store.
//
// # Overview
//
// MarQS dispatches background task executions across many tenants with
// at-least-once delivery and a visibility-timeout redelivery model. Three
// nested concurrency limits — per-queue, per-environment, per-organization —
// bound how much work is in flight at once, and a weighted, age-aware
// priority strategy picks which of a very large population of queues to
// service next.
//
// The package is organized around the pieces described by the design:
//
//   - KeyProducer (keys.go) — pure mapping from logical identifiers to the
//     Redis key strings used by every other piece.
//   - PriorityStrategy (priority.go) — candidate selection and weighted
//     choice among child queues of a parent "queue of queues".
//   - Scripts (scripts.go) — the Lua scripts that give enqueue, dequeue,
//     ack, nack, heartbeat, and capacity computation their atomicity.
//   - Broker (broker.go) — the public operations that orchestrate key
//     building, script invocation, and tracing.
//   - Requeuer (requeuer.go) — background workers that redeliver messages
//     whose visibility lease expired.
//
// # Keyspace
//
//	message:{messageId}                    - message body (JSON)
//	queue:{env}:{queue}[:ck:{ck}]           - child queue (ZSET, score=enqueue ms)
//	env:{env}:sharedQueue                   - per-environment parent (ZSET)
//	sharedQueue                             - global parent (ZSET)
//	msgVisibilityTimeout                    - visibility-timeout ZSET (score=deadline ms)
//	cc:{env}:{queue}[:ck:{ck}]              - queue current-concurrency (SET)
//	ecc:{env}                               - env current-concurrency (SET)
//	occ:{org}                               - org current-concurrency (SET)
//	cl:{env}:{queue}                        - queue concurrency limit (STRING int, shared by all :ck: subqueues)
//	el:{env}                                - env concurrency limit (STRING int)
//	ol:{org}                                - org concurrency limit (STRING int)
//
// # Message lifecycle
//
//	Queued  -> (dequeue)        -> InFlight
//	InFlight -> (ack)           -> Deleted
//	InFlight -> (nack/requeuer) -> Queued (possibly with a future score)
//	InFlight -> (heartbeat)     -> InFlight (deadline extended)
//
// # At-least-once semantics
//
// A message redelivers whenever its visibility deadline passes before an
// ack arrives. Consumers must be idempotent, or deduplicate, since the same
// messageId can be dequeued more than once.
package marqs
