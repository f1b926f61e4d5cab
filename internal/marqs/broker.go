package marqs

import (
	"context"
	"fmt"
	"time"

	redisstore "github.com/triggerdotdev/marqs/internal/storage/redis"
)

// DefaultVisibilityTimeoutMs is used by Dequeue when Options doesn't
// override it; it is also then the furthest past now that Heartbeat can
// push a deadline.
const DefaultVisibilityTimeoutMs = 300_000

// Options configures a Broker's default concurrency ceilings. Per-queue,
// per-env, and per-org limits stored in Redis (via UpdateQueueConcurrencyLimit /
// UpdateGlobalConcurrencyLimits) override these when present.
type Options struct {
	DefaultQueueConcurrency int
	DefaultEnvConcurrency   int
	DefaultOrgConcurrency   int
	VisibilityTimeoutMs     int64
	KeyProducer             KeyProducer

	// EnvPriorityStrategy governs DequeueFromEnv; SharedPriorityStrategy
	// governs DequeueFromShared. They default to independent instances —
	// each path's rolling cursor is meaningless shared with the other's.
	EnvPriorityStrategy    PriorityStrategy
	SharedPriorityStrategy PriorityStrategy
}

// Broker is MarQS's public surface: the orchestration of KeyProducer,
// Scripts, and PriorityStrategy behind Enqueue/Dequeue/Ack/Nack/Heartbeat.
type Broker struct {
	db             *redisstore.DB
	keys           KeyProducer
	envPriority    PriorityStrategy
	sharedPriority PriorityStrategy
	tracer         *tracerAdapter

	defaultQueueConcurrency int
	defaultEnvConcurrency   int
	defaultOrgConcurrency   int
	visibilityTimeoutMs     int64
}

// NewBroker wires a Broker against an already-open store.
func NewBroker(db *redisstore.DB, opts Options) *Broker {
	kp := opts.KeyProducer
	if kp == nil {
		kp = DefaultKeyProducer{}
	}
	envPS := opts.EnvPriorityStrategy
	if envPS == nil {
		envPS = NewSimpleWeightedChoiceStrategy()
	}
	sharedPS := opts.SharedPriorityStrategy
	if sharedPS == nil {
		sharedPS = NewSimpleWeightedChoiceStrategy()
	}
	vt := opts.VisibilityTimeoutMs
	if vt <= 0 {
		vt = DefaultVisibilityTimeoutMs
	}
	return &Broker{
		db:                      db,
		keys:                    kp,
		envPriority:             envPS,
		sharedPriority:          sharedPS,
		tracer:                  newTracerAdapter(),
		defaultQueueConcurrency: orDefaultInt(opts.DefaultQueueConcurrency, 10),
		defaultEnvConcurrency:   orDefaultInt(opts.DefaultEnvConcurrency, 100),
		defaultOrgConcurrency:   orDefaultInt(opts.DefaultOrgConcurrency, 1000),
		visibilityTimeoutMs:     vt,
	}
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (b *Broker) k(key string) string { return b.db.KeyPrefix() + key }

// EnqueueInput describes a message to enqueue.
type EnqueueInput struct {
	Env            string
	Org            string
	Queue          string
	ConcurrencyKey string
	MessageID      string
	Data           []byte
	Timestamp      int64
	TraceContext   map[string]string
}

// Enqueue writes a message body and indexes it in its env-scoped queue and
// the global queue-of-queues.
func (b *Broker) Enqueue(ctx context.Context, in EnqueueInput) error {
	ctx, span := b.tracer.startSpan(ctx, "enqueue", in.Env, in.Queue, in.ConcurrencyKey, in.MessageID)
	defer span.end()
	span.setParentQueue(b.keys.EnvSharedQueueKey(in.Env))

	envelope := MessageEnvelope{
		MessageID:      in.MessageID,
		Env:            in.Env,
		Org:            in.Org,
		Queue:          in.Queue,
		ParentQueue:    b.keys.EnvSharedQueueKey(in.Env),
		ConcurrencyKey: in.ConcurrencyKey,
		Timestamp:      in.Timestamp,
		Data:           in.Data,
		TraceContext:   in.TraceContext,
	}
	if envelope.TraceContext == nil {
		envelope.TraceContext = InjectTraceContext(ctx)
	}

	body, err := EncodeMessage(envelope)
	if err != nil {
		return span.fail(err)
	}

	childKey := b.k(b.keys.QueueKey(in.Env, in.Queue, in.ConcurrencyKey))
	parentKey := b.k(b.keys.EnvSharedQueueKey(in.Env))
	messageKey := b.k(b.keys.MessageKey(in.MessageID))

	start := time.Now()
	err = enqueueScript.Run(ctx, b.db.Client(),
		[]string{childKey, parentKey, messageKey},
		childKey, in.MessageID, body, in.Timestamp,
	).Err()
	b.db.Observe("enqueue", start, err)
	if err != nil {
		return span.fail(fmt.Errorf("marqs: enqueue %s: %w", in.MessageID, err))
	}

	// Also index into the global shared queue so org-wide dequeues can find
	// this env's queue without knowing it ahead of time.
	globalParentKey := b.k(b.keys.SharedQueueKey())
	start = time.Now()
	err = enqueueScript.Run(ctx, b.db.Client(),
		[]string{childKey, globalParentKey, messageKey},
		childKey, in.MessageID, body, in.Timestamp,
	).Err()
	b.db.Observe("enqueue_global", start, err)
	if err != nil {
		return span.fail(fmt.Errorf("marqs: enqueue (global) %s: %w", in.MessageID, err))
	}

	return nil
}

// DequeueResult is returned by DequeueFromEnv/DequeueFromShared on success.
type DequeueResult struct {
	Message       MessageEnvelope
	OriginalScore int64
}

// DequeueFromEnv selects among the queues belonging to env and dequeues
// from the winner, or returns ok=false if no queue currently has due
// work within its concurrency ceilings.
func (b *Broker) DequeueFromEnv(ctx context.Context, env, org string) (DequeueResult, bool, error) {
	parentKey := b.keys.EnvSharedQueueKey(env)
	return b.dequeue(ctx, env, org, parentKey, b.envPriority)
}

// DequeueFromShared selects among every env's queues via the global
// queue-of-queues. org scopes the org concurrency ceiling the caller is
// operating under; tenant resolution for a fully cross-org scan is an
// out-of-scope concern left to the caller (see DESIGN.md).
func (b *Broker) DequeueFromShared(ctx context.Context, org string) (DequeueResult, bool, error) {
	parentKey := b.keys.SharedQueueKey()
	return b.dequeue(ctx, "", org, parentKey, b.sharedPriority)
}

func (b *Broker) dequeue(ctx context.Context, env, org, parentKey string, priority PriorityStrategy) (DequeueResult, bool, error) {
	ctx, span := b.tracer.startSpan(ctx, "dequeue", env, "", "", "")
	defer span.end()
	span.setParentQueue(parentKey)

	fullParentKey := b.k(parentKey)
	selection := priority.NextCandidateSelection(parentKey)
	span.setCandidateRange(selection)

	raw, err := b.db.Client().ZRangeWithScores(ctx, fullParentKey, selection.Lo, selection.Hi).Result()
	if err != nil {
		return DequeueResult{}, false, span.fail(fmt.Errorf("marqs: list candidates: %w", err))
	}
	if len(raw) == 0 {
		span.idle()
		return DequeueResult{}, false, nil
	}

	candidates := make([]QueueWithScore, 0, len(raw))
	for _, z := range raw {
		member, _ := z.Member.(string)
		candidates = append(candidates, QueueWithScore{Queue: member, Score: int64(z.Score)})
	}
	span.setQueueCandidates(candidates)

	chosen, ok := priority.ChooseQueue(candidates, parentKey, selection.SelectionID, b.capacityLookup(ctx, env, org))
	if !ok {
		span.idle()
		return DequeueResult{}, false, nil
	}
	span.setQueueChoice(chosen)

	childEnv, queueName, concurrencyKey, _ := b.keys.QueueFromChildKey(stripPrefix(chosen, b.db.KeyPrefix()))
	if childEnv == "" {
		childEnv = env
	}

	queueLimitKey := b.k(b.keys.ConcurrencyLimitKey(childEnv, queueName))
	envLimitKey := b.k(b.keys.EnvConcurrencyLimitKey(childEnv))
	orgLimitKey := b.k(b.keys.OrgConcurrencyLimitKey(org))
	queueCurKey := b.k(b.keys.CurrentConcurrencyKey(childEnv, queueName, concurrencyKey))
	envCurKey := b.k(b.keys.EnvCurrentConcurrencyKey(childEnv))
	orgCurKey := b.k(b.keys.OrgCurrentConcurrencyKey(org))
	visibilityKey := b.k(b.keys.VisibilityQueueKey())

	// The chosen queue lives in both its env-scoped parent and the global
	// sharedQueue parent (Enqueue writes both), so whichever parent this
	// call selected from, the script must rebalance both.
	envParentKey := b.k(b.keys.EnvSharedQueueKey(childEnv))
	globalParentKey := b.k(b.keys.SharedQueueKey())

	start := time.Now()
	res, err := dequeueScript.Run(ctx, b.db.Client(),
		[]string{chosen, envParentKey, globalParentKey, visibilityKey, queueLimitKey, envLimitKey, orgLimitKey, queueCurKey, envCurKey, orgCurKey},
		chosen, b.visibilityTimeoutMs, nowMs(),
		b.defaultQueueConcurrency, b.defaultEnvConcurrency, b.defaultOrgConcurrency,
	).Result()
	b.db.Observe("dequeue", start, err)
	if err != nil {
		return DequeueResult{}, false, span.fail(fmt.Errorf("marqs: dequeue %s: %w", chosen, err))
	}

	rows, ok := res.([]interface{})
	if !ok || len(rows) == 0 {
		span.idle()
		return DequeueResult{}, false, nil
	}

	messageID, _ := rows[0].(string)
	originalScore := toInt64(rows[1])

	body, err := b.db.Client().Get(ctx, b.k(b.keys.MessageKey(messageID))).Bytes()
	if err != nil {
		return DequeueResult{}, false, span.fail(fmt.Errorf("marqs: load message %s: %w", messageID, err))
	}
	envelope, err := DecodeMessage(body)
	if err != nil {
		return DequeueResult{}, false, span.fail(err)
	}

	span.setMessageID(messageID)
	return DequeueResult{Message: envelope, OriginalScore: originalScore}, true, nil
}

// capacityLookup builds a CapacityLookup bound to ctx, org, and a fallback
// env (used for candidates drawn from the global shared queue, whose
// members don't carry their own env in the member string). It is
// deliberately synchronous per candidate: the candidate window is capped
// at QueueSelectionCount (12 by default), so the extra round trips stay
// small next to the win of only ever considering queues with headroom.
func (b *Broker) capacityLookup(ctx context.Context, fallbackEnv, org string) CapacityLookup {
	return func(childKey string) (int64, bool) {
		raw := stripPrefix(childKey, b.db.KeyPrefix())
		env, queue, concurrencyKey, ok := b.keys.QueueFromChildKey(raw)
		if !ok {
			return 0, false
		}
		if env == "" {
			env = fallbackEnv
		}
		caps, err := b.ComputeCapacities(ctx, env, org, queue, concurrencyKey)
		if err != nil {
			return 0, false
		}
		return caps.Available(), true
	}
}

// LoadMessage reads a message's raw stored body by id, without any of the
// lifecycle side effects of dequeue. Used by callers (the CLI) that
// already know a messageId and need its envelope to drive Ack/Nack/Replace.
func (b *Broker) LoadMessage(ctx context.Context, messageID string) ([]byte, error) {
	body, err := b.db.Client().Get(ctx, b.k(b.keys.MessageKey(messageID))).Bytes()
	if err != nil {
		return nil, fmt.Errorf("marqs: load message %s: %w", messageID, err)
	}
	return body, nil
}

// Ack permanently removes a delivered message.
func (b *Broker) Ack(ctx context.Context, env, org string, m MessageEnvelope) error {
	ctx, span := b.tracer.startSpan(ctx, "ack", env, m.Queue, m.ConcurrencyKey, m.MessageID)
	defer span.end()

	messageKey := b.k(b.keys.MessageKey(m.MessageID))
	visibilityKey := b.k(b.keys.VisibilityQueueKey())
	queueCurKey := b.k(b.keys.CurrentConcurrencyKey(env, m.Queue, m.ConcurrencyKey))
	envCurKey := b.k(b.keys.EnvCurrentConcurrencyKey(env))
	orgCurKey := b.k(b.keys.OrgCurrentConcurrencyKey(org))
	globalCurKey := b.k(b.keys.OrgCurrentConcurrencyKey("global"))

	start := time.Now()
	err := ackScript.Run(ctx, b.db.Client(),
		[]string{messageKey, visibilityKey, queueCurKey, envCurKey, orgCurKey, globalCurKey},
		m.MessageID,
	).Err()
	b.db.Observe("ack", start, err)
	if err != nil {
		return span.fail(fmt.Errorf("marqs: ack %s: %w", m.MessageID, err))
	}
	return nil
}

// Nack returns an in-flight message to its queue with a new score
// (typically now, for immediate redelivery, or a backoff time).
func (b *Broker) Nack(ctx context.Context, env, org string, m MessageEnvelope, newScoreMs int64) error {
	ctx, span := b.tracer.startSpan(ctx, "nack", env, m.Queue, m.ConcurrencyKey, m.MessageID)
	defer span.end()

	childKey := b.k(b.keys.QueueKey(env, m.Queue, m.ConcurrencyKey))
	// m.ParentQueue is always the env-scoped parent set at enqueue time, but
	// the same message also lives in the global sharedQueue parent, so both
	// must be passed in for the script to rebalance both.
	envParentKey := b.k(m.ParentQueue)
	globalParentKey := b.k(b.keys.SharedQueueKey())
	messageKey := b.k(b.keys.MessageKey(m.MessageID))
	queueCurKey := b.k(b.keys.CurrentConcurrencyKey(env, m.Queue, m.ConcurrencyKey))
	envCurKey := b.k(b.keys.EnvCurrentConcurrencyKey(env))
	orgCurKey := b.k(b.keys.OrgCurrentConcurrencyKey(org))
	visibilityKey := b.k(b.keys.VisibilityQueueKey())

	start := time.Now()
	err := nackScript.Run(ctx, b.db.Client(),
		[]string{messageKey, childKey, envParentKey, globalParentKey, queueCurKey, envCurKey, orgCurKey, visibilityKey},
		childKey, m.MessageID, nowMs(), newScoreMs,
	).Err()
	b.db.Observe("nack", start, err)
	if err != nil {
		return span.fail(fmt.Errorf("marqs: nack %s: %w", m.MessageID, err))
	}
	return nil
}

// DefaultHeartbeatSeconds is the extension Heartbeat applies when the
// caller doesn't specify one.
const DefaultHeartbeatSeconds = 30

// Heartbeat extends a message's visibility deadline by seconds (30 if
// seconds <= 0), clamped to nowMs()+the broker's configured visibility
// timeout. The clamp is relative to the current call, so one call never
// pushes a deadline more than one visibility timeout past now, but
// repeated calls can keep a lease alive indefinitely.
func (b *Broker) Heartbeat(ctx context.Context, messageID string, seconds int) (int64, error) {
	ctx, span := b.tracer.startSpan(ctx, "heartbeat", "", "", "", messageID)
	defer span.end()

	if seconds <= 0 {
		seconds = DefaultHeartbeatSeconds
	}
	extensionMs := int64(seconds) * 1000
	maxDeadlineMs := nowMs() + b.visibilityTimeoutMs

	visibilityKey := b.k(b.keys.VisibilityQueueKey())
	start := time.Now()
	res, err := heartbeatScript.Run(ctx, b.db.Client(),
		[]string{visibilityKey}, messageID, extensionMs, maxDeadlineMs,
	).Result()
	b.db.Observe("heartbeat", start, err)
	if err != nil {
		return 0, span.fail(fmt.Errorf("marqs: heartbeat %s: %w", messageID, err))
	}
	return toInt64(res), nil
}

// Replace atomically-ish updates a message's body and re-evaluates its
// due time while preserving its identity: it acks the current delivery
// then re-enqueues the same id into the same queue. It is not fused into
// a single script — an ack and an enqueue each are atomic, but the pair
// is not: between them the message exists nowhere, so a concurrent dequeue
// doesn't see it, and if the enqueue step fails (or the process dies) after
// the ack, the message is gone.
func (b *Broker) Replace(ctx context.Context, env, org string, m MessageEnvelope, data []byte, timestamp int64) error {
	ctx, span := b.tracer.startSpan(ctx, "replace", env, m.Queue, m.ConcurrencyKey, m.MessageID)
	defer span.end()

	if timestamp <= 0 {
		timestamp = nowMs()
	}

	if err := b.Ack(ctx, env, org, m); err != nil {
		return span.fail(fmt.Errorf("marqs: replace %s: ack: %w", m.MessageID, err))
	}

	err := b.Enqueue(ctx, EnqueueInput{
		Env: env, Org: org, Queue: m.Queue, ConcurrencyKey: m.ConcurrencyKey,
		MessageID: m.MessageID, Data: data, Timestamp: timestamp, TraceContext: m.TraceContext,
	})
	if err != nil {
		return span.fail(fmt.Errorf("marqs: replace %s: enqueue: %w", m.MessageID, err))
	}
	return nil
}

// Capacities reports current/limit pairs for all three concurrency
// ceilings bearing on (env, org, queue).
type Capacities struct {
	QueueCurrent, QueueLimit int
	EnvCurrent, EnvLimit     int
	OrgCurrent, OrgLimit     int
}

// Available is the headroom left across all three nested ceilings: the
// most a candidate queue could take on right now without exceeding any of
// queue, env, or org concurrency. Zero or negative means saturated.
func (c Capacities) Available() int64 {
	queueAvail := int64(c.QueueLimit - c.QueueCurrent)
	envAvail := int64(c.EnvLimit - c.EnvCurrent)
	orgAvail := int64(c.OrgLimit - c.OrgCurrent)
	avail := queueAvail
	if envAvail < avail {
		avail = envAvail
	}
	if orgAvail < avail {
		avail = orgAvail
	}
	return avail
}

// ComputeCapacities reads current usage and limits without mutating
// anything.
func (b *Broker) ComputeCapacities(ctx context.Context, env, org, queue, concurrencyKey string) (Capacities, error) {
	queueCurKey := b.k(b.keys.CurrentConcurrencyKey(env, queue, concurrencyKey))
	envCurKey := b.k(b.keys.EnvCurrentConcurrencyKey(env))
	orgCurKey := b.k(b.keys.OrgCurrentConcurrencyKey(org))
	queueLimitKey := b.k(b.keys.ConcurrencyLimitKey(env, queue))
	envLimitKey := b.k(b.keys.EnvConcurrencyLimitKey(env))
	orgLimitKey := b.k(b.keys.OrgConcurrencyLimitKey(org))

	start := time.Now()
	res, err := computeCapacitiesScript.Run(ctx, b.db.Client(),
		[]string{queueCurKey, envCurKey, orgCurKey, queueLimitKey, envLimitKey, orgLimitKey},
		b.defaultQueueConcurrency, b.defaultEnvConcurrency, b.defaultOrgConcurrency,
	).Result()
	b.db.Observe("compute_capacities", start, err)
	if err != nil {
		return Capacities{}, fmt.Errorf("marqs: compute capacities: %w", err)
	}
	rows, ok := res.([]interface{})
	if !ok || len(rows) != 6 {
		return Capacities{}, fmt.Errorf("marqs: unexpected capacities result %v", res)
	}
	return Capacities{
		QueueCurrent: int(toInt64(rows[0])), QueueLimit: int(toInt64(rows[1])),
		EnvCurrent: int(toInt64(rows[2])), EnvLimit: int(toInt64(rows[3])),
		OrgCurrent: int(toInt64(rows[4])), OrgLimit: int(toInt64(rows[5])),
	}, nil
}

// UpdateQueueConcurrencyLimit sets the per-queue concurrency ceiling.
func (b *Broker) UpdateQueueConcurrencyLimit(ctx context.Context, env, queue string, limit int) error {
	return b.db.Client().Set(ctx, b.k(b.keys.ConcurrencyLimitKey(env, queue)), limit, 0).Err()
}

// UpdateGlobalConcurrencyLimits sets both the env and org concurrency
// ceilings in one pipeline. This is deliberately a plain pair of SETs, not
// a Lua script: the two limits aren't read back together anywhere that
// would need them to change atomically with respect to each other.
func (b *Broker) UpdateGlobalConcurrencyLimits(ctx context.Context, env, org string, envLimit, orgLimit int) error {
	pipe := b.db.Client().Pipeline()
	pipe.Set(ctx, b.k(b.keys.EnvConcurrencyLimitKey(env)), envLimit, 0)
	pipe.Set(ctx, b.k(b.keys.OrgConcurrencyLimitKey(org)), orgLimit, 0)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("marqs: update global limits: %w", err)
	}
	return nil
}

func stripPrefix(key, prefix string) string {
	if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		var out int64
		for _, c := range n {
			if c < '0' || c > '9' {
				return 0
			}
			out = out*10 + int64(c-'0')
		}
		return out
	default:
		return 0
	}
}
