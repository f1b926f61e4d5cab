package marqs

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	redisstore "github.com/triggerdotdev/marqs/internal/storage/redis"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	db := redisstore.OpenFromClient(client, "marqs-test:")
	broker := NewBroker(db, Options{
		DefaultQueueConcurrency: 10,
		DefaultEnvConcurrency:   10,
		DefaultOrgConcurrency:   10,
		VisibilityTimeoutMs:     5000,
	})
	return broker, mr
}

func enqueueOne(t *testing.T, b *Broker, env, org, queue, messageID string, ts int64) {
	t.Helper()
	err := b.Enqueue(context.Background(), EnqueueInput{
		Env: env, Org: org, Queue: queue, MessageID: messageID,
		Data: []byte(`{"hello":"world"}`), Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestEnqueueDequeueAckRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	enqueueOne(t, b, "env1", "org1", "my-queue", "msg-1", 1000)

	result, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !ok {
		t.Fatal("expected a message")
	}
	if result.Message.MessageID != "msg-1" {
		t.Fatalf("got message %q", result.Message.MessageID)
	}

	// A second dequeue from the same (now-empty) queue finds nothing.
	_, ok, err = b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ok {
		t.Fatal("expected no message after the only one was dequeued")
	}

	if err := b.Ack(ctx, "env1", "org1", result.Message); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestDequeueFromEmptyReturnsNotOk(t *testing.T) {
	b, _ := newTestBroker(t)
	_, ok, err := b.DequeueFromEnv(context.Background(), "env1", "org1")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false on an empty parent queue")
	}
}

func TestNackReturnsMessageForRedelivery(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	enqueueOne(t, b, "env1", "org1", "my-queue", "msg-1", 1000)
	result, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	if err := b.Nack(ctx, "env1", "org1", result.Message, 500); err != nil {
		t.Fatalf("nack: %v", err)
	}

	redelivered, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil {
		t.Fatalf("dequeue after nack: %v", err)
	}
	if !ok {
		t.Fatal("expected the nacked message to be available again")
	}
	if redelivered.Message.MessageID != "msg-1" {
		t.Fatalf("got %q", redelivered.Message.MessageID)
	}
}

func TestNackAfterAckIsNoop(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	enqueueOne(t, b, "env1", "org1", "my-queue", "msg-1", 1000)
	result, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if err := b.Ack(ctx, "env1", "org1", result.Message); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// The message lost the visibility entry when it was acked; nacking it
	// now must not resurrect it.
	if err := b.Nack(ctx, "env1", "org1", result.Message, 500); err != nil {
		t.Fatalf("nack after ack: %v", err)
	}

	_, ok, err = b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ok {
		t.Fatal("acked-then-nacked message should not be redelivered")
	}
}

func TestQueueConcurrencyLimitBlocksDequeue(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if err := b.UpdateQueueConcurrencyLimit(ctx, "env1", "my-queue", 1); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	enqueueOne(t, b, "env1", "org1", "my-queue", "msg-1", 1000)
	enqueueOne(t, b, "env1", "org1", "my-queue", "msg-2", 1001)

	_, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil || !ok {
		t.Fatalf("first dequeue: ok=%v err=%v", ok, err)
	}

	// The queue's single concurrency slot is taken; a second dequeue must
	// not exceed the limit even though msg-2 is still due.
	_, ok, err = b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if ok {
		t.Fatal("expected the queue concurrency limit to block a second dequeue")
	}
}

func TestOrgConcurrencyLimitBlocksAcrossQueues(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if err := b.UpdateGlobalConcurrencyLimits(ctx, "env1", "org1", 100, 1); err != nil {
		t.Fatalf("set limits: %v", err)
	}

	enqueueOne(t, b, "env1", "org1", "queue-a", "msg-1", 1000)
	enqueueOne(t, b, "env1", "org1", "queue-b", "msg-2", 1001)

	_, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil || !ok {
		t.Fatalf("first dequeue: ok=%v err=%v", ok, err)
	}

	_, ok, err = b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if ok {
		t.Fatal("expected the org concurrency limit to block dequeue from a different queue")
	}
}

func TestHeartbeatExtendsDeadlineClampedToMax(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	enqueueOne(t, b, "env1", "org1", "my-queue", "msg-1", 1000)
	_, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	// The broker's visibility timeout is 5000ms; a 30-minute extension must
	// clamp down to nowMs()+visibilityTimeoutMs rather than being honored
	// outright.
	before := nowMs()
	newDeadline, err := b.Heartbeat(ctx, "msg-1", 1800)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	maxExpected := before + b.visibilityTimeoutMs
	if newDeadline > maxExpected || newDeadline < before {
		t.Fatalf("expected heartbeat to clamp near now+visibilityTimeout (%d), got %d", maxExpected, newDeadline)
	}
}

func TestHeartbeatOnUnknownMessageReturnsNegativeOne(t *testing.T) {
	b, _ := newTestBroker(t)
	newDeadline, err := b.Heartbeat(context.Background(), "no-such-message", 30)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if newDeadline != -1 {
		t.Fatalf("expected -1 for a message with no lease, got %d", newDeadline)
	}
}

func TestComputeCapacitiesReportsDefaultsWhenUnset(t *testing.T) {
	b, _ := newTestBroker(t)
	caps, err := b.ComputeCapacities(context.Background(), "env1", "org1", "my-queue", "")
	if err != nil {
		t.Fatalf("compute capacities: %v", err)
	}
	if caps.QueueLimit != 10 || caps.EnvLimit != 10 || caps.OrgLimit != 10 {
		t.Fatalf("expected default limits of 10, got %+v", caps)
	}
	if caps.QueueCurrent != 0 || caps.EnvCurrent != 0 || caps.OrgCurrent != 0 {
		t.Fatalf("expected zero current usage, got %+v", caps)
	}
}

func TestDequeueDrainsEachQueueOnceAcrossQueues(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	enqueueOne(t, b, "env1", "org1", "queue-new", "new-msg", 5000)
	enqueueOne(t, b, "env1", "org1", "queue-old", "old-msg", 1000)

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		result, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
		if err != nil || !ok {
			t.Fatalf("dequeue %d: ok=%v err=%v", i, ok, err)
		}
		seen[result.Message.MessageID]++
	}
	if seen["old-msg"] != 1 || seen["new-msg"] != 1 {
		t.Fatalf("expected both messages dequeued exactly once, got %v", seen)
	}
}

func TestNackWithBackoffDelaysRedelivery(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	original := nowMsFn
	current := int64(10_000)
	nowMsFn = func() int64 { return current }
	defer func() { nowMsFn = original }()

	enqueueOne(t, b, "env1", "org1", "my-queue", "msg-1", current)
	result, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	retryAt := current + 1000
	if err := b.Nack(ctx, "env1", "org1", result.Message, retryAt); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// Not due yet.
	_, ok, err = b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil {
		t.Fatalf("dequeue before backoff elapses: %v", err)
	}
	if ok {
		t.Fatal("expected the backed-off message to stay hidden until its retry time")
	}

	current = retryAt
	redelivered, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil {
		t.Fatalf("dequeue after backoff elapses: %v", err)
	}
	if !ok || redelivered.Message.MessageID != "msg-1" {
		t.Fatalf("expected msg-1 once its retry time arrives, got ok=%v msg=%+v", ok, redelivered.Message)
	}
}

func TestHeartbeatKeepsLeaseAliveAcrossRepeatedCalls(t *testing.T) {
	b, _ := newTestBroker(t)
	b.visibilityTimeoutMs = 50
	ctx := context.Background()

	enqueueOne(t, b, "env1", "org1", "my-queue", "msg-1", nowMs())
	_, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	for i := 0; i < 3; i++ {
		if _, err := b.Heartbeat(ctx, "msg-1", 1); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}

	requeuer := NewRequeuer(b, 1, testLogger())
	if err := requeuer.reclaimExpired(ctx); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if _, ok, _ := b.DequeueFromEnv(ctx, "env1", "org1"); ok {
		t.Fatal("a message under active heartbeat must not be reclaimed as expired")
	}
}

func TestReplacePreservesMessageIdentity(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	enqueueOne(t, b, "env1", "org1", "my-queue", "msg-1", 1000)
	result, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	if err := b.Replace(ctx, "env1", "org1", result.Message, []byte(`{"v":2}`), 2000); err != nil {
		t.Fatalf("replace: %v", err)
	}

	redelivered, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil {
		t.Fatalf("dequeue after replace: %v", err)
	}
	if !ok {
		t.Fatal("expected the replaced message to still be dequeueable")
	}
	if redelivered.Message.MessageID != "msg-1" {
		t.Fatalf("expected the same message id, got %q", redelivered.Message.MessageID)
	}
	if string(redelivered.Message.Data) != `{"v":2}` {
		t.Fatalf("expected the replaced body, got %s", redelivered.Message.Data)
	}
}

func TestConcurrencyKeyedSubqueuesShareOneLimit(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if err := b.UpdateQueueConcurrencyLimit(ctx, "env1", "my-queue", 1); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	err := b.Enqueue(ctx, EnqueueInput{
		Env: "env1", Org: "org1", Queue: "my-queue", ConcurrencyKey: "tenant-a",
		MessageID: "msg-1", Data: []byte("{}"), Timestamp: 1000,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	err = b.Enqueue(ctx, EnqueueInput{
		Env: "env1", Org: "org1", Queue: "my-queue", ConcurrencyKey: "tenant-b",
		MessageID: "msg-2", Data: []byte("{}"), Timestamp: 1001,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil || !ok {
		t.Fatalf("first dequeue: ok=%v err=%v", ok, err)
	}

	_, ok, err = b.DequeueFromEnv(ctx, "env1", "org1")
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if ok {
		t.Fatal("expected the shared queue concurrency limit to block the second concurrency-keyed subqueue too")
	}
}

// assertParentRebalanced checks invariant P3 for one parent ZSET: the
// member for childKey is absent if the child is empty, or present with a
// score equal to the child's current minimum score otherwise.
func assertParentRebalanced(t *testing.T, b *Broker, parentKey, childKey string) {
	t.Helper()
	ctx := context.Background()

	childHead, err := b.db.Client().ZRangeWithScores(ctx, childKey, 0, 0).Result()
	if err != nil {
		t.Fatalf("read child head: %v", err)
	}

	score, err := b.db.Client().ZScore(ctx, parentKey, childKey).Result()
	if err == redis.Nil {
		if len(childHead) != 0 {
			t.Fatalf("parent %s is missing non-empty child %s", parentKey, childKey)
		}
		return
	}
	if err != nil {
		t.Fatalf("read parent score: %v", err)
	}
	if len(childHead) == 0 {
		t.Fatalf("parent %s still has a score for emptied child %s", parentKey, childKey)
	}
	if int64(score) != int64(childHead[0].Score) {
		t.Fatalf("parent score %v does not match child's min score %v", score, childHead[0].Score)
	}
}

// TestDequeueRebalancesBothParents exercises invariant P3 (the parent's
// score tracks its children's minimum, and an emptied child disappears
// from the parent) across both the env-scoped parent and the global
// sharedQueue parent — every message lives in both, and a dequeue or
// nack issued against either one must rebalance both, not just the one
// it was selected through.
func TestDequeueRebalancesBothParents(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	childKey := b.k(b.keys.QueueKey("env1", "my-queue", ""))
	envParentKey := b.k(b.keys.EnvSharedQueueKey("env1"))
	globalParentKey := b.k(b.keys.SharedQueueKey())

	enqueueOne(t, b, "env1", "org1", "my-queue", "msg-1", 1000)
	enqueueOne(t, b, "env1", "org1", "my-queue", "msg-2", 2000)

	assertParentRebalanced(t, b, envParentKey, childKey)
	assertParentRebalanced(t, b, globalParentKey, childKey)

	// Dequeue via the global parent: both parents must still reflect the
	// child's new minimum score (msg-2's).
	result, ok, err := b.DequeueFromShared(ctx, "org1")
	if err != nil {
		t.Fatalf("dequeue from shared: %v", err)
	}
	if !ok || result.Message.MessageID != "msg-1" {
		t.Fatalf("expected msg-1 from shared dequeue, got ok=%v msg=%v", ok, result.Message.MessageID)
	}
	assertParentRebalanced(t, b, envParentKey, childKey)
	assertParentRebalanced(t, b, globalParentKey, childKey)

	// Nack it back in: both parents must reflect the restored min score.
	if err := b.Nack(ctx, "env1", "org1", result.Message, 500); err != nil {
		t.Fatalf("nack: %v", err)
	}
	assertParentRebalanced(t, b, envParentKey, childKey)
	assertParentRebalanced(t, b, globalParentKey, childKey)

	// Drain the queue via DequeueFromEnv and confirm both parents drop the
	// now-empty child entirely.
	for {
		_, ok, err := b.DequeueFromEnv(ctx, "env1", "org1")
		if err != nil {
			t.Fatalf("drain dequeue: %v", err)
		}
		if !ok {
			break
		}
	}
	assertParentRebalanced(t, b, envParentKey, childKey)
	assertParentRebalanced(t, b, globalParentKey, childKey)
}
