package marqs

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/triggerdotdev/marqs/pkg/log"
)

// requeuerPollInterval is one second (shorter than the autoclaim scanner's
// 2s default tick): often enough that an expired lease is noticed within about a second, rare
// enough that polling never meaningfully competes with real traffic.
const requeuerPollInterval = 1000 * time.Millisecond

// requeuerBatchSize bounds how many expired leases one poll reclaims, so a
// pathological backlog can't make a single tick run unboundedly long; the
// next tick, one second later, picks up where this one left off.
const requeuerBatchSize = 10

// Requeuer runs a configurable number of background workers that scan the
// visibility ZSET for deadlines that have passed and nack those messages
// back into their home queue, mirroring the teacher's AutoClaimScanner.
type Requeuer struct {
	broker *Broker
	keys   KeyProducer
	logger log.Logger

	workers int
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewRequeuer builds a Requeuer with the given worker count (at least 1).
func NewRequeuer(broker *Broker, workers int, logger log.Logger) *Requeuer {
	if workers < 1 {
		workers = 1
	}
	return &Requeuer{broker: broker, keys: broker.keys, workers: workers, logger: logger.WithComponent("requeuer")}
}

// Start launches the worker goroutines. Stop must be called to join them.
func (r *Requeuer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.run(ctx, i)
	}
}

// Stop signals all workers to exit and waits for them to return.
func (r *Requeuer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Requeuer) run(ctx context.Context, workerID int) {
	defer r.wg.Done()
	ticker := time.NewTicker(requeuerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reclaimExpired(ctx); err != nil {
				r.logger.Error("reclaim expired leases failed", log.Err(err), log.Int("worker", workerID))
			}
		}
	}
}

// reclaimExpired finds messages whose visibility deadline has passed and
// nacks each back to its home queue at its original enqueue score, so a
// redelivered message doesn't lose its place to messages enqueued after it.
func (r *Requeuer) reclaimExpired(ctx context.Context) error {
	visibilityKey := r.broker.k(r.keys.VisibilityQueueKey())
	expired, err := r.broker.db.Client().ZRangeByScoreWithScores(ctx, visibilityKey, &redis.ZRangeBy{
		Min:   "0",
		Max:   itoaIndex64(nowMs()),
		Count: requeuerBatchSize,
	}).Result()
	if err != nil {
		return err
	}

	for _, z := range expired {
		messageID, _ := z.Member.(string)
		if err := r.reclaimOne(ctx, messageID); err != nil {
			r.logger.Warn("failed to reclaim message", log.Str("messageId", messageID), log.Err(err))
		}
	}
	return nil
}

func (r *Requeuer) reclaimOne(ctx context.Context, messageID string) error {
	visibilityKey := r.broker.k(r.keys.VisibilityQueueKey())

	body, err := r.broker.db.Client().Get(ctx, r.broker.k(r.keys.MessageKey(messageID))).Bytes()
	if err != nil {
		// Missing body: either the message was acked between the
		// ZRANGEBYSCORE read and here (its visibility entry is already
		// gone, so this is a harmless no-op) or the body is genuinely
		// lost. Either way the id must not linger in the visibility ZSET,
		// or every future poll re-selects it forever.
		return r.broker.db.Client().ZRem(ctx, visibilityKey, messageID).Err()
	}
	envelope, err := DecodeMessage(body)
	if err != nil {
		return r.broker.db.Client().ZRem(ctx, visibilityKey, messageID).Err()
	}

	return r.broker.Nack(ctx, envelope.Env, envelope.Org, envelope, envelope.Timestamp)
}

func itoaIndex64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
