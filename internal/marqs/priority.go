package marqs

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// QueueWithScore pairs a child queue's key with its parent-ZSET score
// (the enqueue time, in ms, of its oldest member).
type QueueWithScore struct {
	Queue string
	Score int64
}

// CandidateSelection is the result of NextCandidateSelection: an index
// range into the parent ZSET (ascending score, so index 0 is the oldest
// head) plus an opaque selection id correlating this selection with the
// eventual ChooseQueue call.
type CandidateSelection struct {
	Lo, Hi      int64
	SelectionID string
}

// CapacityLookup reports how much headroom a candidate child queue has —
// min(queueLimit-queueCurrent, envLimit-envCurrent, orgLimit-orgCurrent) —
// or ok=false if the lookup itself failed. ChooseQueue excludes any
// candidate with available <= 0.
type CapacityLookup func(childKey string) (available int64, ok bool)

// PriorityStrategy chooses which queue a dequeue should service next out
// of a candidate window drawn from a parent "queue of queues".
type PriorityStrategy interface {
	// NextCandidateSelection returns the index range to read from
	// parentQueue (ascending score) and an id correlating that read with
	// the ChooseQueue call it feeds.
	NextCandidateSelection(parentQueue string) CandidateSelection

	// ChooseQueue picks one queue out of candidates, or returns ok=false
	// if every candidate is excluded by capacity or candidates is empty.
	ChooseQueue(candidates []QueueWithScore, parentQueue, selectionId string, capacities CapacityLookup) (queue string, ok bool)
}

// SimpleWeightedChoiceStrategy weighs each candidate by its available
// capacity and the age of its oldest message, so a queue that is both
// starved and has headroom wins most often, while a queue sitting at its
// concurrency ceiling never wins at all. A per-parentQueue cursor rotates
// the deterministic tie-break order across calls, which doubles as the
// selection id so no separate (parentQueue, selectionId) table is needed.
type SimpleWeightedChoiceStrategy struct {
	// QueueSelectionCount bounds how many of the parent's oldest-headed
	// children are considered per call.
	QueueSelectionCount int

	// AgeNormalizerMs controls how quickly age amplifies a queue's weight.
	// weight = available * (1 + ageMs/AgeNormalizerMs).
	AgeNormalizerMs int64

	// Rand is the source of randomness for the weighted draw. Tests set
	// this to a seeded source for determinism; production leaves it nil
	// and gets the time-seeded source NewSimpleWeightedChoiceStrategy
	// creates once and reuses across every call.
	Rand *rand.Rand

	mu      sync.Mutex
	cursors map[string]int64
}

var _ PriorityStrategy = (*SimpleWeightedChoiceStrategy)(nil)

// NewSimpleWeightedChoiceStrategy builds a strategy with the defaults
// described in the package design: 12 candidates per call, a one-minute
// age normalizer, and a single time-seeded random source shared across
// every ChooseQueue call — constructing a fresh rand.Rand per call would
// draw the same deterministic fraction of the weighted total every time.
func NewSimpleWeightedChoiceStrategy() *SimpleWeightedChoiceStrategy {
	return &SimpleWeightedChoiceStrategy{
		QueueSelectionCount: 12,
		AgeNormalizerMs:     60_000,
		Rand:                rand.New(rand.NewSource(time.Now().UnixNano())),
		cursors:             make(map[string]int64),
	}
}

// drawFloat64 draws from the strategy's shared random source under mu, so
// concurrent ChooseQueue calls don't race its internal state.
func (s *SimpleWeightedChoiceStrategy) drawFloat64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Rand == nil {
		s.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s.Rand.Float64()
}

func (s *SimpleWeightedChoiceStrategy) selectionCount() int {
	if s.QueueSelectionCount <= 0 {
		return 12
	}
	return s.QueueSelectionCount
}

// nextCursor advances and returns the rolling cursor for parentQueue.
func (s *SimpleWeightedChoiceStrategy) nextCursor(parentQueue string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cursors[parentQueue]
	s.cursors[parentQueue] = cur + 1
	return cur
}

func (s *SimpleWeightedChoiceStrategy) NextCandidateSelection(parentQueue string) CandidateSelection {
	k := s.selectionCount()
	cursor := s.nextCursor(parentQueue)
	return CandidateSelection{Lo: 0, Hi: int64(k - 1), SelectionID: itoaIndex64(cursor)}
}

func (s *SimpleWeightedChoiceStrategy) ChooseQueue(candidates []QueueWithScore, parentQueue, selectionId string, capacities CapacityLookup) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	// Deterministic order before rotation: oldest first, then by key.
	ordered := append([]QueueWithScore(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Score != ordered[j].Score {
			return ordered[i].Score < ordered[j].Score
		}
		return ordered[i].Queue < ordered[j].Queue
	})

	offset := parseInt64(selectionId) % int64(len(ordered))
	if offset < 0 {
		offset += int64(len(ordered))
	}
	rotated := make([]QueueWithScore, len(ordered))
	for i := range ordered {
		rotated[i] = ordered[(int64(i)+offset)%int64(len(ordered))]
	}

	normalizer := s.AgeNormalizerMs
	if normalizer <= 0 {
		normalizer = 60_000
	}
	now := nowMs()

	type weighted struct {
		queue  string
		weight float64
	}
	var pool []weighted
	var total float64

	for _, q := range rotated {
		available, ok := int64(0), false
		if capacities != nil {
			available, ok = capacities(q.Queue)
		}
		if !ok || available <= 0 {
			continue
		}
		age := now - q.Score
		if age < 0 {
			age = 0
		}
		w := float64(available) * (1 + float64(age)/float64(normalizer))
		pool = append(pool, weighted{queue: q.Queue, weight: w})
		total += w
	}

	if len(pool) == 0 {
		return "", false
	}

	pick := s.drawFloat64() * total
	for _, w := range pool {
		pick -= w.weight
		if pick <= 0 {
			return w.queue, true
		}
	}
	return pool[len(pool)-1].queue, true
}

func parseInt64(s string) int64 {
	var out int64
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		out = out*10 + int64(c-'0')
	}
	if neg {
		out = -out
	}
	return out
}
