package core

import (
	"Percolator/internal/observability"
	"container/list"
	"context"
	"fmt"
)

// DBIdempotencyChecker answers whether an event is already in the durable
// event log.
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error)
}

// dedupKey renders the composite key stored in the LRU and in snapshots.
func dedupKey(eventType, key string) string { return eventType + ":" + key }

// IdempotencyChecker answers from the recent-key LRU first and falls back
// to the event log for keys it has evicted or never seen since restart.
type IdempotencyChecker struct {
	lru       *recentKeys
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{lru: newRecentKeys(capacity), dbChecker: dbChecker, metrics: metrics}
}

// IsDuplicate fails closed: a lookup error is returned and the event is not
// treated as new.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error) {
	k := dedupKey(eventType, idempotencyKey)
	if ic.lru.Contains(k) {
		ic.countDuplicate(eventType, "lru")
		return true, nil
	}
	if ic.dbChecker == nil {
		return false, nil
	}

	seen, err := ic.dbChecker.IsDuplicate(ctx, eventType, idempotencyKey)
	switch {
	case err != nil:
		return false, fmt.Errorf("idempotency lookup %s: %w", k, err)
	case seen:
		ic.countDuplicate(eventType, "postgres")
		ic.lru.Add(k)
	}
	return seen, nil
}

// MarkProcessed records a key once its event has been applied or rejected.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	evicted := ic.lru.Add(dedupKey(eventType, idempotencyKey))
	if ic.metrics == nil {
		return
	}
	ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	if evicted {
		ic.metrics.DedupLRUEvictions.Inc()
	}
}

func (ic *IdempotencyChecker) countDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// recentKeys is a bounded most-recently-used set. The engine mutex guards it.
type recentKeys struct {
	max   int
	order *list.List // front = most recent
	index map[string]*list.Element
}

func newRecentKeys(max int) *recentKeys {
	return &recentKeys{max: max, order: list.New(), index: make(map[string]*list.Element, max)}
}

func (r *recentKeys) Contains(k string) bool {
	el, ok := r.index[k]
	if ok {
		r.order.MoveToFront(el)
	}
	return ok
}

// Add inserts or refreshes k and reports whether the oldest key was dropped
// to make room.
func (r *recentKeys) Add(k string) bool {
	if el, ok := r.index[k]; ok {
		r.order.MoveToFront(el)
		return false
	}
	r.index[k] = r.order.PushFront(k)
	if r.order.Len() <= r.max {
		return false
	}
	oldest := r.order.Back()
	r.order.Remove(oldest)
	delete(r.index, oldest.Value.(string))
	return true
}

func (r *recentKeys) Len() int { return r.order.Len() }

// WarmFromKeys replays keys oldest first so the last one ends up most recent.
func (r *recentKeys) WarmFromKeys(keys []string) {
	for _, k := range keys {
		r.Add(k)
	}
}

// GetAllKeys lists keys oldest first, the order WarmFromKeys takes.
func (r *recentKeys) GetAllKeys() []string {
	out := make([]string, 0, r.order.Len())
	for el := r.order.Back(); el != nil; el = el.Prev() {
		out = append(out, el.Value.(string))
	}
	return out
}
