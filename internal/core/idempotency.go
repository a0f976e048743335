package core

import (
	"container/list"
)

// DBIdempotencyChecker is the cold-path dedup lookup against the event
// log. A lookup error is treated as "not a duplicate": the event-log
// unique index still rejects a re-insert, so a flaky database degrades
// to harmless extra work instead of blocking intake.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker is the two-tier dedup guard: an in-memory LRU for
// the recent window, Postgres behind it for everything older.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker

	tier2Errors int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate reports whether the event was already processed. A hit in
// the cold tier is promoted into the LRU.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := eventType + ":" + idempotencyKey

	if ic.lru.Contains(key) {
		return true
	}
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			ic.tier2Errors++
			return false
		}
		if isDup {
			ic.lru.Add(key)
			return true
		}
	}
	return false
}

// MarkProcessed records the key after the event applied.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(eventType + ":" + idempotencyKey)
}

// LRUSize returns the hot-tier entry count.
func (ic *IdempotencyChecker) LRUSize() int {
	return ic.lru.Len()
}

// idempotencyLRU holds composite event-type:key strings with
// least-recently-used eviction. Not thread-safe; only the core loop
// touches it.
type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains reports membership and promotes a hit to most recent.
func (lru *idempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts the key, evicting the oldest entry when over capacity.
func (lru *idempotencyLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
	}
}

// Warm bulk-loads keys from a snapshot so a warm restart does not pay
// cold-path lookups for the recent window.
func (lru *idempotencyLRU) Warm(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Keys exports all cached keys, oldest first, for snapshots.
func (lru *idempotencyLRU) Keys() []string {
	keys := make([]string, 0, lru.order.Len())
	for elem := lru.order.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(string))
	}
	return keys
}

func (lru *idempotencyLRU) Len() int {
	return lru.order.Len()
}
