// Package state keeps the live working set: recent trader scores and the
// tracked-address roster. Both maps are bounded LRU so a misbehaving
// upstream can never balloon resident memory, and both shed entries that
// have gone a day without an update.
package state

import (
	"container/list"
	"time"
)

type lruEntry[V any] struct {
	key       string
	value     V
	updatedAt time.Time
}

// lruMap is a bounded string-keyed map with move-on-write recency.
// Reads do not reorder: recency tracks freshness of the data, not
// lookup popularity.
type lruMap[V any] struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

func newLRUMap[V any](capacity int) *lruMap[V] {
	return &lruMap[V]{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// put inserts or refreshes a key at the most-recent end and reports the
// key dropped from the least-recent end when the map is over capacity.
func (m *lruMap[V]) put(key string, value V, now time.Time) (string, bool) {
	if el, ok := m.items[key]; ok {
		ent := el.Value.(*lruEntry[V])
		ent.value = value
		ent.updatedAt = now
		m.ll.MoveToFront(el)
		return "", false
	}

	el := m.ll.PushFront(&lruEntry[V]{key: key, value: value, updatedAt: now})
	m.items[key] = el

	if m.ll.Len() <= m.capacity {
		return "", false
	}
	oldest := m.ll.Back()
	ent := oldest.Value.(*lruEntry[V])
	m.ll.Remove(oldest)
	delete(m.items, ent.key)
	return ent.key, true
}

func (m *lruMap[V]) get(key string) (V, bool) {
	if el, ok := m.items[key]; ok {
		return el.Value.(*lruEntry[V]).value, true
	}
	var zero V
	return zero, false
}

func (m *lruMap[V]) delete(key string) bool {
	el, ok := m.items[key]
	if !ok {
		return false
	}
	m.ll.Remove(el)
	delete(m.items, key)
	return true
}

// evictBefore drops every entry last updated before the cutoff and
// returns the dropped keys.
func (m *lruMap[V]) evictBefore(cutoff time.Time) []string {
	var dropped []string
	for el := m.ll.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*lruEntry[V])
		if ent.updatedAt.Before(cutoff) {
			m.ll.Remove(el)
			delete(m.items, ent.key)
			dropped = append(dropped, ent.key)
		}
		el = prev
	}
	return dropped
}

func (m *lruMap[V]) len() int {
	return m.ll.Len()
}

// values returns every entry, most recently written first.
func (m *lruMap[V]) values() []V {
	out := make([]V, 0, m.ll.Len())
	for el := m.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*lruEntry[V]).value)
	}
	return out
}
