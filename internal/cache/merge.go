// Package cache keeps one provider's last-known-good (LKG) item set and
// merges every fresh scan into it.
package cache

import (
	"github.com/bryanchriswhite/switchr/internal/window"
)

// Snapshot is an immutable LKG set. Items sharing a key form one slot.
type Snapshot struct {
	order []window.Key
	slots map[window.Key][]window.Item
}

// EmptySnapshot returns a snapshot with no slots
func EmptySnapshot() *Snapshot {
	return &Snapshot{slots: map[window.Key][]window.Item{}}
}

// NewSnapshot indexes items by key, preserving first-seen key order
func NewSnapshot(items []window.Item) *Snapshot {
	s := EmptySnapshot()
	for _, item := range items {
		k := item.Key()
		if _, ok := s.slots[k]; !ok {
			s.order = append(s.order, k)
		}
		s.slots[k] = append(s.slots[k], item)
	}
	return s
}

// Items flattens the snapshot into a new slice in slot order
func (s *Snapshot) Items() []window.Item {
	if s == nil {
		return []window.Item{}
	}
	n := 0
	for _, k := range s.order {
		n += len(s.slots[k])
	}
	out := make([]window.Item, 0, n)
	for _, k := range s.order {
		out = append(out, s.slots[k]...)
	}
	return out
}

// Keys returns the slot keys in order
func (s *Snapshot) Keys() []window.Key {
	if s == nil {
		return nil
	}
	out := make([]window.Key, len(s.order))
	copy(out, s.order)
	return out
}

// Slot returns a copy of the items stored under key
func (s *Snapshot) Slot(key window.Key) ([]window.Item, bool) {
	if s == nil {
		return nil, false
	}
	items, ok := s.slots[key]
	if !ok {
		return nil, false
	}
	out := make([]window.Item, len(items))
	copy(out, items)
	return out, true
}

// Len returns the number of slots
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// isFallback reports whether a slot holds coarse substitute data
func isFallback(items []window.Item) bool {
	for _, item := range items {
		if item.Fallback {
			return true
		}
	}
	return false
}

// MergeStats counts what a merge did, for logging
type MergeStats struct {
	Added      int `json:"added"`
	Updated    int `json:"updated"`
	Retained   int `json:"retained"`
	Dropped    int `json:"dropped"`
	KeptDetail int `json:"kept_detail"`
}

// LivenessFunc reports whether the window behind a key still exists
type LivenessFunc func(window.Key) bool

// Merge produces the next LKG set from the previous one and a fresh scan.
//
// Keys missing from the scan survive only while alive reports true. A slot
// that had detail is never replaced by a fallback slot for the same key.
// Fresh keys come first in scan order, retained keys follow in their
// previous order.
func Merge(prev *Snapshot, fresh []window.Item, alive LivenessFunc) (*Snapshot, MergeStats) {
	if prev == nil {
		prev = EmptySnapshot()
	}

	var stats MergeStats
	next := NewSnapshot(fresh)

	for _, k := range next.order {
		prevItems, existed := prev.slots[k]
		if !existed {
			stats.Added++
			continue
		}
		if !isFallback(prevItems) && isFallback(next.slots[k]) {
			next.slots[k] = prevItems
			stats.KeptDetail++
			continue
		}
		stats.Updated++
	}

	for _, k := range prev.order {
		if _, ok := next.slots[k]; ok {
			continue
		}
		if alive != nil && alive(k) {
			next.order = append(next.order, k)
			next.slots[k] = prev.slots[k]
			stats.Retained++
			continue
		}
		stats.Dropped++
	}

	return next, stats
}
