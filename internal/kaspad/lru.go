package kaspad

import "container/list"

// lruSet is a bounded set with least-recently-added eviction; the poller
// keys it by outpoint to suppress re-emission of UTXOs it already reported.
type lruSet struct {
	cap   int
	order *list.List
	items map[string]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	if capacity <= 0 {
		capacity = 10000
	}
	return &lruSet{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

// Add inserts key and reports whether it was absent.
func (s *lruSet) Add(key string) bool {
	if el, ok := s.items[key]; ok {
		s.order.MoveToFront(el)
		return false
	}
	s.items[key] = s.order.PushFront(key)
	if s.order.Len() > s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
	return true
}

// Contains reports membership without changing recency.
func (s *lruSet) Contains(key string) bool {
	_, ok := s.items[key]
	return ok
}

func (s *lruSet) Len() int { return s.order.Len() }
