package main

import (
	"sync"
)

// Hub fans notifications out to topic subscribers. Slow subscribers drop
// messages rather than stalling the watcher; clients recover through the
// replay endpoint.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[uint64]chan Notification
	nextID      uint64
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[uint64]chan Notification)}
}

// Subscribe registers interest in a topic. The returned cancel func must be
// called when the subscriber goes away.
func (h *Hub) Subscribe(topic string, buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Notification, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	subs, ok := h.subscribers[topic]
	if !ok {
		subs = make(map[uint64]chan Notification)
		h.subscribers[topic] = subs
	}
	subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.subscribers[topic]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.subscribers, topic)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers a notification to every subscriber of its topic.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers[n.Topic] {
		select {
		case ch <- n:
		default:
		}
	}
}
