package main

import (
	"context"
	"log/slog"
	"time"
)

// EventWatcher periodically pulls events from the node and persists them
// locally while fanning out subscriber notifications.
type EventWatcher struct {
	node         NodeClient
	store        *SQLiteStore
	hub          *Hub
	log          *slog.Logger
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
}

func NewEventWatcher(node NodeClient, store *SQLiteStore, hub *Hub, log *slog.Logger) *EventWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		hub:          hub,
		log:          log,
		pollInterval: 5 * time.Second,
		batchSize:    100,
		nowFn:        time.Now,
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil || w.hub == nil {
		return
	}
	interval := w.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	after, err := w.store.LastEventSequence(ctx)
	if err != nil {
		w.log.Error("load event cursor", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			after = w.poll(ctx, after)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context, after uint64) uint64 {
	batch := w.batchSize
	if batch <= 0 {
		batch = 100
	}
	events, err := w.node.FetchEvents(ctx, after, batch)
	if err != nil {
		w.log.Warn("fetch events", "error", err, "after", after)
		return after
	}
	if len(events) == 0 {
		return after
	}
	lastSeq := after
	for _, evt := range events {
		if evt.Sequence <= lastSeq {
			continue
		}
		w.handleEvent(ctx, evt)
		lastSeq = evt.Sequence
	}
	if err := w.store.UpdateEventSequence(ctx, lastSeq); err != nil {
		w.log.Error("persist event cursor", "error", err, "seq", lastSeq)
	}
	return lastSeq
}

func (w *EventWatcher) handleEvent(ctx context.Context, evt NodeEvent) {
	if err := w.store.InsertEvent(ctx, evt); err != nil {
		w.log.Error("persist event", "error", err, "seq", evt.Sequence)
	}
	notification, ok := notificationFromEvent(evt, w.nowFn())
	if !ok {
		return
	}
	if err := w.store.InsertNotification(ctx, notification); err != nil {
		w.log.Error("persist notification", "error", err, "seq", evt.Sequence)
	}
	w.hub.Publish(notification)
}
