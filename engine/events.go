// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasforge/taskengine/cache"
	"github.com/atlasforge/taskengine/task"
)

// EventType identifies an engine notification.
type EventType string

const (
	EventTaskCreated    EventType = "task_created"
	EventTaskUpdated    EventType = "task_updated"
	EventTaskDeleted    EventType = "task_deleted"
	EventMemoryPressure EventType = "memory_pressure"
)

// Event is a fire-and-forget notification to external observers. Events
// are not part of the transactional contract: they fire after commit and
// delivery is not guaranteed.
type Event struct {
	Type      EventType
	ID        string
	Timestamp time.Time
	Path      string

	// Task is the post-mutation snapshot for create/update, the removed
	// snapshot for delete.
	Task *task.Task

	// OldTask is the pre-mutation snapshot, set for updates.
	OldTask *task.Task

	// Memory carries the usage sample for memory-pressure events.
	Memory   *cache.MemoryStats
	MaxBytes int64
}

// Handler receives events. Handlers run on dispatch goroutines and must
// not block for long.
type Handler func(Event)

// EventBus fans events out to subscribed handlers asynchronously. A
// single dispatch goroutine drains the queue, so handlers observe events
// in publication order (a task's create always precedes its updates).
// Publishing never blocks: when the queue is full the event is dropped.
//
// Thread Safety: safe for concurrent use.
type EventBus struct {
	mu       sync.RWMutex
	handlers []Handler

	queue chan Event
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once
}

// NewEventBus creates a bus and starts its dispatcher.
func NewEventBus() *EventBus {
	b := &EventBus{
		queue: make(chan Event, 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *EventBus) run() {
	defer close(b.done)
	for {
		select {
		case ev := <-b.queue:
			b.mu.RLock()
			handlers := make([]Handler, len(b.handlers))
			copy(handlers, b.handlers)
			b.mu.RUnlock()
			for _, h := range handlers {
				h(ev)
			}
		case <-b.stop:
			return
		}
	}
}

// Subscribe registers a handler for all subsequent events.
func (b *EventBus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish enqueues the event for dispatch in order. Missing ID and
// Timestamp fields are filled in.
func (b *EventBus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.queue <- e:
	default:
		// Queue full. Delivery is fire-and-forget.
	}
}

// Close stops the dispatcher. Events still queued are discarded; Publish
// after Close is a no-op. Safe to call more than once.
func (b *EventBus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}
