// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides a fire-and-forget event channel for usage and
// disagreement records. Publish never blocks and never fails the caller;
// when the buffer is full the event is dropped and counted.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events accepted into the buffer, by type.",
	}, []string{"type"})

	eventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because the buffer was full, by type.",
	}, []string{"type"})
)

// =============================================================================
// Types
// =============================================================================

// Type identifies the kind of event.
type Type string

const (
	// TypeUsage records a completed classification or composition.
	TypeUsage Type = "usage"

	// TypeDisagreement records a pattern-vs-model intent mismatch. These
	// surface candidate keywords for new detector rules.
	TypeDisagreement Type = "disagreement"
)

// Event is a single fire-and-forget record.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(eventType Type, fields map[string]any)
}

// =============================================================================
// Worker
// =============================================================================

// DefaultBufferSize is the event channel capacity.
const DefaultBufferSize = 256

// Worker consumes published events on a background goroutine and writes
// them to the structured log. A sink function can be injected for tests or
// for forwarding to an external collector.
//
// Thread Safety: Publish is safe for concurrent use. Stop must be called
// exactly once, after which Publish silently drops.
type Worker struct {
	ch     chan Event
	logger *slog.Logger
	sink   func(Event)

	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// NewWorker creates and starts an event worker.
//
// Inputs:
//   - bufferSize: Channel capacity. Values <= 0 use DefaultBufferSize.
//   - logger: Logger instance. May be nil (defaults to slog.Default).
func NewWorker(bufferSize int, logger *slog.Logger) *Worker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		ch:     make(chan Event, bufferSize),
		logger: logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// NewWorkerWithSink creates a worker that forwards each event to sink in
// addition to logging it. Used by tests to observe delivery.
func NewWorkerWithSink(bufferSize int, logger *slog.Logger, sink func(Event)) *Worker {
	w := NewWorker(bufferSize, logger)
	w.sink = sink
	return w
}

// Publish enqueues an event.
//
// Description:
//
//	Assigns an id and timestamp, then attempts a non-blocking send. A full
//	buffer drops the event and increments the drop counter; the caller is
//	never blocked and never sees an error.
//
// Thread Safety: Safe for concurrent use.
func (w *Worker) Publish(eventType Type, fields map[string]any) {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	select {
	case w.ch <- ev:
		eventsPublishedTotal.WithLabelValues(string(eventType)).Inc()
	default:
		eventsDroppedTotal.WithLabelValues(string(eventType)).Inc()
	}
}

// Stop drains the buffer and stops the worker. Events published after Stop
// land in an unread buffer and are eventually dropped; Publish never panics.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		<-w.done
	})
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case ev := <-w.ch:
			w.handle(ev)
		case <-w.quit:
			// Drain whatever was buffered before quitting.
			for {
				select {
				case ev := <-w.ch:
					w.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) handle(ev Event) {
	w.logger.Info("funnel event",
		slog.String("event_id", ev.ID),
		slog.String("event_type", string(ev.Type)),
		slog.Any("fields", ev.Fields),
	)
	if w.sink != nil {
		w.sink(ev)
	}
}

// =============================================================================
// Nop Publisher
// =============================================================================

// Nop is a Publisher that discards everything. Useful as a default when no
// worker is configured.
type Nop struct{}

func (Nop) Publish(Type, map[string]any) {}
