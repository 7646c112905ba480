// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package watchaggregator batches the normalized event stream per watched
// root into ordered batches for the apply step, and sheds load by asking
// for a reindex when a root falls behind.
package watchaggregator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/locwatch/locwatch/lib/events"
	"github.com/locwatch/locwatch/lib/fs"
)

const ReasonQueueOverflow = "queue_overflow"

// Applier is the external step consuming finalized batches, in order.
type Applier interface {
	ApplyBatch(ctx context.Context, rootID string, evs []fs.FsEvent) error
}

type ApplierFunc func(ctx context.Context, rootID string, evs []fs.FsEvent) error

func (f ApplierFunc) ApplyBatch(ctx context.Context, rootID string, evs []fs.FsEvent) error {
	return f(ctx, rootID, evs)
}

type ReindexRequest struct {
	RootID string `json:"rootID"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Reindexer is told when a root needs a full rescan because events were
// discarded or lost.
type Reindexer interface {
	RequestReindex(ctx context.Context, req ReindexRequest) error
}

// EventReindexer publishes reindex requests as events.ReindexRequested.
type EventReindexer struct {
	Events *events.Logger
}

func (r EventReindexer) RequestReindex(_ context.Context, req ReindexRequest) error {
	evl := r.Events
	if evl == nil {
		evl = events.Default
	}
	evl.Log(events.ReindexRequested, req)
	return nil
}

type Options struct {
	DebounceWindow time.Duration
	MaxBatchSize   int
	// A backlog above this many events is discarded in favour of a reindex.
	MaxQueueDepth int
	Events        *events.Logger
}

func DefaultOptions() Options {
	return Options{
		DebounceWindow: 100 * time.Millisecond,
		MaxBatchSize:   1000,
		MaxQueueDepth:  10000,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = def.DebounceWindow
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = def.MaxBatchSize
	}
	if o.MaxQueueDepth <= 0 {
		o.MaxQueueDepth = def.MaxQueueDepth
	}
	if o.Events == nil {
		o.Events = events.Default
	}
	return o
}

// LocationWorker turns the events of one root into batches. Batches are
// finalized and applied strictly in arrival order.
type LocationWorker struct {
	rootID    string
	root      string
	opts      Options
	in        chan fs.FsEvent
	overflow  atomic.Bool
	wake      chan struct{}
	applier   Applier
	reindexer Reindexer
	warn      rate.Sometimes
}

func NewLocationWorker(rootID, root string, opts Options, applier Applier, reindexer Reindexer) *LocationWorker {
	opts = opts.withDefaults()
	if reindexer == nil {
		reindexer = EventReindexer{Events: opts.Events}
	}
	return &LocationWorker{
		rootID: rootID,
		root:   root,
		opts:   opts,
		// Room for a full backlog plus a batch, so that crossing the
		// threshold is observable before sends start failing.
		in:        make(chan fs.FsEvent, opts.MaxQueueDepth+opts.MaxBatchSize),
		wake:      make(chan struct{}, 1),
		applier:   applier,
		reindexer: reindexer,
		warn:      rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

func (w *LocationWorker) RootID() string {
	return w.rootID
}

func (w *LocationWorker) Root() string {
	return w.root
}

// Send queues an event without blocking. When the queue is full the event
// is lost and the worker requests a reindex on its next cycle.
func (w *LocationWorker) Send(ev fs.FsEvent) bool {
	select {
	case w.in <- ev:
		return true
	default:
		if !w.overflow.Swap(true) {
			l.Debugln(w, "queue full, dropping events")
		}
		return false
	}
}

// MarkLost tells the worker that events for its root were lost before
// reaching it. The next cycle discards the backlog and requests a reindex.
func (w *LocationWorker) MarkLost() {
	w.overflow.Store(true)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *LocationWorker) Serve(ctx context.Context) error {
	defer metricQueueDepth.WithLabelValues(w.rootID).Set(0)
	for {
		var first fs.FsEvent
		select {
		case first = <-w.in:
		case <-w.wake:
			if w.overloaded() {
				w.shed(ctx, 0)
			}
			continue
		case <-ctx.Done():
			l.Debugln(w, "stopped")
			return nil
		}

		if w.overloaded() {
			w.shed(ctx, 1)
			continue
		}

		batch := w.collect(ctx, first)
		if ctx.Err() != nil {
			return nil
		}
		// The backlog may have grown past the threshold while collecting.
		if w.overloaded() {
			w.shed(ctx, len(batch))
			continue
		}
		w.process(ctx, batch)
	}
}

func (w *LocationWorker) overloaded() bool {
	depth := len(w.in)
	metricQueueDepth.WithLabelValues(w.rootID).Set(float64(depth))
	return depth > w.opts.MaxQueueDepth || w.overflow.Load()
}

// collect gathers events until the debounce window closes or the batch is
// full.
func (w *LocationWorker) collect(ctx context.Context, first fs.FsEvent) []fs.FsEvent {
	batch := []fs.FsEvent{first}
	timer := time.NewTimer(w.opts.DebounceWindow)
	defer timer.Stop()
	for len(batch) < w.opts.MaxBatchSize {
		select {
		case ev := <-w.in:
			batch = append(batch, ev)
		case <-timer.C:
			return batch
		case <-ctx.Done():
			return nil
		}
	}
	return batch
}

// shed discards the whole backlog and requests one reindex for it.
func (w *LocationWorker) shed(ctx context.Context, held int) {
	dropped := held
drain:
	for {
		select {
		case <-w.in:
			dropped++
		default:
			break drain
		}
	}
	w.overflow.Store(false)
	metricOverflows.WithLabelValues(w.rootID).Inc()
	metricQueueDepth.WithLabelValues(w.rootID).Set(0)
	l.Infof("%v: discarded %d queued events, requesting reindex", w, dropped)

	req := ReindexRequest{RootID: w.rootID, Path: w.root, Reason: ReasonQueueOverflow}
	if err := w.reindexer.RequestReindex(ctx, req); err != nil {
		l.Warnf("%v: requesting reindex: %v", w, err)
	}
}

func (w *LocationWorker) process(ctx context.Context, evs []fs.FsEvent) {
	start := time.Now()
	batch := Finalize(evs)
	if batch.Neutralized > 0 {
		metricNeutralized.WithLabelValues(w.rootID).Add(float64(batch.Neutralized))
	}
	if batch.Collapsed > 0 {
		metricRenamesCollapsed.WithLabelValues(w.rootID).Add(float64(batch.Collapsed))
	}
	if len(batch.Events) == 0 {
		l.Debugf("%v: %d events coalesced to nothing", w, len(evs))
		return
	}

	l.Debugf("%v: applying %d events (from %d)", w, len(batch.Events), len(evs))
	err := w.applier.ApplyBatch(ctx, w.rootID, batch.Events)
	metricBatchSize.WithLabelValues(w.rootID).Observe(float64(len(batch.Events)))
	metricBatchDuration.WithLabelValues(w.rootID).Observe(time.Since(start).Seconds())
	if err != nil {
		metricApplyFailures.WithLabelValues(w.rootID).Inc()
		w.warn.Do(func() { l.Warnf("%v: applying batch of %d events: %v", w, len(batch.Events), err) })
		w.opts.Events.Log(events.BatchFailed, map[string]interface{}{
			"root":   w.rootID,
			"events": len(batch.Events),
			"error":  events.Error(err),
		})
		return
	}
	w.opts.Events.Log(events.BatchApplied, map[string]interface{}{
		"root":        w.rootID,
		"events":      len(batch.Events),
		"neutralized": batch.Neutralized,
		"collapsed":   batch.Collapsed,
	})
}

func (w *LocationWorker) String() string {
	return fmt.Sprintf("LocationWorker/%s", w.rootID)
}
