// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fswatcher

import (
	"sync/atomic"

	"github.com/locwatch/locwatch/lib/fs"
)

// Subscription is an independent receiver of the normalized event stream.
// Events are dropped, and counted, while its buffer is full.
type Subscription struct {
	events chan fs.FsEvent
	lagged atomic.Uint64
}

func (s *Subscription) C() <-chan fs.FsEvent {
	return s.events
}

// Lagged returns the number of events lost by this subscription.
func (s *Subscription) Lagged() uint64 {
	return s.lagged.Load()
}

func (r *Registry) Subscribe() *Subscription {
	s := &Subscription{
		events: make(chan fs.FsEvent, r.opts.BroadcastBuffer),
	}
	r.subsMut.Lock()
	r.subs[s] = struct{}{}
	r.subsMut.Unlock()
	return s
}

// Unsubscribe removes the subscription and closes its channel.
func (r *Registry) Unsubscribe(s *Subscription) {
	r.subsMut.Lock()
	defer r.subsMut.Unlock()
	if _, ok := r.subs[s]; !ok {
		return
	}
	delete(r.subs, s)
	close(s.events)
}

func (r *Registry) broadcast(evs []fs.FsEvent) {
	if len(evs) == 0 {
		return
	}
	r.emitted.Add(uint64(len(evs)))
	metricEventsEmitted.Add(float64(len(evs)))

	r.subsMut.Lock()
	defer r.subsMut.Unlock()
	for _, ev := range evs {
		l.Debugln("broadcast", ev)
		for s := range r.subs {
			select {
			case s.events <- ev:
			default:
				s.lagged.Add(1)
				metricEventsLagged.Inc()
			}
		}
	}
}
