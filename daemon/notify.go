/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// subscriberBuffer is how many pushes a slow subscriber may lag behind
const subscriberBuffer = 16

// Hub fans pushes out to subscribers. Slow subscribers miss pushes rather than block the loop.
type Hub struct {
	name string
	mu   sync.Mutex
	next int
	subs map[int]chan any
}

// NewHub returns an empty Hub
func NewHub(name string) *Hub {
	return &Hub{name: name, subs: map[int]chan any{}}
}

// Subscribe registers a subscriber. Calling cancel closes the channel.
func (h *Hub) Subscribe() (<-chan any, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan any, subscriberBuffer)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish pushes v to every subscriber
func (h *Hub) Publish(v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- v:
		default:
			log.Warningf("%s subscriber %d is not keeping up, dropping push", h.name, id)
		}
	}
}

// Len returns the number of subscribers
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
