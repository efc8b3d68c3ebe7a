// Copyright 2025 Nooterra
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Event is a post-commit status notification. Delivery is best effort: a slow
// subscriber loses events rather than blocking ingestion.
type Event struct {
	Type       string    `json:"type"`
	WorkflowID string    `json:"workflowId"`
	NodeName   string    `json:"nodeName,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

const subscriberBuffer = 64

// EventBus fans events out to SSE subscribers and per-workflow webhooks.
type EventBus struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	secret  string
	client  *http.Client
	dropped uint64
}

func NewEventBus(webhookSecret string) *EventBus {
	return &EventBus{
		subs:   make(map[chan Event]struct{}),
		secret: webhookSecret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Subscribe returns a buffered event channel and its cancel func. Events
// published while the buffer is full are dropped for that subscriber.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish never blocks.
func (b *EventBus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
	b.mu.Unlock()
	eventsPublished.WithLabelValues(ev.Type).Inc()
}

// NotifyWebhook delivers a signed workflow event to the requester's webhook.
// Failures are logged and dropped; webhooks are a courtesy, the API is the
// source of truth.
func (b *EventBus) NotifyWebhook(url string, ev Event) {
	if url == "" {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, ev.Type)
	if b.secret != "" {
		req.Header.Set(signatureHeader, signPayload(b.secret, body))
	}
	resp, err := b.client.Do(req)
	if err != nil {
		log.Printf("[Events] webhook delivery to %s failed: %v", url, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[Events] webhook %s returned %d", url, resp.StatusCode)
	}
}

// ServeSSE streams events to one client until it disconnects.
func (b *EventBus) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
