// internal/websocket/hub.go
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"sensorstate-gateway/internal/logging"
	"sensorstate-gateway/internal/metrics"
)

// subscriber is anything the hub can deliver topic messages to. deliver must
// not block; returning false tells the hub the subscriber is stuck.
type subscriber interface {
	deliver(topic string, payload []byte) bool
	close()
	name() string
}

// topicRequest is a join or leave request. ack reports whether the
// subscriber was still registered when the request was applied.
type topicRequest struct {
	sub    subscriber
	topics []string
	ack    func(applied bool)
}

type publication struct {
	topic   string
	payload []byte
}

// Hub routes published messages to the subscribers that joined their topic.
type Hub struct {
	subscribers map[subscriber]map[string]bool
	topics      map[string]map[subscriber]bool

	register   chan subscriber
	unregister chan subscriber
	join       chan topicRequest
	leave      chan topicRequest
	publish    chan publication
	done       chan struct{}

	mu      sync.RWMutex
	clients int
	log     *logrus.Entry
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[subscriber]map[string]bool),
		topics:      make(map[string]map[subscriber]bool),
		register:    make(chan subscriber),
		unregister:  make(chan subscriber),
		join:        make(chan topicRequest),
		leave:       make(chan topicRequest),
		publish:     make(chan publication, 256),
		done:        make(chan struct{}),
		log:         logging.NewLogger("hub"),
	}
}

// Run processes hub events until ctx is cancelled, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for sub := range h.subscribers {
			h.remove(sub)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			h.subscribers[sub] = make(map[string]bool)
			h.setClients(len(h.subscribers))
			h.log.WithField("subscriber", sub.name()).Debug("subscriber registered")

		case sub := <-h.unregister:
			if _, ok := h.subscribers[sub]; ok {
				h.remove(sub)
				h.log.WithField("subscriber", sub.name()).Debug("subscriber unregistered")
			}

		case s := <-h.join:
			joined, ok := h.subscribers[s.sub]
			if ok {
				for _, t := range s.topics {
					joined[t] = true
					if h.topics[t] == nil {
						h.topics[t] = make(map[subscriber]bool)
					}
					h.topics[t][s.sub] = true
				}
			}
			if s.ack != nil {
				s.ack(ok)
			}

		case s := <-h.leave:
			joined, ok := h.subscribers[s.sub]
			if ok {
				for _, t := range s.topics {
					delete(joined, t)
					h.dropTopic(t, s.sub)
				}
			}
			if s.ack != nil {
				s.ack(ok)
			}

		case p := <-h.publish:
			for sub := range h.topics[p.topic] {
				if !sub.deliver(p.topic, p.payload) {
					h.log.WithField("subscriber", sub.name()).Warn("send buffer full, removing subscriber")
					metrics.HubDropped.Inc()
					h.remove(sub)
				}
			}
		}
	}
}

func (h *Hub) remove(sub subscriber) {
	for t := range h.subscribers[sub] {
		h.dropTopic(t, sub)
	}
	delete(h.subscribers, sub)
	sub.close()
	h.setClients(len(h.subscribers))
}

func (h *Hub) dropTopic(topic string, sub subscriber) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) setClients(n int) {
	h.mu.Lock()
	h.clients = n
	h.mu.Unlock()
	metrics.HubClients.Set(float64(n))
}

// Clients returns the number of registered subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients
}

// RegisterClient safely registers a new client to the hub
func (h *Hub) RegisterClient(client *Client) {
	h.send(h.register, client)
}

// Publish queues payload for every subscriber of topic. The payload must be
// JSON; it is compacted so frames stay on one line.
func (h *Hub) Publish(topic string, payload []byte) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		h.log.WithError(err).WithField("topic", topic).Error("refusing to publish non-JSON payload")
		return
	}
	select {
	case h.publish <- publication{topic: topic, payload: buf.Bytes()}:
	case <-h.done:
	}
}

// PublishJSON marshals v and publishes it on topic.
func (h *Hub) PublishJSON(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).WithField("topic", topic).Error("marshalling publication")
		return
	}
	h.Publish(topic, payload)
}

func (h *Hub) send(ch chan subscriber, sub subscriber) bool {
	select {
	case ch <- sub:
		return true
	case <-h.done:
		return false
	}
}

// subscribe sends a join or leave request and waits for the hub to apply it.
func (h *Hub) subscribe(ctx context.Context, ch chan topicRequest, sub subscriber, topics []string) error {
	applied := make(chan bool, 1)
	s := topicRequest{sub: sub, topics: topics, ack: func(ok bool) { applied <- ok }}
	select {
	case ch <- s:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errHubStopped
	}
	select {
	case ok := <-applied:
		if !ok {
			return errHubStopped
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errHubStopped
	}
}
