// internal/websocket/local.go
package websocket

import (
	"context"
	"sync"

	"github.com/google/uuid"

	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/subscription"
)

var errHubStopped = liveerr.TransportClosed().WithDetail("reason", "hub stopped")

const localBuffer = 1024

// LocalTransport subscribes in-process consumers to the hub. It implements
// subscription.Transport for chart sessions hosted by the gateway.
type LocalTransport struct {
	hub   *Hub
	id    string
	inbox chan publication

	handlers *handlerSet
	stopped  chan struct{}
	once     sync.Once
}

// NewLocalTransport registers a new in-process subscriber. It returns an
// error if the hub is not running any more.
func (h *Hub) NewLocalTransport() (*LocalTransport, error) {
	t := &LocalTransport{
		hub:      h,
		id:       "local-" + uuid.NewString(),
		inbox:    make(chan publication, localBuffer),
		handlers: newHandlerSet(),
		stopped:  make(chan struct{}),
	}
	if !h.send(h.register, t) {
		return nil, errHubStopped
	}
	go t.dispatch()
	return t, nil
}

func (t *LocalTransport) deliver(topic string, payload []byte) bool {
	select {
	case t.inbox <- publication{topic: topic, payload: payload}:
	default:
		// drop the message, never the in-process subscriber
		t.hub.log.WithField("subscriber", t.id).WithField("topic", topic).Warn("local inbox full, dropping message")
	}
	return true
}

func (t *LocalTransport) close() { close(t.inbox) }

func (t *LocalTransport) name() string { return t.id }

func (t *LocalTransport) dispatch() {
	defer close(t.stopped)
	for p := range t.inbox {
		t.handlers.dispatch(p.topic, p.payload)
	}
}

func (t *LocalTransport) Join(ctx context.Context, topics []string) error {
	return t.hub.subscribe(ctx, t.hub.join, t, topics)
}

func (t *LocalTransport) Leave(ctx context.Context, topics []string) error {
	return t.hub.subscribe(ctx, t.hub.leave, t, topics)
}

func (t *LocalTransport) On(topic string, h subscription.Handler) func() {
	return t.handlers.add(topic, h)
}

// Close unregisters from the hub and waits for pending deliveries to finish.
func (t *LocalTransport) Close() error {
	t.once.Do(func() {
		t.hub.send(t.hub.unregister, t)
	})
	<-t.stopped
	return nil
}

// handlerSet is the event-emitter registry shared by the transports.
type handlerSet struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string]map[uint64]subscription.Handler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[string]map[uint64]subscription.Handler)}
}

func (s *handlerSet) add(topic string, h subscription.Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[topic] == nil {
		s.handlers[topic] = make(map[uint64]subscription.Handler)
	}
	id := s.next
	s.next++
	s.handlers[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers[topic], id)
			if len(s.handlers[topic]) == 0 {
				delete(s.handlers, topic)
			}
		})
	}
}

func (s *handlerSet) dispatch(topic string, payload []byte) {
	s.mu.RLock()
	hs := make([]subscription.Handler, 0, len(s.handlers[topic]))
	for _, h := range s.handlers[topic] {
		hs = append(hs, h)
	}
	s.mu.RUnlock()

	for _, h := range hs {
		h(topic, payload)
	}
}
