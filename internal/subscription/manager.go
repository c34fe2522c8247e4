// internal/subscription/manager.go
package subscription

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"sensorstate-gateway/internal/chart"
	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/logging"
	"sensorstate-gateway/internal/metrics"
)

// Handler receives the raw payload published on topic.
type Handler func(topic string, payload []byte)

// Transport is the push channel. Join and Leave are control-plane calls; On
// registers a data-plane handler and returns the function that removes it.
type Transport interface {
	Join(ctx context.Context, topics []string) error
	Leave(ctx context.Context, topics []string) error
	On(topic string, h Handler) (off func())
}

// Manager keeps exactly the most recently requested channels joined on a
// transport. It belongs to one chart session.
type Manager struct {
	mu        sync.Mutex
	transport Transport
	handler   Handler
	joined    chart.ChannelSet
	offs      map[chart.ChannelID]func()
	log       *logrus.Entry
}

func NewManager(t Transport, h Handler) *Manager {
	return &Manager{
		transport: t,
		handler:   h,
		joined:    make(chart.ChannelSet),
		offs:      make(map[chart.ChannelID]func()),
		log:       logging.NewLogger("subscription"),
	}
}

// Update leaves the channels no longer wanted, then joins the new ones.
// Repeating the current set is a no-op. Failures are logged and returned as
// SUBSCRIPTION_FAILED; channels whose join failed are not recorded as joined,
// so the next Update retries them.
func (m *Manager) Update(ctx context.Context, next chart.ChannelSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	toLeave := m.joined.Minus(next)
	toJoin := next.Minus(m.joined)
	if len(toLeave) == 0 && len(toJoin) == 0 {
		return nil
	}

	var firstErr error
	if err := m.leave(ctx, toLeave); err != nil {
		firstErr = err
	}
	if err := m.join(ctx, toJoin); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close leaves every joined channel.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leave(ctx, m.joined)
}

// Joined returns a copy of the joined channels.
func (m *Manager) Joined() chart.ChannelSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(chart.ChannelSet, len(m.joined))
	for id := range m.joined {
		out[id] = struct{}{}
	}
	return out
}

// leave removes local handlers before the control call so nothing is
// delivered for a channel once it is no longer wanted, even if the call fails.
func (m *Manager) leave(ctx context.Context, set chart.ChannelSet) error {
	if len(set) == 0 {
		return nil
	}
	topics := set.Topics()
	for _, topic := range topics {
		id := chart.ChannelID(topic)
		if off, ok := m.offs[id]; ok {
			off()
			delete(m.offs, id)
		}
		delete(m.joined, id)
	}

	if err := m.transport.Leave(ctx, topics); err != nil {
		metrics.SubscriptionErrors.WithLabelValues("leave").Inc()
		m.log.WithError(err).WithField("topics", topics).Warn("leave failed")
		return liveerr.SubscriptionFailed("leave", topics, err)
	}
	m.log.WithField("topics", topics).Debug("left channels")
	return nil
}

func (m *Manager) join(ctx context.Context, set chart.ChannelSet) error {
	if len(set) == 0 {
		return nil
	}
	topics := set.Topics()
	for _, topic := range topics {
		id := chart.ChannelID(topic)
		m.offs[id] = m.transport.On(topic, m.handler)
	}

	if err := m.transport.Join(ctx, topics); err != nil {
		for _, topic := range topics {
			id := chart.ChannelID(topic)
			m.offs[id]()
			delete(m.offs, id)
		}
		metrics.SubscriptionErrors.WithLabelValues("join").Inc()
		m.log.WithError(err).WithField("topics", topics).Warn("join failed, chart stays on its snapshot")
		return liveerr.SubscriptionFailed("join", topics, err)
	}

	for _, topic := range topics {
		m.joined[chart.ChannelID(topic)] = struct{}{}
	}
	m.log.WithField("topics", topics).Debug("joined channels")
	return nil
}
