package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorstate-gateway/internal/chart"
	liveerr "sensorstate-gateway/internal/errors"
)

type call struct {
	op     string
	topics []string
}

type fakeTransport struct {
	mu       sync.Mutex
	calls    []call
	handlers map[string]map[int]Handler
	nextID   int
	joinErr  error
	leaveErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]map[int]Handler)}
}

func (f *fakeTransport) Join(ctx context.Context, topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"join", topics})
	return f.joinErr
}

func (f *fakeTransport) Leave(ctx context.Context, topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"leave", topics})
	return f.leaveErr
}

func (f *fakeTransport) On(topic string, h Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[topic] == nil {
		f.handlers[topic] = make(map[int]Handler)
	}
	id := f.nextID
	f.nextID++
	f.handlers[topic][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[topic], id)
	}
}

func (f *fakeTransport) handlerCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[topic])
}

func (f *fakeTransport) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n += len(c.topics)
		}
	}
	return n
}

func noop(string, []byte) {}

func TestUpdateIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft, noop)
	keys := chart.NewChannelSet("sensorstate:s1:m1", "sensorstate:s2:m1")

	require.NoError(t, m.Update(context.Background(), keys))
	require.NoError(t, m.Update(context.Background(), chart.NewChannelSet("sensorstate:s2:m1", "sensorstate:s1:m1")))

	assert.Equal(t, 2, ft.count("join"))
	assert.Equal(t, 0, ft.count("leave"))
	assert.Equal(t, 1, ft.handlerCount("sensorstate:s1:m1"))
	assert.True(t, m.Joined().Equal(keys))
}

func TestUpdateLeavesBeforeJoining(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft, noop)

	require.NoError(t, m.Update(context.Background(), chart.NewChannelSet("a", "b")))
	require.NoError(t, m.Update(context.Background(), chart.NewChannelSet("b", "c")))

	require.Len(t, ft.calls, 3)
	assert.Equal(t, call{"join", []string{"a", "b"}}, ft.calls[0])
	assert.Equal(t, call{"leave", []string{"a"}}, ft.calls[1])
	assert.Equal(t, call{"join", []string{"c"}}, ft.calls[2])
	assert.Equal(t, 0, ft.handlerCount("a"))
	assert.Equal(t, 1, ft.handlerCount("c"))
}

func TestUpdateEmptySetIsNoSubscription(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft, noop)

	require.NoError(t, m.Update(context.Background(), chart.NewChannelSet()))
	assert.Empty(t, ft.calls)

	require.NoError(t, m.Update(context.Background(), chart.NewChannelSet("a")))
	require.NoError(t, m.Update(context.Background(), chart.NewChannelSet()))
	assert.Equal(t, 1, ft.count("leave"))
	assert.Empty(t, m.Joined())
}

func TestCloseLeavesEverything(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft, noop)
	require.NoError(t, m.Update(context.Background(), chart.NewChannelSet("a", "b")))

	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, 2, ft.count("leave"))
	assert.Empty(t, m.Joined())
	assert.Equal(t, 0, ft.handlerCount("a"))

	// second close has nothing to leave
	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, 2, ft.count("leave"))
}

func TestJoinFailureIsRetriedOnNextUpdate(t *testing.T) {
	ft := newFakeTransport()
	ft.joinErr = errors.New("socket closed")
	m := NewManager(ft, noop)
	keys := chart.NewChannelSet("a")

	err := m.Update(context.Background(), keys)
	assert.True(t, liveerr.Is(err, liveerr.CodeSubscriptionFailed))
	assert.Empty(t, m.Joined())
	assert.Equal(t, 0, ft.handlerCount("a"))

	ft.mu.Lock()
	ft.joinErr = nil
	ft.mu.Unlock()
	require.NoError(t, m.Update(context.Background(), keys))
	assert.Equal(t, 2, ft.count("join"))
	assert.True(t, m.Joined().Equal(keys))
}

func TestLeaveFailureStillDropsHandlers(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft, noop)
	require.NoError(t, m.Update(context.Background(), chart.NewChannelSet("a")))

	ft.leaveErr = errors.New("timeout")
	err := m.Close(context.Background())
	assert.True(t, liveerr.Is(err, liveerr.CodeSubscriptionFailed))
	assert.Equal(t, 0, ft.handlerCount("a"))
	assert.Empty(t, m.Joined())
}
