// internal/websocket/transport.go
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/logging"
	"sensorstate-gateway/internal/subscription"
)

// ackWait bounds how long Join and Leave wait for the gateway's ack.
const ackWait = 10 * time.Second

// RemoteTransport is a subscription.Transport over a websocket connection
// to a gateway's /ws endpoint.
type RemoteTransport struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	handlers *handlerSet

	mu      sync.Mutex
	pending map[string]chan struct{}

	ackWait time.Duration

	done      chan struct{}
	closeOnce sync.Once
	log       *logrus.Entry
}

// Dial connects to the gateway and starts reading frames.
func Dial(ctx context.Context, url string) (*RemoteTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, liveerr.Wrap(err, liveerr.CodeTransportClosed, "dialing gateway").WithDetail("url", url)
	}
	t := &RemoteTransport{
		conn:     conn,
		handlers: newHandlerSet(),
		pending:  make(map[string]chan struct{}),
		ackWait:  ackWait,
		done:     make(chan struct{}),
		log:      logging.NewLogger("transport").WithField("url", url),
	}
	go t.readLoop()
	return t, nil
}

func (t *RemoteTransport) readLoop() {
	defer t.shutdown()
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPingHandler(func(data string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return t.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.WithError(err).Warn("websocket read error")
			}
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		// The gateway batches queued frames into one message, one per line.
		for _, line := range bytes.Split(message, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) > 0 {
				t.handleFrame(line)
			}
		}
	}
}

func (t *RemoteTransport) handleFrame(line []byte) {
	var probe struct {
		Event string `json:"event"`
		ID    string `json:"id"`
		dataFrame
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		t.log.WithError(err).Debug("ignoring undecodable frame")
		return
	}
	if probe.Event == EventAck {
		t.mu.Lock()
		ch, ok := t.pending[probe.ID]
		delete(t.pending, probe.ID)
		t.mu.Unlock()
		if ok {
			close(ch)
		}
		return
	}
	if probe.Topic != "" {
		t.handlers.dispatch(probe.Topic, probe.Payload)
	}
}

func (t *RemoteTransport) Join(ctx context.Context, topics []string) error {
	return t.control(ctx, EventJoin, topics)
}

func (t *RemoteTransport) Leave(ctx context.Context, topics []string) error {
	return t.control(ctx, EventLeave, topics)
}

func (t *RemoteTransport) On(topic string, h subscription.Handler) func() {
	return t.handlers.add(topic, h)
}

// control writes a join or leave frame and waits for the gateway's ack.
func (t *RemoteTransport) control(ctx context.Context, event string, topics []string) error {
	select {
	case <-t.done:
		return liveerr.TransportClosed()
	default:
	}

	id := uuid.NewString()
	acked := make(chan struct{})
	t.mu.Lock()
	t.pending[id] = acked
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	frame, err := json.Marshal(controlFrame{Event: event, Topics: topics, ID: id})
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = t.conn.WriteMessage(websocket.TextMessage, frame)
	t.writeMu.Unlock()
	if err != nil {
		return liveerr.Wrap(err, liveerr.CodeTransportClosed, "writing control frame")
	}

	timer := time.NewTimer(t.ackWait)
	defer timer.Stop()
	select {
	case <-acked:
		return nil
	case <-timer.C:
		return liveerr.New(liveerr.CodeSubscriptionFailed, "no acknowledgement from gateway").
			WithDetail("event", event).WithDetail("wait", t.ackWait.String())
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return liveerr.TransportClosed()
	}
}

// Done is closed once the connection is gone.
func (t *RemoteTransport) Done() <-chan struct{} { return t.done }

// Close sends a close frame and waits for the read loop to exit.
func (t *RemoteTransport) Close() error {
	t.writeMu.Lock()
	err := t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	t.writeMu.Unlock()
	if err != nil {
		t.conn.Close()
	}
	select {
	case <-t.done:
	case <-time.After(writeWait):
		t.conn.Close()
		<-t.done
	}
	return nil
}

func (t *RemoteTransport) shutdown() {
	t.closeOnce.Do(func() {
		t.conn.Close()
		close(t.done)
	})
}
