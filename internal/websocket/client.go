// internal/websocket/client.go
package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"sensorstate-gateway/internal/metrics"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Maximum control frame size allowed from peer.
	sendBuffer     = 256
)

// Control frame events.
const (
	EventJoin  = "join"
	EventLeave = "leave"
	EventAck   = "ack"
)

// controlFrame is sent by peers to change their topics, and back by the hub
// to acknowledge them.
type controlFrame struct {
	Event  string   `json:"event"`
	Topics []string `json:"topics,omitempty"`
	ID     string   `json:"id,omitempty"`
}

// dataFrame carries one publication to a peer.
type dataFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn // The websocket connection.
	Send chan []byte     // Buffered channel of outbound messages.
	ID   string
}

func NewClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{Hub: hub, Conn: conn, Send: make(chan []byte, sendBuffer), ID: id}
}

func (c *Client) deliver(topic string, payload []byte) bool {
	frame, err := json.Marshal(dataFrame{Topic: topic, Payload: payload})
	if err != nil {
		return true
	}
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() { close(c.Send) }

func (c *Client) name() string { return c.ID }

// reply queues a control frame; it runs on the hub goroutine so it must not block.
// A peer too slow to take its ack is disconnected, which ends its ReadPump.
func (c *Client) reply(f controlFrame) {
	frame, _ := json.Marshal(f)
	select {
	case c.Send <- frame:
	default:
		c.Hub.log.WithField("subscriber", c.ID).Warn("send buffer full, dropping client")
		metrics.HubDropped.Inc()
		c.Conn.Close()
	}
}

// ReadPump pumps control frames from the websocket connection to the hub.
func (c *Client) ReadPump() {
	log := c.Hub.log.WithField("client", c.ID)
	defer func() {
		c.Hub.send(c.Hub.unregister, c)
		c.Conn.Close()
		log.Debug("readPump finished")
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("websocket read error")
			}
			break
		}

		var f controlFrame
		if err := json.Unmarshal(message, &f); err != nil || len(f.Topics) == 0 {
			log.WithField("frame", string(message)).Debug("ignoring unexpected frame")
			continue
		}

		var ch chan topicRequest
		switch f.Event {
		case EventJoin:
			ch = c.Hub.join
		case EventLeave:
			ch = c.Hub.leave
		default:
			log.WithField("event", f.Event).Debug("ignoring unknown event")
			continue
		}

		id := f.ID
		s := topicRequest{sub: c, topics: f.Topics, ack: func(applied bool) {
			if applied && id != "" {
				c.reply(controlFrame{Event: EventAck, ID: id})
			}
		}}
		select {
		case ch <- s:
		case <-c.Hub.done:
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message, one frame per line.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
