// Package ws is a WebSocket signaling transport adapter.
//
// It speaks JSON batch frames to a signaling gateway: each WebSocket message
// carries every signaling event the gateway grouped into one delivery cycle.
// Outbound it implements the call.Sender interface; inbound batches are
// handed whole to the batch handler, which is expected to feed them to the
// engine's buffer and flush, so that events delivered together are applied
// together.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcsignal/signaling"
)

var (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = 54 * time.Second
)

// Frame is one signaling event on the wire.
type Frame struct {
	EventID  string              `json:"event_id"`
	RoomID   string              `json:"room_id"`
	Sender   string              `json:"sender"`
	Type     signaling.EventType `json:"type"`
	Content  json.RawMessage     `json:"content"`
	OriginMS int64               `json:"origin_ts"`
}

// Batch is one WebSocket message. The gateway groups events that arrived in
// the same delivery cycle into a single batch; the receiver must apply them
// as a unit so cross-event resolution (an invite answered or hung up within
// the same cycle) sees the whole picture.
type Batch struct {
	Events []Frame `json:"events"`
}

// Client connects a device to a signaling gateway.
type Client struct {
	url    string
	userID string
	log    *logrus.Entry

	reconnectBase time.Duration
	reconnectMax  time.Duration
	pongWait      time.Duration
	pingPeriod    time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	handler func(batch []*signaling.Event)
	closed  chan struct{}
}

// Dial connects to the gateway and starts the read loop. The read loop
// reconnects with capped exponential backoff until Close is called, and
// keeps each connection alive with periodic pings.
func Dial(ctx context.Context, url, userID string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing signaling gateway: %w", err)
	}
	c := &Client{
		url:           url,
		userID:        userID,
		conn:          conn,
		closed:        make(chan struct{}),
		reconnectBase: reconnectBaseDelay,
		reconnectMax:  reconnectMaxDelay,
		pongWait:      pongWait,
		pingPeriod:    pingPeriod,
		log: logrus.WithFields(logrus.Fields{
			"component": "ws_transport",
			"url":       url,
		}),
	}
	go c.readLoop()
	return c, nil
}

// SetBatchHandler registers the receiver of inbound event batches.
func (c *Client) SetBatchHandler(f func(batch []*signaling.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = f
}

// SendSignaling implements the call.Sender interface. Outbound events go as
// single-event batches.
func (c *Client) SendSignaling(ctx context.Context, roomID string, evType signaling.EventType, content any) error {
	data, err := signaling.EncodeContent(content)
	if err != nil {
		return err
	}
	batch := Batch{Events: []Frame{{
		EventID:  uuid.NewString(),
		RoomID:   roomID,
		Sender:   c.userID,
		Type:     evType,
		Content:  data,
		OriginMS: time.Now().UnixMilli(),
	}}}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("signaling gateway not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteJSON(&batch)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing signaling frame: %w", err)
	}
	return nil
}

// Close shuts the client down. Safe to call once.
func (c *Client) Close() error {
	close(c.closed)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// readLoop reads batches, converts them to events and hands them to the
// batch handler, reconnecting on failure.
func (c *Client) readLoop() {
	delay := c.reconnectBase
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			if c.readBatches(conn) {
				return
			}
		}

		select {
		case <-c.closed:
			return
		case <-time.After(delay):
		}
		if delay < c.reconnectMax {
			delay *= 2
			if delay > c.reconnectMax {
				delay = c.reconnectMax
			}
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"function": "readLoop",
				"delay":    delay,
				"error":    err.Error(),
			}).Warn("Reconnect failed")
			continue
		}
		delay = c.reconnectBase
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{
			"function": "readLoop",
		}).Info("Reconnected to signaling gateway")
	}
}

// pingLoop keeps one connection alive until it is torn down.
func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				c.log.WithFields(logrus.Fields{
					"function": "pingLoop",
					"error":    err.Error(),
				}).Warn("Keepalive ping failed")
				return
			}
		}
	}
}

// readBatches reads until the connection fails. Returns true when the client
// is closed for good.
func (c *Client) readBatches(conn *websocket.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	stop := make(chan struct{})
	go c.pingLoop(conn, stop)
	defer close(stop)

	for {
		var batch Batch
		if err := conn.ReadJSON(&batch); err != nil {
			select {
			case <-c.closed:
				return true
			default:
			}
			c.log.WithFields(logrus.Fields{
				"function": "readBatches",
				"error":    err.Error(),
			}).Warn("Read failed, will reconnect")
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			conn.Close()
			return false
		}
		if len(batch.Events) == 0 {
			continue
		}

		events := make([]*signaling.Event, 0, len(batch.Events))
		for _, frame := range batch.Events {
			ev := &signaling.Event{
				ID:      frame.EventID,
				Type:    frame.Type,
				RoomID:  frame.RoomID,
				Sender:  frame.Sender,
				Content: frame.Content,
			}
			if frame.OriginMS > 0 {
				if age := time.Since(time.UnixMilli(frame.OriginMS)); age > 0 {
					ev.LocalAge = age
				}
			}
			events = append(events, ev)
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(events)
		}
	}
}
