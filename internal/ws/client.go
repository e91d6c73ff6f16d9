package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 64 << 10
)

// Client wraps one websocket connection for one identity. An identity may
// hold several clients at once (multi-device); each tracks its room set
// independently in the hub.
type Client struct {
	ID       string
	UserID   uuid.UUID
	Username string

	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

func NewClient(userID uuid.UUID, username string, conn *websocket.Conn) *Client {
	return &Client{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		conn:     conn,
		send:     make(chan []byte, 128),
		closed:   make(chan struct{}),
	}
}

// Send enqueues raw bytes for delivery. A slow client whose buffer fills is
// closed so one stalled socket cannot hold fan-out memory hostage.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("send buffer full")
	}
}

// SendEvent encodes and enqueues a typed event for this client only.
func (c *Client) SendEvent(ev Event) error {
	b, err := ev.Encode()
	if err != nil {
		return err
	}
	return c.Send(b)
}

// Close terminates the connection once. Safe to call from any goroutine.
func (c *Client) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close(websocket.CloseNormalClosure, "")
	}()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
