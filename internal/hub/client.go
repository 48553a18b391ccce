package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/middleware"
)

// Client is one authenticated websocket connection to a namespace.
type Client struct {
	ID        string
	Namespace string
	Identity  middleware.Identity
	Hub       *Hub
	Conn      *websocket.Conn
	Send      chan []byte
	config    Config
}

func NewClient(id, namespace string, identity middleware.Identity, hub *Hub, conn *websocket.Conn, cfg Config) *Client {
	buf := cfg.SendBuffer
	if buf <= 0 {
		buf = 256
	}
	return &Client{
		ID:        id,
		Namespace: namespace,
		Identity:  identity,
		Hub:       hub,
		Conn:      conn,
		Send:      make(chan []byte, buf),
		config:    cfg,
	}
}

// ReadPump decodes frames and passes them to handler until the connection
// fails, then unregisters the client.
func (c *Client) ReadPump(handler func(*Client, domain.Frame)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldClientID, c.ID).Msg("websocket read error")
			}
			break
		}

		var f domain.Frame
		if err := json.Unmarshal(message, &f); err != nil || f.Event == "" {
			c.SendError(domain.ErrCodeBadRequest, "invalid frame")
			continue
		}

		handler(c, f)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendFrame queues one frame for this client.
func (c *Client) SendFrame(event string, payload interface{}) error {
	data, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	c.Hub.send(c, data)
	return nil
}

// SendError queues an error frame.
func (c *Client) SendError(code, message string) {
	_ = c.SendFrame(domain.EventError, domain.ErrorPayload{Code: code, Message: message})
}
