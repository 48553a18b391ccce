package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
)

// WebSocketConfig configures the websocket dialer.
type WebSocketConfig struct {
	// BaseURL is the ws:// or wss:// origin of the namespace broker.
	BaseURL        string
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultWebSocketConfig returns the broker's keepalive settings.
func DefaultWebSocketConfig(baseURL string) WebSocketConfig {
	return WebSocketConfig{
		BaseURL:        baseURL,
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
	}
}

// WebSocketDialer dials namespace endpoints at BaseURL + "/realtime/<ns>".
type WebSocketDialer struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
}

func NewWebSocketDialer(cfg WebSocketConfig) *WebSocketDialer {
	def := DefaultWebSocketConfig(cfg.BaseURL)
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &WebSocketDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// URL returns the endpoint for namespace.
func (d *WebSocketDialer) URL(namespace string) string {
	return strings.TrimRight(d.cfg.BaseURL, "/") + "/realtime/" + strings.Trim(namespace, "/")
}

// Dial performs the handshake with the credential in the Authorization
// header. A 401 or 403 handshake response wraps ErrUnauthorized.
func (d *WebSocketDialer) Dial(ctx context.Context, namespace, token string) (Transport, error) {
	u := d.URL(namespace)
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("connection: dial %s: %w", u, err)
	}
	return newWSTransport(conn, d.cfg), nil
}

type readResult struct {
	frame domain.Frame
	err   error
}

type wsTransport struct {
	conn    *websocket.Conn
	cfg     WebSocketConfig
	send    chan []byte
	inbound chan readResult
	done    chan struct{}
	once    sync.Once
}

func newWSTransport(conn *websocket.Conn, cfg WebSocketConfig) *wsTransport {
	t := &wsTransport{
		conn:    conn,
		cfg:     cfg,
		send:    make(chan []byte, cfg.SendBuffer),
		inbound: make(chan readResult),
		done:    make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
	return t
}

func (t *wsTransport) Send(f domain.Frame) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		return ErrSendBufferFull
	}
}

func (t *wsTransport) Receive(ctx context.Context) (domain.Frame, error) {
	select {
	case <-t.done:
		return domain.Frame{}, ErrTransportClosed
	default:
	}

	select {
	case r := <-t.inbound:
		return r.frame, r.err
	case <-t.done:
		return domain.Frame{}, ErrTransportClosed
	case <-ctx.Done():
		return domain.Frame{}, ctx.Err()
	}
}

func (t *wsTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.cfg.WriteWait),
		)
		t.conn.Close()
	})
	return nil
}

func (t *wsTransport) deliver(r readResult) bool {
	select {
	case t.inbound <- r:
		return true
	case <-t.done:
		return false
	}
}

func (t *wsTransport) readPump() {
	t.conn.SetReadLimit(t.cfg.MaxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				err = &CloseError{Code: ce.Code, Text: ce.Text}
			}
			t.deliver(readResult{err: err})
			return
		}

		var f domain.Frame
		if err := json.Unmarshal(message, &f); err != nil || f.Event == "" {
			l := log.L()
			l.Debug().Int("size", len(message)).Msg("dropping malformed frame")
			continue
		}
		if !t.deliver(readResult{frame: f}) {
			return
		}
	}
}

func (t *wsTransport) writePump() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-t.done:
			return
		}
	}
}
