package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
)

var (
	// ErrNotConnected is returned by Emit when no transport is live.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrUnauthorized marks a handshake or close rejected for the credential.
	ErrUnauthorized = errors.New("connection: credential rejected")
	// ErrTransportClosed is returned by a transport after Close.
	ErrTransportClosed = errors.New("connection: transport closed")
	// ErrSendBufferFull is returned when a transport cannot queue a frame.
	ErrSendBufferFull = errors.New("connection: send buffer full")
)

// Transport is one live duplex channel. Implementations must allow Send
// and Close to be called concurrently with Receive.
type Transport interface {
	// Send queues a frame for writing without blocking.
	Send(f domain.Frame) error
	// Receive blocks until the next inbound frame or a terminal error.
	Receive(ctx context.Context) (domain.Frame, error)
	// Close releases the transport. Pending and later Receive calls fail.
	Close() error
}

// Dialer opens transports to a namespace with a credential carried in the
// handshake. A rejected credential must be reported with an error wrapping
// ErrUnauthorized.
type Dialer interface {
	Dial(ctx context.Context, namespace, token string) (Transport, error)
}

// CloseError reports a close frame received from the peer.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection: closed by peer (%d %s)", e.Code, e.Text)
}

// Is makes close codes reserved for credential rejection match ErrUnauthorized.
func (e *CloseError) Is(target error) bool {
	return target == ErrUnauthorized && (e.Code == domain.CloseUnauthorized || e.Code == closePolicyViolation)
}

const (
	closeNormal          = 1000
	closeGoingAway       = 1001
	closePolicyViolation = 1008
)

// classify maps a dial or receive error to a disconnect reason.
func classify(err error) Reason {
	if errors.Is(err, ErrUnauthorized) {
		return ReasonAuthRejected
	}
	var ce *CloseError
	if errors.As(err, &ce) && (ce.Code == closeNormal || ce.Code == closeGoingAway) {
		return ReasonServerDisconnect
	}
	return ReasonTransportError
}
