// Package busclient implements the scheduler-side bus connection: register
// as a scheduler, decode inbound job payloads, and hand them to a
// manager.Manager.
package busclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaypool/dispatch/internal/dispatch/manager"
	"github.com/relaypool/dispatch/internal/dispatch/wire"
	"github.com/relaypool/dispatch/internal/log"
)

var logger = log.New(os.Stdout, "busclient")

// ErrDial indicates the initial connection to the bus could not be
// established — an unrecoverable startup failure, distinct from a
// BusDisconnect encountered after the client was already registered and
// serving (spec.md §6's "nonzero on unrecoverable startup failure").
var ErrDial = errors.New("busclient: dial bus")

// Option mutates a Client at construction time.
type Option func(*Client)

// WithTLSConfig sets the TLS config the dialer uses for a wss:// bus
// address. The address scheme is not changed: a ws:// address is still
// dialed in plaintext.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// New creates a Client that will dial addr and apply timeout to every
// task.Description it constructs from an inbound job payload.
func New(addr string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{addr: addr, timeout: timeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Client is the scheduler side of the bus connection.
type Client struct {
	addr      string
	timeout   time.Duration
	tlsConfig *tls.Config
}

// Run dials the bus, registers as a scheduler, and feeds decoded job
// descriptions to mgr until ctx is cancelled or the bus closes the
// connection. It always returns a non-nil error: one wrapping ErrDial if
// the bus could not be reached, otherwise a BusDisconnect (spec.md §7).
// Either way the caller is expected to shut the manager down and exit.
func (c *Client) Run(ctx context.Context, mgr *manager.Manager) error {
	dialer := websocket.Dialer{TLSClientConfig: c.tlsConfig}
	conn, _, err := dialer.DialContext(ctx, c.addr, nil)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDial, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(wire.NewRegisterFrame(wire.PeerScheduler)); err != nil {
		return fmt.Errorf("register scheduler: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read job payload: %w", err)
		}

		var payload wire.JobPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			logger.Warnf("malformed frame; error: %s", err)
			continue
		}
		if err := payload.Validate(); err != nil {
			logger.Warnf("malformed job payload; error: %s", err)
			continue
		}
		mgr.Handle(payload.ToDescription(c.timeout))
	}
}
