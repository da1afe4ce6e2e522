// Package relay implements the bus: a broadcast fan-out between registered
// producer and scheduler WebSocket peers.
package relay

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relaypool/dispatch/internal/dispatch/wire"
	"github.com/relaypool/dispatch/internal/log"
)

var logger = log.New(os.Stdout, "relay")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// New creates an empty Relay.
func New() *Relay {
	return &Relay{
		producers:  make(map[*websocket.Conn]struct{}),
		schedulers: make(map[*websocket.Conn]*peerConn),
	}
}

// peerConn pairs a scheduler's connection with the mutex guarding writes to
// it. gorilla/websocket forbids concurrent writers on one *websocket.Conn;
// without this, two producers broadcasting to the same scheduler at once
// would corrupt the frame.
type peerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peerConn) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

// Relay holds the live WebSocket connections of registered producers and
// schedulers and re-broadcasts job_request payloads between them.
type Relay struct {
	mu         sync.Mutex
	producers  map[*websocket.Conn]struct{}
	schedulers map[*websocket.Conn]*peerConn
}

// ServeHTTP upgrades the incoming connection and serves it until the peer
// disconnects or sends an unreadable frame.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Errorf("upgrade connection; error: %s", err)
		return
	}
	defer conn.Close()
	defer r.forget(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warnf("malformed frame; error: %s", err)
			continue
		}

		switch env.Cmd {
		case wire.CmdRegister:
			r.register(conn, env.Type)
		case wire.CmdJobRequest:
			r.broadcastJob(conn, env.Payload)
		default:
			logger.Warnf("unknown frame cmd; cmd: %s", env.Cmd)
		}
	}
}

func (r *Relay) register(conn *websocket.Conn, peerType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch peerType {
	case wire.PeerProducer:
		r.producers[conn] = struct{}{}
	case wire.PeerScheduler:
		r.schedulers[conn] = &peerConn{conn: conn}
	default:
		logger.Warnf("unknown register type; type: %s", peerType)
	}
}

// broadcastJob re-broadcasts payload — the bare payload object, not the
// envelope it arrived in — to every registered scheduler other than
// sender. No buffering, no ack, no backpressure: a blocked write to one
// scheduler stalls the others (see SPEC_FULL.md §9).
func (r *Relay) broadcastJob(sender *websocket.Conn, payload json.RawMessage) {
	r.mu.Lock()
	targets := make([]*peerConn, 0, len(r.schedulers))
	for conn, p := range r.schedulers {
		if conn == sender {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.Unlock()

	for _, p := range targets {
		if err := p.writeJSON(json.RawMessage(payload)); err != nil {
			logger.Warnf("broadcast job to scheduler; error: %s", err)
		}
	}
}

func (r *Relay) forget(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, conn)
	delete(r.schedulers, conn)
}
