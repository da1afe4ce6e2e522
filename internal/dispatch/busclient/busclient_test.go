package busclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaypool/dispatch/internal/dispatch/bin"
	"github.com/relaypool/dispatch/internal/dispatch/manager"
	"github.com/relaypool/dispatch/internal/dispatch/runner"
	"github.com/relaypool/dispatch/internal/dispatch/wire"
	"github.com/relaypool/dispatch/internal/dispatch/worker"
)

// TestMain lets this test binary double as the reexec'd child for the real
// jobs the runner starts below.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == worker.ReexecArg {
		code, err := worker.Run(context.Background())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(code)
	}
	os.Exit(m.Run())
}

var upgrader = websocket.Upgrader{}

// fakeBus serves one connection, expects a scheduler register frame, then
// writes each of payloads as a raw JSON text frame — exactly the shape
// relay.Relay forwards to a registered scheduler.
func fakeBus(t *testing.T, payloads []wire.JobPayload) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %s", err)
			return
		}
		defer conn.Close()

		var reg wire.RegisterFrame
		if err := conn.ReadJSON(&reg); err != nil {
			t.Errorf("read register frame: %s", err)
			return
		}
		if reg.Cmd != wire.CmdRegister || reg.Type != wire.PeerScheduler {
			t.Errorf("register frame = %+v, want scheduler register", reg)
			return
		}

		for _, p := range payloads {
			if err := conn.WriteJSON(p); err != nil {
				return
			}
		}
		// Keep the connection open briefly so the client reads every payload
		// before the handler returns and closes the connection, which is
		// what ends the client's Run.
		time.Sleep(200 * time.Millisecond)
	}))
}

// TestRunRegistersAndRoutesJobs exercises spec.md §4.5 end to end: dial,
// register as scheduler, decode inbound payloads, hand each to the
// manager.
func TestRunRegistersAndRoutesJobs(t *testing.T) {
	srv := fakeBus(t, []wire.JobPayload{
		{Runtime: 5, Priority: 3},
		{Runtime: 8, Priority: 1},
	})
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	r := runner.New(2, 0)
	b := bin.New(r)
	mgr := manager.New(b)

	client := New(url, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_ = client.Run(ctx, mgr)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.Len() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if r.Len() != 2 {
		t.Fatalf("active jobs = %d, want 2", r.Len())
	}
}

// fakeBusWithGarbage behaves like fakeBus but writes a malformed (non-JSON)
// text frame before the valid payloads, exercising spec.md §7's
// MalformedMessage row: a bad frame must be logged and dropped, not treated
// as a disconnect.
func fakeBusWithGarbage(t *testing.T, payloads []wire.JobPayload) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %s", err)
			return
		}
		defer conn.Close()

		var reg wire.RegisterFrame
		if err := conn.ReadJSON(&reg); err != nil {
			t.Errorf("read register frame: %s", err)
			return
		}
		if reg.Cmd != wire.CmdRegister || reg.Type != wire.PeerScheduler {
			t.Errorf("register frame = %+v, want scheduler register", reg)
			return
		}

		if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
			return
		}
		for _, p := range payloads {
			if err := conn.WriteJSON(p); err != nil {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}))
}

// TestRunDropsMalformedFrameAndContinues exercises spec.md §7's
// MalformedMessage row at the scheduler-side bus client: a non-JSON frame
// must be logged and dropped without disconnecting, so the valid payload
// that follows it still reaches the manager.
func TestRunDropsMalformedFrameAndContinues(t *testing.T) {
	srv := fakeBusWithGarbage(t, []wire.JobPayload{
		{Runtime: 5, Priority: 3},
	})
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	r := runner.New(1, 0)
	b := bin.New(r)
	mgr := manager.New(b)

	client := New(url, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_ = client.Run(ctx, mgr)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.Len() < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	if r.Len() != 1 {
		t.Fatalf("active jobs = %d, want 1 (malformed frame should not have disconnected the client)", r.Len())
	}
}

// TestRunReturnsErrDialOnUnreachableBus matches spec.md §6's "nonzero on
// unrecoverable startup failure".
func TestRunReturnsErrDialOnUnreachableBus(t *testing.T) {
	r := runner.New(1, 0)
	b := bin.New(r)
	mgr := manager.New(b)

	client := New("ws://127.0.0.1:1", 0)
	err := client.Run(context.Background(), mgr)
	if !errors.Is(err, ErrDial) {
		t.Fatalf("err = %v, want ErrDial", err)
	}
}
