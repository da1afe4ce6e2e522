// Command bus runs the broadcast relay between producer and scheduler
// peers: a WebSocket endpoint that fans job_request payloads out to every
// registered scheduler other than the sender.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaypool/dispatch/internal/dispatch/relay"
	"github.com/relaypool/dispatch/internal/encrypt"
	"github.com/relaypool/dispatch/internal/log"
)

var logger = log.New(os.Stdout, "bus")

var (
	addrFlag   = flag.String("addr", ":8101", "address to listen on")
	certFlag   = flag.String("cert", "", "path to server certificate")
	keyFlag    = flag.String("key", "", "path to server private key")
	caCertFlag = flag.String("ca_cert", "", "path to CA certificate")
)

const (
	ecSuccess = iota
	ecTLSConfig
	ecListen
	ecServe
)

// shutdownGrace bounds how long the bus waits for in-flight connections to
// close once a shutdown signal arrives.
const shutdownGrace = 5 * time.Second

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	r := relay.New()
	srv := &http.Server{Addr: *addrFlag, Handler: r}

	if *certFlag != "" && *keyFlag != "" && *caCertFlag != "" {
		cfg, err := encrypt.NewServermTLSConfig(*certFlag, *keyFlag, *caCertFlag)
		if err != nil {
			logger.Errorf("build server TLS config; error: %s", err)
			return ecTLSConfig
		}
		srv.TLSConfig = cfg
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("bus listening; addr: %s", *addrFlag)
		if srv.TLSConfig != nil {
			serveErr <- srv.ListenAndServeTLS("", "")
		} else {
			serveErr <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return ecSuccess
		}
		logger.Errorf("serve; error: %s", err)
		return ecServe
	case <-ctx.Done():
	}

	logger.Infof("shutdown signal received; draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown; error: %s", err)
		return ecListen
	}
	return ecSuccess
}
