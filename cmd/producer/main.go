// Command producer is a traffic generator: it connects to the bus,
// registers as a producer, and emits randomized job requests at random
// intervals until told to stop.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaypool/dispatch/internal/dispatch/producer"
	"github.com/relaypool/dispatch/internal/dispatch/wire"
	"github.com/relaypool/dispatch/internal/encrypt"
	"github.com/relaypool/dispatch/internal/log"
)

var logger = log.New(os.Stdout, "producer")

var (
	periodFlag = flag.Float64("p", 5, "mean inter-submission period, in seconds")
	gaussFlag  = flag.Bool("g", false, "use Gaussian inter-arrival times instead of constant")
	stddevFlag = flag.Float64("s", 2, "standard deviation for -g, in seconds")
	addrFlag   = flag.String("addr", "ws://localhost:8101", "bus address")
	certFlag   = flag.String("cert", "", "path to client certificate")
	keyFlag    = flag.String("key", "", "path to client private key")
	caCertFlag = flag.String("ca_cert", "", "path to CA certificate")
)

const (
	ecSuccess = iota
	ecTLSConfig
	ecDial
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	var tlsConfig *tls.Config
	if *certFlag != "" && *keyFlag != "" && *caCertFlag != "" {
		cfg, err := encrypt.NewClientTLSConfig(*certFlag, *keyFlag, *caCertFlag)
		if err != nil {
			logger.Errorf("build client TLS config; error: %s", err)
			return ecTLSConfig
		}
		tlsConfig = cfg
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	delay := producer.ConstantDelay(time.Duration(*periodFlag * float64(time.Second)))
	if *gaussFlag {
		delay = producer.GaussianDelay(
			time.Duration(*periodFlag*float64(time.Second)),
			time.Duration(*stddevFlag*float64(time.Second)),
		)
	}
	gen := producer.New(delay)

	dialer := websocket.Dialer{TLSClientConfig: tlsConfig}
	conn, _, err := dialer.DialContext(ctx, *addrFlag, nil)
	if err != nil {
		logger.Errorf("dial bus; error: %s", err)
		return ecDial
	}
	defer conn.Close()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopWatch:
		}
	}()

	if err := conn.WriteJSON(wire.NewRegisterFrame(wire.PeerProducer)); err != nil {
		logger.Errorf("register producer; error: %s", err)
		return ecSuccess
	}

	logger.Infof("producer started; addr: %s", *addrFlag)
	for {
		job, wait := gen.Next()
		if err := conn.WriteJSON(wire.NewJobRequestFrame(job)); err != nil {
			if ctx.Err() != nil || errors.Is(err, websocket.ErrCloseSent) {
				logger.Infof("shutdown signal received; exiting cleanly")
				return ecSuccess
			}
			logger.Warnf("submit job; error: %s", err)
			return ecSuccess
		}
		logger.Debugf("submitted job; runtime: %d, priority: %d", job.Runtime, job.Priority)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			logger.Infof("shutdown signal received; exiting cleanly")
			return ecSuccess
		}
	}
}
