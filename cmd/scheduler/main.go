// Command scheduler consumes job descriptions from the bus and runs each as
// an isolated child process under a fixed concurrency budget, with
// priority-based admission, eviction, and per-job timeouts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaypool/dispatch/internal/dispatch/bin"
	"github.com/relaypool/dispatch/internal/dispatch/busclient"
	"github.com/relaypool/dispatch/internal/dispatch/cgroup"
	"github.com/relaypool/dispatch/internal/dispatch/manager"
	"github.com/relaypool/dispatch/internal/dispatch/runner"
	"github.com/relaypool/dispatch/internal/dispatch/worker"
	"github.com/relaypool/dispatch/internal/encrypt"
	"github.com/relaypool/dispatch/internal/log"
)

var logger = log.New(os.Stdout, "scheduler")

var (
	sizeFlag    = flag.Int("s", 5, "pool size: max concurrently running jobs")
	timeoutFlag = flag.Float64("t", 10, "per-job timeout, in seconds")
	debugFlag   = flag.Bool("d", false, "enable debug logging")
	addrFlag    = flag.String("addr", "ws://localhost:8101", "bus address")
	certFlag    = flag.String("cert", "", "path to client certificate")
	keyFlag     = flag.String("key", "", "path to client private key")
	caCertFlag  = flag.String("ca_cert", "", "path to CA certificate")
)

const (
	ecSuccess = iota
	// ecTLSConfig indicates the client TLS config could not be built.
	ecTLSConfig
	// ecCgroupService indicates the optional cgroup confinement service could
	// not be constructed; unlike production jobworker, dispatch does not
	// treat this as fatal (see the cgroup.NewService call in run) — this code is reserved
	// for symmetry with the teacher's exit-code table but is never currently
	// returned, since cgroup confinement degrades to unconfined on failure.
	_
	// ecDial indicates the scheduler could not connect to the bus.
	ecDial
)

func main() {
	// A process.Task reexecs the current binary with worker.ReexecArg as its
	// sole argument to run the demo "sleep N seconds" workload. This must be
	// checked before flag.Parse(), since the reexec'd invocation carries no
	// recognized flags.
	if len(os.Args) > 1 && os.Args[1] == worker.ReexecArg {
		code, err := worker.Run(context.Background())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(code)
	}

	flag.Parse()
	if *debugFlag {
		log.SetLevel(log.LevelDebug)
	}

	os.Exit(run())
}

func run() int {
	var tlsOpt busclient.Option
	if *certFlag != "" && *keyFlag != "" && *caCertFlag != "" {
		cfg, err := encrypt.NewClientTLSConfig(*certFlag, *keyFlag, *caCertFlag)
		if err != nil {
			logger.Errorf("build client TLS config; error: %s", err)
			return ecTLSConfig
		}
		tlsOpt = busclient.WithTLSConfig(cfg)
	}

	var runnerOpts []runner.Option
	if cgroupSvc, err := cgroup.NewService(); err != nil {
		logger.Warnf("cgroup confinement unavailable; jobs will run unconfined; error: %s", err)
	} else {
		defer cgroupSvc.Cleanup()
		runnerOpts = append(runnerOpts, runner.WithCgroup(cgroupSvc))
	}

	timeout := time.Duration(*timeoutFlag * float64(time.Second))
	r := runner.New(*sizeFlag, timeout, runnerOpts...)
	b := bin.New(r)
	mgr := manager.New(b)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var clientOpts []busclient.Option
	if tlsOpt != nil {
		clientOpts = append(clientOpts, tlsOpt)
	}
	client := busclient.New(*addrFlag, timeout, clientOpts...)

	logger.Infof("scheduler started; pool size: %d, timeout: %s, addr: %s", *sizeFlag, timeout, *addrFlag)
	err := client.Run(ctx, mgr)
	mgr.ShutdownAll()

	if ctx.Err() != nil {
		logger.Infof("shutdown signal received; exiting cleanly")
		return ecSuccess
	}
	if errors.Is(err, busclient.ErrDial) {
		logger.Errorf("connect to bus; error: %s", err)
		return ecDial
	}
	logger.Infof("bus disconnected; shutting down; error: %s", err)
	return ecSuccess
}
