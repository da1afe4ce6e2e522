// Package worker implements the demo "sleep N seconds" workload that a
// dispatch scheduler reexecs itself to run. The workload itself is outside
// the system's hard engineering core; the mechanism that launches it (see
// internal/dispatch/process) is not.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/relaypool/dispatch/internal/log"
)

var logger = log.New(os.Stdout, "worker")

// ReexecArg is the hidden subcommand a dispatch binary recognizes as "I am
// the reexec'd child; read my Spec off fd 3 and run the demo workload."
const ReexecArg = "__dispatch_worker__"

// Spec describes one workload instance, passed from parent to child over
// the cmd pipe as JSON.
type Spec struct {
	ID      uuid.UUID
	Runtime time.Duration
}

// cmdFD and continueFD are the well-known file descriptors the parent
// process sets up via exec.Cmd.ExtraFiles before reexecing itself.
const (
	cmdFD      = 3
	continueFD = 4
)

// Run is the entry point executed by the reexec'd child. It reads its Spec
// off the cmd pipe, waits for the parent's continue signal (sent once the
// child has optionally been placed in a cgroup), then sleeps for the
// Spec.Runtime duration. SIGINT is ignored, matching the original Sleeper
// workload: the process is stopped only by the parent's explicit
// termination (SIGTERM), never a terminal-wide Ctrl-C broadcast.
func Run(ctx context.Context) (int, error) {
	signal.Ignore(syscall.SIGINT)

	cmdfd := os.NewFile(uintptr(cmdFD), "/proc/self/fd/3")
	if cmdfd == nil {
		return exitFailure, errors.New("worker: cmd pipe not found")
	}

	contfd := os.NewFile(uintptr(continueFD), "/proc/self/fd/4")
	if contfd == nil {
		return exitFailure, errors.New("worker: continue pipe not found")
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(cmdfd); err != nil {
		return exitFailure, errors.Wrap(err, "worker: read spec")
	}

	var spec Spec
	if err := json.Unmarshal(buf.Bytes(), &spec); err != nil {
		return exitFailure, errors.Wrap(err, "worker: unmarshal spec")
	}

	if err := waitForContinue(ctx, contfd); err != nil {
		return exitFailure, errors.Wrap(err, "worker: wait for continue")
	}

	logger.Infof("sleeping; id: %s, runtime: %s", spec.ID, spec.Runtime)
	select {
	case <-time.After(spec.Runtime):
	case <-ctx.Done():
		return exitFailure, ctx.Err()
	}
	logger.Infof("done sleeping; id: %s", spec.ID)

	return exitSuccess, nil
}

// waitForContinue blocks until the parent closes fd, signalling it is safe
// to proceed.
func waitForContinue(ctx context.Context, fd io.ReadCloser) error {
	go func() {
		<-ctx.Done()
		fd.Close()
	}()

	b := make([]byte, 1)
	_, err := fd.Read(b)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

const (
	// exitSuccess indicates the workload ran to completion.
	exitSuccess = 0
	// exitFailure indicates the workload failed before or during execution.
	exitFailure = 100
)
