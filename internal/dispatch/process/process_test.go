package process

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/relaypool/dispatch/internal/dispatch/worker"
)

// TestMain lets this test binary double as the reexec'd child: when invoked
// with worker.ReexecArg (exactly how a production dispatch binary is
// reexec'd by process.Task.Start), it runs the demo workload directly
// instead of the test suite. This avoids any dependency on /bin/sleep
// existing in the test environment.
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

func TestNewTaskIsFresh(t *testing.T) {
	task := New(10 * time.Millisecond)
	if task.State() != Fresh {
		t.Fatalf("state = %s, want fresh", task.State())
	}
	if task.ExitCode() != noExitCode {
		t.Fatalf("exit code = %d, want %d", task.ExitCode(), noExitCode)
	}
}

func TestStartRunsToCompletion(t *testing.T) {
	task := New(20 * time.Millisecond)

	done := make(chan struct{})
	task.OnDone(func(*Task) { close(done) })

	if err := task.Start(0); err != nil {
		t.Fatalf("start: %s", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion callback")
	}

	if task.State() != Exited {
		t.Fatalf("state = %s, want exited", task.State())
	}
	if task.ExitCode() != 0 {
		t.Fatalf("exit code = %d, want 0", task.ExitCode())
	}
}

func TestStartTwiceReturnsAlreadyStarted(t *testing.T) {
	task := New(20 * time.Millisecond)
	if err := task.Start(0); err != nil {
		t.Fatalf("start: %s", err)
	}
	defer task.Wait()
	defer task.Terminate()

	if err := task.Start(0); err != ErrAlreadyStarted {
		t.Fatalf("second start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestTerminateStopsRunningTask(t *testing.T) {
	task := New(10 * time.Second)

	done := make(chan struct{})
	task.OnDone(func(*Task) { close(done) })

	if err := task.Start(0); err != nil {
		t.Fatalf("start: %s", err)
	}
	time.Sleep(50 * time.Millisecond)

	task.Terminate()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for termination callback")
	}

	if task.State() != Terminated {
		t.Fatalf("state = %s, want terminated", task.State())
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	task := New(10 * time.Second)
	done := make(chan struct{})
	task.OnDone(func(*Task) { close(done) })

	if err := task.Start(0); err != nil {
		t.Fatalf("start: %s", err)
	}

	task.Terminate()
	task.Terminate()
	task.Terminate()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for termination callback")
	}
	if task.State() != Terminated {
		t.Fatalf("state = %s, want terminated", task.State())
	}

	// Terminate after terminal must stay a no-op.
	task.Terminate()
	if task.State() != Terminated {
		t.Fatalf("state = %s, want terminated", task.State())
	}
}

func TestTimeoutFiresBeforeNaturalExit(t *testing.T) {
	task := New(10 * time.Second)
	done := make(chan struct{})
	task.OnDone(func(*Task) { close(done) })

	start := time.Now()
	if err := task.Start(50 * time.Millisecond); err != nil {
		t.Fatalf("start: %s", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for timeout callback")
	}
	elapsed := time.Since(start)

	if task.State() != Timeout {
		t.Fatalf("state = %s, want timeout", task.State())
	}
	if elapsed > 2*time.Second {
		t.Fatalf("elapsed = %s, expected to fire near the 50ms timeout", elapsed)
	}
}

func TestOnDoneFiresImmediatelyWhenAlreadyTerminal(t *testing.T) {
	task := New(10 * time.Millisecond)
	task.OnDone(func(*Task) {})

	if err := task.Start(0); err != nil {
		t.Fatalf("start: %s", err)
	}
	task.Wait()

	done := make(chan struct{})
	task.OnDone(func(*Task) { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("late OnDone never fired")
	}
}
