package producer

import (
	"testing"
	"time"
)

func TestConstantDelay(t *testing.T) {
	delay := ConstantDelay(3 * time.Second)
	for i := 0; i < 5; i++ {
		if got := delay(); got != 3*time.Second {
			t.Fatalf("delay() = %s, want 3s", got)
		}
	}
}

func TestGaussianDelayClampsToFloor(t *testing.T) {
	delay := GaussianDelay(0, 1*time.Millisecond)
	for i := 0; i < 1000; i++ {
		if got := delay(); got < minDelay {
			t.Fatalf("delay() = %s, below floor %s", got, minDelay)
		}
	}
}

func TestNewJobWithinRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		job := NewJob()
		if job.Runtime < minRuntime || job.Runtime > maxRuntime {
			t.Fatalf("runtime = %d, out of [%d,%d]", job.Runtime, minRuntime, maxRuntime)
		}
		if job.Priority < 0 || job.Priority > maxPriority {
			t.Fatalf("priority = %d, out of [0,%d]", job.Priority, maxPriority)
		}
	}
}

func TestGeneratorNext(t *testing.T) {
	g := New(ConstantDelay(2 * time.Second))
	_, delay := g.Next()
	if delay != 2*time.Second {
		t.Fatalf("delay = %s, want 2s", delay)
	}
}
