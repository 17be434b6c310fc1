package provision

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestToolRunner(t *testing.T) {
	type call struct {
		path string
		args []string
	}

	newRecorded := func() (*ToolRunner, func() []call) {
		var mu sync.Mutex
		var calls []call
		r := NewToolRunner("/usr/local/bin/devctl", "--quiet")
		r.runCommand = func(ctx context.Context, path string, args []string) {
			mu.Lock()
			calls = append(calls, call{path: path, args: args})
			mu.Unlock()
		}
		return r, func() []call {
			mu.Lock()
			defer mu.Unlock()
			return append([]call{}, calls...)
		}
	}

	waitCalls := func(t *testing.T, snapshot func() []call, n int) []call {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if got := snapshot(); len(got) >= n {
				return got
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %d tool invocations", n)
		return nil
	}

	t.Run("builds the command line", func(t *testing.T) {
		r, snapshot := newRecorded()
		r.UpdateTargetHost(context.Background(), "192.168.1.20")

		calls := waitCalls(t, snapshot, 1)
		if calls[0].path != "/usr/local/bin/devctl" {
			t.Errorf("path = %q", calls[0].path)
		}
		want := []string{"--quiet", "--target-host", "192.168.1.20"}
		if len(calls[0].args) != len(want) {
			t.Fatalf("args = %v, want %v", calls[0].args, want)
		}
		for i := range want {
			if calls[0].args[i] != want[i] {
				t.Errorf("args[%d] = %q, want %q", i, calls[0].args[i], want[i])
			}
		}
	})

	t.Run("skips a repeated host", func(t *testing.T) {
		r, snapshot := newRecorded()
		r.UpdateTargetHost(context.Background(), "192.168.1.20")
		r.UpdateTargetHost(context.Background(), "192.168.1.20")
		r.UpdateTargetHost(context.Background(), "192.168.1.21")

		calls := waitCalls(t, snapshot, 2)
		if len(calls) != 2 {
			t.Errorf("invocations = %d, want 2", len(calls))
		}
	})

	t.Run("ignores an empty host", func(t *testing.T) {
		r, snapshot := newRecorded()
		r.UpdateTargetHost(context.Background(), "")
		time.Sleep(20 * time.Millisecond)
		if got := snapshot(); len(got) != 0 {
			t.Errorf("invocations = %d, want 0", len(got))
		}
	})
}
