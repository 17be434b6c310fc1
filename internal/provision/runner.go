// Package provision notifies the external device-management tool when the
// appliance's address changes. The tool is an opaque subprocess; the runner
// fires it and forgets it.
package provision

import (
	"context"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"
)

// Provisioner is told about the current appliance host so external tooling
// can follow the device across address changes.
type Provisioner interface {
	UpdateTargetHost(ctx context.Context, host string)
}

// Nop is a Provisioner that does nothing.
type Nop struct{}

// UpdateTargetHost implements Provisioner.
func (Nop) UpdateTargetHost(ctx context.Context, host string) {}

// ToolRunner invokes an external executable with the new target host.
// Repeat notifications for an unchanged host are skipped.
type ToolRunner struct {
	path string
	args []string

	mu       sync.Mutex
	lastHost string

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, path string, args []string)
}

// NewToolRunner creates a runner for the tool at path. Extra args are
// passed before the host argument.
func NewToolRunner(path string, args ...string) *ToolRunner {
	return &ToolRunner{
		path:       path,
		args:       args,
		runCommand: execCommand,
	}
}

// UpdateTargetHost implements Provisioner. Fire-and-forget; failures are
// logged and never surfaced to the session layer.
func (r *ToolRunner) UpdateTargetHost(ctx context.Context, host string) {
	if host == "" {
		return
	}

	r.mu.Lock()
	if host == r.lastHost {
		r.mu.Unlock()
		return
	}
	r.lastHost = host
	r.mu.Unlock()

	args := append(append([]string{}, r.args...), "--target-host", host)
	log.Info().Str("tool", r.path).Str("host", host).Msg("Notifying provisioning tool")
	go r.runCommand(ctx, r.path, args)
}

func execCommand(ctx context.Context, path string, args []string) {
	cmd := exec.CommandContext(ctx, path, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Warn().Err(err).Str("tool", path).Bytes("output", out).Msg("Provisioning tool failed")
	}
}
