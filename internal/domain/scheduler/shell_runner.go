package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/osa-run/osa/internal/domain/tool/shellpolicy"
)

// ShellRunner executes a command-type job's rendered command line and
// returns its captured stdout (stderr folded in on failure).
type ShellRunner func(ctx context.Context, command string) (string, error)

const (
	shellJobTimeout  = 30 * time.Second
	shellOutputCap   = 100 * 1024 // 100KB
	shellTruncMarker = "\n...[output truncated]"
)

// defaultShellRunner runs command through shellpolicy.Validate before exec,
// same gate a live chat turn's shell tool goes through, with a fixed
// timeout and a capped, truncated output — a runaway scheduled job can't
// hang the scheduler or balloon memory.
func defaultShellRunner(ctx context.Context, command string) (string, error) {
	if err := shellpolicy.Validate(command); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, shellJobTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := out.String()
	if len(output) > shellOutputCap {
		output = output[:shellOutputCap] + shellTruncMarker
	}
	if runErr != nil {
		return output, fmt.Errorf("command failed: %w", runErr)
	}
	return output, nil
}
