package tunnels

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"

	"github.com/renderfleet/renderfleet/backend/services/utils"
)

// CommandResult captures everything a finished command produced. A non-zero
// exit code is not an error: callers that care inspect ExitCode themselves.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes local commands. The fleet algorithms only ever talk to
// remote hosts through a Runner (via ssh), which keeps them testable with a
// fake.
type Runner interface {
	// Run executes the command and waits for it, returning captured output.
	// It only errors when the command could not be run at all.
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
	// SpawnDetached launches a long-lived background process without
	// waiting for it. Used only for the persistent tunnel.
	SpawnDetached(name string, args ...string) error
}

// ExecRunner is the production Runner, backed by os/exec.
type ExecRunner struct{}

// Run executes the command and captures its output. Commands that exit
// non-zero return a populated CommandResult and a nil error.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return result, utils.MakeError("failed to run %s: %s", name, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}

// SpawnDetached starts the command and releases the process handle so it
// outlives the fleet service. The next reconciliation pass discovers it
// through the process table instead of through bookkeeping.
func (r *ExecRunner) SpawnDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)

	err := cmd.Start()
	if err != nil {
		return utils.MakeError("failed to spawn %s: %s", name, err)
	}

	return cmd.Process.Release()
}

// KillProcess terminates the process with the given pid.
func KillProcess(ctx context.Context, runner Runner, pid int32) error {
	result, err := runner.Run(ctx, "kill", strconv.Itoa(int(pid)))
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return utils.MakeError("kill %d exited with code %d: %s", pid, result.ExitCode, result.Stderr)
	}

	return nil
}

// RunRemote runs the given command on a rented host over ssh, with a short
// connect timeout so an unreachable host fails fast instead of hanging the
// cycle.
func RunRemote(ctx context.Context, runner Runner, host string, sshPort int, command string) (CommandResult, error) {
	args := []string{
		"-o", utils.Sprintf("ConnectTimeout=%d", sshConnectTimeoutSecs),
		"-o", "StrictHostKeyChecking=no",
		"-o", "BatchMode=yes",
		"-p", strconv.Itoa(sshPort),
		sshUser + "@" + host,
		command,
	}

	return runner.Run(ctx, sshProgram, args...)
}
