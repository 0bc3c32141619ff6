// Package tunnels manages the local ssh port-forward processes that connect
// the fleet service to its rented instances. Tunnels have no persisted
// record anywhere: the live process table is the single source of truth,
// re-derived every reconciliation pass. That makes the service self-healing
// across restarts, at the price of strict, unforgiving parsing of process
// command lines.
package tunnels

import (
	"errors"
	"strconv"
	"strings"

	"github.com/renderfleet/renderfleet/backend/services/utils"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	// sshProgram is the tunnel binary we spawn and scan the process table for.
	sshProgram = "ssh"

	// sshUser is the login user on every rented instance.
	sshUser = "root"

	// sshConnectTimeoutSecs bounds every remote login attempt.
	sshConnectTimeoutSecs = 5

	// RemoteServicePort is the fixed port the workload listens on inside
	// every rented instance. All tunnels forward to it.
	RemoteServicePort = 8080

	// PortRangeBase is the first local port of the tunnel range. The range
	// is sized to the configured maximum session count, so a free port is
	// guaranteed whenever the fleet is under capacity.
	PortRangeBase = 10001
)

// ErrTunnelParse indicates a process that looks like one of our tunnels
// could not be parsed. This is an external contract violation, not a
// transient failure: the invocation shape we spawn is the invocation shape
// we parse, so a mismatch means the assumptions behind port accounting are
// broken and the whole cycle must abort loudly.
var ErrTunnelParse = errors.New("tunnel process command line does not match the expected shape")

// ErrNoFreePort indicates the local port range is exhausted. Capacity
// enforcement guarantees a free port whenever provisioning runs, so hitting
// this is a bookkeeping bug, not a condition to retry.
var ErrNoFreePort = errors.New("no free local tunnel port available")

// Tunnel describes one live port-forward process, as recovered from the
// process table.
type Tunnel struct {
	PID        int32
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// ProcessInfo is one process-table entry: a pid and its full argument
// vector.
type ProcessInfo struct {
	PID  int32
	Argv []string
}

// ProcessLister enumerates running tunnel-program processes. The production
// implementation reads the local process table; tests substitute a fake.
type ProcessLister interface {
	ListTunnelProcesses() ([]ProcessInfo, error)
}

// PsutilLister is the production ProcessLister, backed by gopsutil.
type PsutilLister struct{}

// ListTunnelProcesses returns every running process whose executable name
// matches the tunnel program and that carries a port-forward flag. Plain
// interactive ssh sessions (no -L flag) are not tunnels and are ignored.
func (pl *PsutilLister) ListTunnelProcesses() ([]ProcessInfo, error) {
	processes, err := process.Processes()
	if err != nil {
		return nil, utils.MakeError("failed to list processes: %s", err)
	}

	var tunnels []ProcessInfo
	for _, p := range processes {
		name, err := p.Name()
		if err != nil || name != sshProgram {
			continue
		}

		argv, err := p.CmdlineSlice()
		if err != nil {
			// The process may have exited between listing and inspection.
			continue
		}

		if !utils.StringSliceContains(argv, "-L") {
			continue
		}

		tunnels = append(tunnels, ProcessInfo{PID: p.Pid, Argv: argv})
	}

	return tunnels, nil
}

// Parse recovers a Tunnel from a process-table entry. Parsing is strict
// pattern matching against the invocation shape SpawnTunnel produces: the
// host is the token following the login-user marker, the remote port is the
// value following -p, and the local port is the first field of the -L
// forwarding specification. Failing any field returns ErrTunnelParse.
func Parse(info ProcessInfo) (Tunnel, error) {
	tunnel := Tunnel{PID: info.PID}

	for i, arg := range info.Argv {
		switch {
		case strings.HasPrefix(arg, sshUser+"@"):
			tunnel.RemoteHost = strings.TrimPrefix(arg, sshUser+"@")
		case arg == "-p" && i+1 < len(info.Argv):
			port, err := strconv.Atoi(info.Argv[i+1])
			if err != nil {
				return Tunnel{}, utils.MakeError("%w: pid %d has non-numeric remote port %q", ErrTunnelParse, info.PID, info.Argv[i+1])
			}
			tunnel.RemotePort = port
		case arg == "-L" && i+1 < len(info.Argv):
			localField := strings.SplitN(info.Argv[i+1], ":", 2)[0]
			port, err := strconv.Atoi(localField)
			if err != nil {
				return Tunnel{}, utils.MakeError("%w: pid %d has non-numeric local port %q", ErrTunnelParse, info.PID, localField)
			}
			tunnel.LocalPort = port
		}
	}

	if tunnel.RemoteHost == "" || tunnel.RemotePort == 0 || tunnel.LocalPort == 0 {
		return Tunnel{}, utils.MakeError("%w: pid %d argv %v", ErrTunnelParse, info.PID, info.Argv)
	}

	return tunnel, nil
}

// AllocatePort returns the lowest free local port in the tunnel range. The
// range is [PortRangeBase, PortRangeBase+maxSessions-1]; exhaustion returns
// ErrNoFreePort.
func AllocatePort(usedPorts []int, maxSessions int) (int, error) {
	for port := PortRangeBase; port < PortRangeBase+maxSessions; port++ {
		used := false
		for _, u := range usedPorts {
			if u == port {
				used = true
				break
			}
		}
		if !used {
			return port, nil
		}
	}

	return 0, ErrNoFreePort
}

// Spawn launches the persistent detached port-forward process for an
// instance. It does not wait for the tunnel to come up: the next
// reconciliation pass picks it up from the process table organically.
func Spawn(runner Runner, localPort int, host string, sshPort int) error {
	args := []string{
		"-N",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ExitOnForwardFailure=yes",
		"-p", strconv.Itoa(sshPort),
		"-L", utils.Sprintf("%d:localhost:%d", localPort, RemoteServicePort),
		sshUser + "@" + host,
	}

	return runner.SpawnDetached(sshProgram, args...)
}
