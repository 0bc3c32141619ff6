package fleet_algorithms

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/renderfleet/renderfleet/backend/services/fleet-service/tunnels"
	"github.com/renderfleet/renderfleet/backend/services/marketplace"
)

// shortDelays shrinks the polling delays for the duration of a test.
func shortDelays(t *testing.T) {
	t.Helper()

	savedReady, savedReach := readyPollDelay, reachabilityDelay
	readyPollDelay = time.Millisecond
	reachabilityDelay = time.Millisecond
	t.Cleanup(func() {
		readyPollDelay = savedReady
		reachabilityDelay = savedReach
	})
}

func TestProvisionSpawnsTunnel(t *testing.T) {
	instance := marketplace.Instance{
		ID: 1, MachineID: 10, Status: marketplace.StatusRunning,
		PublicIP: "198.51.100.1", SSHPort: 2222,
	}
	market := &testMarketplace{instances: []marketplace.Instance{instance}}
	runner := &testRunner{remoteOutput: map[string]tunnels.CommandResult{
		"pgrep": {Stdout: "1234\n", ExitCode: 0},
	}}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	sessions := []Session{{Instance: instance}}
	err := algorithm.ProvisionTunnels(context.Background(), FleetEvent{ID: "test"}, sessions)
	if err != nil {
		t.Fatalf("ProvisionTunnels failed: %v", err)
	}

	if len(runner.spawned) != 1 {
		t.Fatalf("Expected one tunnel spawn, got %d", len(runner.spawned))
	}

	spawn := strings.Join(runner.spawned[0], " ")
	if !strings.Contains(spawn, "-L 10001:localhost:8080") {
		t.Errorf("Expected the tunnel to forward local port 10001, got: %s", spawn)
	}
	if !strings.Contains(spawn, "root@198.51.100.1") {
		t.Errorf("Expected the tunnel to target the instance host, got: %s", spawn)
	}

	if len(market.terminated) != 0 {
		t.Errorf("Expected no termination on a clean provision, got %v", market.terminated)
	}
}

func TestProvisionAllocatesLowestFreePort(t *testing.T) {
	instance := marketplace.Instance{
		ID: 2, MachineID: 20, Status: marketplace.StatusRunning,
		PublicIP: "198.51.100.2", SSHPort: 2222,
	}
	market := &testMarketplace{instances: []marketplace.Instance{instance}}
	runner := &testRunner{remoteOutput: map[string]tunnels.CommandResult{
		"pgrep": {Stdout: "1234\n", ExitCode: 0},
	}}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	sessions := []Session{
		{
			Instance: marketplace.Instance{ID: 1, PublicIP: "198.51.100.1", SSHPort: 2222, Status: marketplace.StatusRunning},
			Tunnel:   &tunnels.Tunnel{PID: 4321, LocalPort: 10001, RemoteHost: "198.51.100.1", RemotePort: 2222},
		},
		{Instance: instance},
	}
	err := algorithm.ProvisionTunnels(context.Background(), FleetEvent{ID: "test"}, sessions)
	if err != nil {
		t.Fatalf("ProvisionTunnels failed: %v", err)
	}

	if len(runner.spawned) != 1 {
		t.Fatalf("Expected one tunnel spawn, got %d", len(runner.spawned))
	}
	spawn := strings.Join(runner.spawned[0], " ")
	if !strings.Contains(spawn, "-L 10002:localhost:8080") {
		t.Errorf("Expected the next free port 10002 to be allocated, got: %s", spawn)
	}
}

func TestProvisionOneSessionPerCycle(t *testing.T) {
	first := marketplace.Instance{
		ID: 1, MachineID: 10, Status: marketplace.StatusRunning,
		PublicIP: "198.51.100.1", SSHPort: 2222,
	}
	second := marketplace.Instance{
		ID: 2, MachineID: 20, Status: marketplace.StatusRunning,
		PublicIP: "198.51.100.2", SSHPort: 2222,
	}
	market := &testMarketplace{instances: []marketplace.Instance{first, second}}
	runner := &testRunner{remoteOutput: map[string]tunnels.CommandResult{
		"pgrep": {Stdout: "1234\n", ExitCode: 0},
	}}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	sessions := []Session{{Instance: first}, {Instance: second}}
	err := algorithm.ProvisionTunnels(context.Background(), FleetEvent{ID: "test"}, sessions)
	if err != nil {
		t.Fatalf("ProvisionTunnels failed: %v", err)
	}

	if len(runner.spawned) != 1 {
		t.Errorf("Expected exactly one tunnel spawn per cycle, got %d", len(runner.spawned))
	}
}

func TestProvisionEvictsOnFatalStatus(t *testing.T) {
	instance := marketplace.Instance{
		ID: 3, MachineID: 30, Status: marketplace.StatusLoading,
		StatusMsg: "Error response from daemon: pull access denied",
		PublicIP:  "198.51.100.3",
	}
	market := &testMarketplace{instances: []marketplace.Instance{instance}}
	runner := &testRunner{}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	sessions := []Session{{Instance: instance}}
	err := algorithm.ProvisionTunnels(context.Background(), FleetEvent{ID: "test"}, sessions)
	if err != nil {
		t.Fatalf("ProvisionTunnels failed: %v", err)
	}

	if len(market.terminated) != 1 || market.terminated[0] != 3 {
		t.Errorf("Expected instance 3 to be terminated on fatal status, got %v", market.terminated)
	}
	if !algorithm.BlockList.Contains(30) {
		t.Error("Expected machine 30 to be blocked after fatal status")
	}
	if len(runner.spawned) != 0 {
		t.Errorf("Expected no tunnel spawn for a failed instance, got %v", runner.spawned)
	}
}

func TestProvisionEvictsWhenNeverReady(t *testing.T) {
	shortDelays(t)

	instance := marketplace.Instance{
		ID: 4, MachineID: 40, Status: marketplace.StatusLoading,
		PublicIP: "198.51.100.4",
	}
	market := &testMarketplace{instances: []marketplace.Instance{instance}}
	algorithm, _ := newTestAlgorithm(t, market, &testRunner{}, &testLister{})

	sessions := []Session{{Instance: instance}}
	err := algorithm.ProvisionTunnels(context.Background(), FleetEvent{ID: "test"}, sessions)
	if err != nil {
		t.Fatalf("ProvisionTunnels failed: %v", err)
	}

	if len(market.terminated) != 1 || market.terminated[0] != 4 {
		t.Errorf("Expected instance 4 to be evicted after exhausting readiness polls, got %v", market.terminated)
	}
	if !algorithm.BlockList.Contains(40) {
		t.Error("Expected machine 40 to be blocked after readiness timeout")
	}
}

func TestProvisionEvictsUnreachableHost(t *testing.T) {
	shortDelays(t)

	instance := marketplace.Instance{
		ID: 5, MachineID: 50, Status: marketplace.StatusRunning,
		PublicIP: "198.51.100.5", SSHPort: 2222,
	}
	market := &testMarketplace{instances: []marketplace.Instance{instance}}
	runner := &testRunner{remoteOutput: map[string]tunnels.CommandResult{
		"pgrep": {ExitCode: 255},
	}}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	sessions := []Session{{Instance: instance}}
	err := algorithm.ProvisionTunnels(context.Background(), FleetEvent{ID: "test"}, sessions)
	if err != nil {
		t.Fatalf("ProvisionTunnels failed: %v", err)
	}

	if len(market.terminated) != 1 || market.terminated[0] != 5 {
		t.Errorf("Expected unreachable instance 5 to be evicted, got %v", market.terminated)
	}
	if !algorithm.BlockList.Contains(50) {
		t.Error("Expected machine 50 to be blocked after reachability failure")
	}
	if len(runner.spawned) != 0 {
		t.Errorf("Expected no tunnel spawn for an unreachable host, got %v", runner.spawned)
	}
}

func TestProvisionPortExhaustionIsFatal(t *testing.T) {
	instance := marketplace.Instance{
		ID: 6, MachineID: 60, Status: marketplace.StatusRunning,
		PublicIP: "198.51.100.6", SSHPort: 2222,
	}
	market := &testMarketplace{instances: []marketplace.Instance{instance}}
	runner := &testRunner{remoteOutput: map[string]tunnels.CommandResult{
		"pgrep": {Stdout: "1234\n", ExitCode: 0},
	}}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	// Every port in the range already carries a tunnel; a fourth session
	// should never have gotten this far.
	sessions := []Session{
		{Instance: marketplace.Instance{ID: 101}, Tunnel: &tunnels.Tunnel{PID: 1, LocalPort: 10001}},
		{Instance: marketplace.Instance{ID: 102}, Tunnel: &tunnels.Tunnel{PID: 2, LocalPort: 10002}},
		{Instance: marketplace.Instance{ID: 103}, Tunnel: &tunnels.Tunnel{PID: 3, LocalPort: 10003}},
		{Instance: instance},
	}
	err := algorithm.ProvisionTunnels(context.Background(), FleetEvent{ID: "test"}, sessions)
	if !errors.Is(err, tunnels.ErrNoFreePort) {
		t.Errorf("Expected ErrNoFreePort, got %v", err)
	}
}
