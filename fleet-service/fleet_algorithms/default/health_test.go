package fleet_algorithms

import (
	"context"
	"testing"

	"github.com/renderfleet/renderfleet/backend/services/fleet-service/tunnels"
	"github.com/renderfleet/renderfleet/backend/services/marketplace"
)

// tunneledSession builds a running session with an attached tunnel, the
// shape the health monitor samples.
func tunneledSession(instanceID int, machineID int, gpuName string) Session {
	return Session{
		Instance: marketplace.Instance{
			ID:        instanceID,
			MachineID: machineID,
			Status:    marketplace.StatusRunning,
			PublicIP:  "198.51.100.1",
			SSHPort:   2222,
			GPUName:   gpuName,
			NumGPUs:   1,
		},
		Tunnel: &tunnels.Tunnel{PID: 4321, LocalPort: 10001, RemoteHost: "198.51.100.1", RemotePort: 2222},
	}
}

func TestUsageHistoryWindow(t *testing.T) {
	history := &UsageHistory{}

	for i := 0; i <= 60; i++ {
		history.Push(float64(i))
	}

	if history.Len() != 60 {
		t.Errorf("Expected window to cap at 60 samples, got %d", history.Len())
	}

	// The very first sample (0) fell off the window; the retained samples
	// are 1 through 60.
	want := 30.5
	if history.Average() != want {
		t.Errorf("Expected average %v after the oldest sample dropped, got %v", want, history.Average())
	}
}

func TestMonitorHealthEvictsPersistentlyIdle(t *testing.T) {
	market := &testMarketplace{}
	runner := &testRunner{remoteOutput: map[string]tunnels.CommandResult{
		"nvidia-smi": {Stdout: "45.0, 450.0\n", ExitCode: 0},
	}}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	session := tunneledSession(7, 70, "RTX 4090")

	history := &UsageHistory{}
	for i := 0; i < 30; i++ {
		history.Push(0.1)
	}
	algorithm.UsageHistory[7] = history

	err := algorithm.MonitorHealth(context.Background(), FleetEvent{ID: "test"}, []Session{session})
	if err != nil {
		t.Fatalf("MonitorHealth failed: %v", err)
	}

	// The 31st sample tips the history past the judgement floor with an
	// average far below the 0.55 threshold.
	if len(market.terminated) != 1 || market.terminated[0] != 7 {
		t.Errorf("Expected instance 7 to be terminated, got %v", market.terminated)
	}
	if !algorithm.BlockList.Contains(70) {
		t.Error("Expected machine 70 to be blocked after utilization eviction")
	}
	if _, ok := algorithm.UsageHistory[7]; ok {
		t.Error("Expected usage history to be dropped for the evicted instance")
	}
}

func TestMonitorHealthWithholdsJudgementEarly(t *testing.T) {
	market := &testMarketplace{}
	runner := &testRunner{remoteOutput: map[string]tunnels.CommandResult{
		"nvidia-smi": {Stdout: "45.0, 450.0\n", ExitCode: 0},
	}}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	session := tunneledSession(7, 70, "RTX 4090")

	history := &UsageHistory{}
	for i := 0; i < 29; i++ {
		history.Push(0.1)
	}
	algorithm.UsageHistory[7] = history

	err := algorithm.MonitorHealth(context.Background(), FleetEvent{ID: "test"}, []Session{session})
	if err != nil {
		t.Fatalf("MonitorHealth failed: %v", err)
	}

	// 30 samples is exactly the judgement floor; eviction requires more.
	if len(market.terminated) != 0 {
		t.Errorf("Expected no eviction with only 30 samples, got terminations %v", market.terminated)
	}
	if got := algorithm.UsageHistory[7].Len(); got != 30 {
		t.Errorf("Expected the sample to still be recorded, history length %d", got)
	}
}

func TestMonitorHealthKeepsBusyInstance(t *testing.T) {
	market := &testMarketplace{}
	runner := &testRunner{remoteOutput: map[string]tunnels.CommandResult{
		"nvidia-smi": {Stdout: "400.0, 450.0\n", ExitCode: 0},
	}}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	session := tunneledSession(7, 70, "RTX 4090")

	history := &UsageHistory{}
	for i := 0; i < 40; i++ {
		history.Push(0.9)
	}
	algorithm.UsageHistory[7] = history

	err := algorithm.MonitorHealth(context.Background(), FleetEvent{ID: "test"}, []Session{session})
	if err != nil {
		t.Fatalf("MonitorHealth failed: %v", err)
	}

	if len(market.terminated) != 0 {
		t.Errorf("Expected a busy instance to be kept, got terminations %v", market.terminated)
	}
}

func TestMonitorHealthEvictsUnderpoweredGPU(t *testing.T) {
	market := &testMarketplace{}
	runner := &testRunner{remoteOutput: map[string]tunnels.CommandResult{
		// Power limit 300W on a GPU rated for 350W: the host throttles it.
		"nvidia-smi": {Stdout: "250.0, 300.0\n", ExitCode: 0},
	}}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	session := tunneledSession(8, 80, "RTX 3090")

	err := algorithm.MonitorHealth(context.Background(), FleetEvent{ID: "test"}, []Session{session})
	if err != nil {
		t.Fatalf("MonitorHealth failed: %v", err)
	}

	// Eviction is immediate; no usage history needed.
	if len(market.terminated) != 1 || market.terminated[0] != 8 {
		t.Errorf("Expected underpowered instance 8 to be terminated, got %v", market.terminated)
	}
	if !algorithm.BlockList.Contains(80) {
		t.Error("Expected machine 80 to be blocked after underpowered eviction")
	}
}

func TestMonitorHealthEvictsUnqueryableGPU(t *testing.T) {
	market := &testMarketplace{}
	runner := &testRunner{remoteOutput: map[string]tunnels.CommandResult{
		"nvidia-smi": {Stderr: "Unable to determine the device handle for GPU 0000:01:00.0", ExitCode: 15},
	}}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	session := tunneledSession(9, 90, "RTX 4090")

	err := algorithm.MonitorHealth(context.Background(), FleetEvent{ID: "test"}, []Session{session})
	if err != nil {
		t.Fatalf("MonitorHealth failed: %v", err)
	}

	if len(market.terminated) != 1 || market.terminated[0] != 9 {
		t.Errorf("Expected unqueryable instance 9 to be terminated, got %v", market.terminated)
	}
	if !algorithm.BlockList.Contains(90) {
		t.Error("Expected machine 90 to be blocked after device-handle failure")
	}
}

func TestMonitorHealthTerminatesExitedWithoutBlocking(t *testing.T) {
	market := &testMarketplace{}
	runner := &testRunner{}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	session := tunneledSession(10, 110, "RTX 4090")
	session.Instance.Status = marketplace.StatusExited
	algorithm.UsageHistory[10] = &UsageHistory{}

	err := algorithm.MonitorHealth(context.Background(), FleetEvent{ID: "test"}, []Session{session})
	if err != nil {
		t.Fatalf("MonitorHealth failed: %v", err)
	}

	if len(market.terminated) != 1 || market.terminated[0] != 10 {
		t.Errorf("Expected exited instance 10 to be terminated, got %v", market.terminated)
	}
	// Expiry is not the host's fault: the machine stays rentable.
	if algorithm.BlockList.Contains(110) {
		t.Error("Expected machine 110 to stay unblocked after its instance exited")
	}
	if len(runner.commands) != 0 {
		t.Errorf("Expected no telemetry query against an exited instance, got %v", runner.commands)
	}
	if _, ok := algorithm.UsageHistory[10]; ok {
		t.Error("Expected usage history to be dropped for the exited instance")
	}
}

func TestMonitorHealthIgnoresUnparseableTelemetry(t *testing.T) {
	market := &testMarketplace{}
	runner := &testRunner{remoteOutput: map[string]tunnels.CommandResult{
		"nvidia-smi": {Stdout: "no such binary: nvidia-smi\n", ExitCode: 0},
	}}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	session := tunneledSession(11, 120, "RTX 4090")

	err := algorithm.MonitorHealth(context.Background(), FleetEvent{ID: "test"}, []Session{session})
	if err != nil {
		t.Fatalf("MonitorHealth failed: %v", err)
	}

	if len(market.terminated) != 0 {
		t.Errorf("Expected no action on unparseable telemetry, got terminations %v", market.terminated)
	}
	if history, ok := algorithm.UsageHistory[11]; ok && history.Len() != 0 {
		t.Error("Expected no utilization sample from unparseable telemetry")
	}
}

func TestMonitorHealthSkipsTunnellessSessions(t *testing.T) {
	market := &testMarketplace{}
	runner := &testRunner{}
	algorithm, _ := newTestAlgorithm(t, market, runner, &testLister{})

	session := tunneledSession(12, 130, "RTX 4090")
	session.Tunnel = nil

	err := algorithm.MonitorHealth(context.Background(), FleetEvent{ID: "test"}, []Session{session})
	if err != nil {
		t.Fatalf("MonitorHealth failed: %v", err)
	}

	if len(runner.commands) != 0 {
		t.Errorf("Expected no telemetry query without a tunnel, got %v", runner.commands)
	}
	if len(market.terminated) != 0 {
		t.Errorf("Expected no action on a tunnel-less session, got %v", market.terminated)
	}
}

func TestParseGPUMetrics(t *testing.T) {
	var tests = []struct {
		name   string
		output string
		want   int
	}{
		{"single GPU", "123.4, 450.0\n", 1},
		{"multiple GPUs", "123.4, 450.0\n99.0, 450.0\n", 2},
		{"trailing blank line", "123.4, 450.0\n\n", 1},
		{"garbage", "command not found\n", 0},
		{"zero limit skipped", "123.4, 0\n", 0},
		{"mixed lines", "header\n123.4, 450.0\n", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := parseGPUMetrics(tt.output)
			if len(metrics) != tt.want {
				t.Errorf("parseGPUMetrics(%q) returned %d metrics, want %d", tt.output, len(metrics), tt.want)
			}
		})
	}
}
