package fleet_algorithms

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/renderfleet/renderfleet/backend/services/fleet-service/blockstore"
	"github.com/renderfleet/renderfleet/backend/services/fleet-service/tunnels"
	"github.com/renderfleet/renderfleet/backend/services/marketplace"
	"github.com/renderfleet/renderfleet/backend/services/utils"
	"github.com/spf13/afero"
)

// testMarketplace is a fake hosts.MarketplaceHandler. Tests populate its
// slices and inspect the recorded calls afterwards.
type testMarketplace struct {
	offers     []marketplace.Offer
	instances  []marketplace.Instance
	exclusions [][]int
	created    []int
	terminated []int
	createErr  error
	nextID     int
}

func (m *testMarketplace) Initialize(apiKey string) error {
	return nil
}

func (m *testMarketplace) ListOffers(ctx context.Context, excludedMachineIDs []int) ([]marketplace.Offer, error) {
	m.exclusions = append(m.exclusions, excludedMachineIDs)

	var visible []marketplace.Offer
	for _, offer := range m.offers {
		excluded := false
		for _, id := range excludedMachineIDs {
			if offer.MachineID == id {
				excluded = true
				break
			}
		}
		if !excluded {
			visible = append(visible, offer)
		}
	}
	return visible, nil
}

func (m *testMarketplace) CreateInstance(ctx context.Context, offerID int) (int, error) {
	if m.createErr != nil {
		err := m.createErr
		m.createErr = nil
		return 0, err
	}

	m.created = append(m.created, offerID)
	m.nextID++
	return 9000 + m.nextID, nil
}

func (m *testMarketplace) GetInstance(ctx context.Context, instanceID int) (marketplace.Instance, error) {
	for _, instance := range m.instances {
		if instance.ID == instanceID {
			return instance, nil
		}
	}
	return marketplace.Instance{}, utils.MakeError("instance %d not found", instanceID)
}

func (m *testMarketplace) ListInstances(ctx context.Context) ([]marketplace.Instance, error) {
	return m.instances, nil
}

func (m *testMarketplace) TerminateInstance(ctx context.Context, instanceID int) error {
	m.terminated = append(m.terminated, instanceID)
	return nil
}

// testRunner is a fake tunnels.Runner. remoteOutput maps a substring of the
// command line to the result that should come back.
type testRunner struct {
	remoteOutput map[string]tunnels.CommandResult
	commands     [][]string
	spawned      [][]string
}

func (r *testRunner) Run(ctx context.Context, name string, args ...string) (tunnels.CommandResult, error) {
	r.commands = append(r.commands, append([]string{name}, args...))

	joined := strings.Join(args, " ")
	for needle, result := range r.remoteOutput {
		if strings.Contains(joined, needle) {
			return result, nil
		}
	}
	return tunnels.CommandResult{}, nil
}

func (r *testRunner) SpawnDetached(name string, args ...string) error {
	r.spawned = append(r.spawned, append([]string{name}, args...))
	return nil
}

// killedPIDs extracts the pids passed to `kill` from the recorded commands.
func (r *testRunner) killedPIDs() []string {
	var pids []string
	for _, command := range r.commands {
		if command[0] == "kill" && len(command) > 1 {
			pids = append(pids, command[1])
		}
	}
	return pids
}

// testLister is a fake tunnels.ProcessLister.
type testLister struct {
	processes []tunnels.ProcessInfo
}

func (l *testLister) ListTunnelProcesses() ([]tunnels.ProcessInfo, error) {
	return l.processes, nil
}

// tunnelArgv builds the argv shape tunnels.Spawn produces, for feeding the
// fake process lister.
func tunnelArgv(localPort int, host string, sshPort int) []string {
	return []string{
		"ssh", "-N",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ExitOnForwardFailure=yes",
		"-p", utils.Sprintf("%d", sshPort),
		"-L", utils.Sprintf("%d:localhost:%d", localPort, tunnels.RemoteServicePort),
		"root@" + host,
	}
}

// newTestAlgorithm builds an algorithm wired to fakes and an in-memory
// blockstore, returning the store so tests can seed its files directly.
func newTestAlgorithm(t *testing.T, market *testMarketplace, runner *testRunner, lister *testLister) (*DefaultFleetAlgorithm, *blockstore.Store) {
	t.Helper()

	store, err := blockstore.New(afero.NewMemMapFs(), "/state")
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}

	blockList, err := blockstore.LoadBlockList(store)
	if err != nil {
		t.Fatalf("Failed to load test blocklist: %v", err)
	}

	throttled, err := blockstore.LoadThrottledPrefixes(store)
	if err != nil {
		t.Fatalf("Failed to load test throttled prefixes: %v", err)
	}

	algorithm := &DefaultFleetAlgorithm{
		Host:                 market,
		Runner:               runner,
		Processes:            lister,
		BlockList:            blockList,
		Throttled:            throttled,
		MaxSessions:          3,
		UtilizationThreshold: 0.55,
		TopTierPriceCeiling:  2.50,
		AllowedCountries:     []string{"US", "CA"},
		SnapshotWriter:       io.Discard,
	}
	algorithm.CreateEventChans()
	algorithm.CreateUsageHistory()

	return algorithm, store
}
