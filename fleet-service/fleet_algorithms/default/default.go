// Package fleet_algorithms implements the fleet reconciliation and
// health-eviction control loop: each cycle it rebuilds ground truth from
// the marketplace and the local process table, acquires capacity when under
// the session limit, provisions tunnels to new instances, and evicts hosts
// that misbehave.
package fleet_algorithms

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/renderfleet/renderfleet/backend/services/fleet-service/blockstore"
	"github.com/renderfleet/renderfleet/backend/services/fleet-service/hosts"
	"github.com/renderfleet/renderfleet/backend/services/fleet-service/render"
	"github.com/renderfleet/renderfleet/backend/services/fleet-service/tunnels"
	logger "github.com/renderfleet/renderfleet/backend/services/fleetlogger"
	"github.com/renderfleet/renderfleet/backend/services/marketplace"
	"github.com/renderfleet/renderfleet/backend/services/utils"
	"go.uber.org/zap"
)

// FleetAlgorithm is the basic abstraction of the fleet service: it receives
// a stream of cycle events and makes calls to the marketplace handler and
// the local process table.
type FleetAlgorithm interface {
	ProcessEvents(context.Context, context.CancelFunc, *sync.WaitGroup)
	CreateEventChans()
	CreateUsageHistory()
	CreateMarketplaceHandler(hosts.MarketplaceHandler)
}

// FleetEvent triggers one pass of the control loop.
type FleetEvent struct {
	ID   string // Unique id, attached to every log line of the cycle
	Type string // The type of event (scheduled tick, startup, etc.)
}

// DefaultFleetAlgorithm holds the state the control loop owns across
// cycles: the marketplace handler, the persisted blocklist and throttle
// list, and the per-instance usage history. Session and tunnel state is
// NOT here; it is rebuilt from live sources every cycle.
type DefaultFleetAlgorithm struct {
	Host      hosts.MarketplaceHandler
	Runner    tunnels.Runner
	Processes tunnels.ProcessLister
	BlockList *blockstore.BlockList
	Throttled *blockstore.ThrottledPrefixes

	// MaxSessions is the fleet capacity; the tunnel port range is sized to it.
	MaxSessions int

	// UtilizationThreshold is the rolling-average floor below which a
	// rental is evicted as not worth its cost.
	UtilizationThreshold float64

	// TopTierPriceCeiling derives the efficiency threshold for the
	// top-tier GPU family.
	TopTierPriceCeiling float64

	// AllowedCountries restricts where multi-GPU offers may come from.
	AllowedCountries []string

	// UsageHistory maps instance ids to their utilization windows. Owned
	// and mutated exclusively by the health monitor.
	UsageHistory map[int]*UsageHistory

	// SnapshotWriter receives the per-cycle tabular fleet snapshot.
	SnapshotWriter io.Writer

	CycleEventChan chan FleetEvent
}

// CreateEventChans creates the event channels if they don't already exist.
func (s *DefaultFleetAlgorithm) CreateEventChans() {
	if s.CycleEventChan == nil {
		s.CycleEventChan = make(chan FleetEvent, 100)
	}
}

// CreateUsageHistory initializes the per-instance utilization window map.
func (s *DefaultFleetAlgorithm) CreateUsageHistory() {
	if s.UsageHistory == nil {
		s.UsageHistory = map[int]*UsageHistory{}
	}
}

// CreateMarketplaceHandler sets the marketplace handler used by all cycle
// phases.
func (s *DefaultFleetAlgorithm) CreateMarketplaceHandler(handler hosts.MarketplaceHandler) {
	if s.Host == nil {
		s.Host = handler
	}
}

// ProcessEvents is the main function of the fleet algorithm. It consumes
// cycle events one at a time: all phases of a cycle run sequentially on
// this goroutine, so eviction's blocklist writes never interleave.
func (s *DefaultFleetAlgorithm) ProcessEvents(globalCtx context.Context, globalCancel context.CancelFunc, goroutineTracker *sync.WaitGroup) {
	if s.SnapshotWriter == nil {
		s.SnapshotWriter = os.Stdout
	}

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		for {
			select {
			case cycleEvent := <-s.CycleEventChan:
				cycleCtx, cycleCancel := context.WithCancel(globalCtx)
				err := s.RunCycle(cycleCtx, cycleEvent)
				cycleCancel()

				if err == nil {
					break
				}

				if errors.Is(err, tunnels.ErrTunnelParse) || errors.Is(err, tunnels.ErrNoFreePort) {
					// These classes mean an assumption baked into the
					// reconciliation logic has broken; tolerating them
					// silently risks port-accounting corruption. Take the
					// whole service down.
					logger.Panic(globalCancel, err)
					return
				}

				// Ordinary operational failures just cost us this cycle.
				logger.Errorf("Fleet cycle %s failed: %s", cycleEvent.ID, err)
			case <-globalCtx.Done():
				logger.Info("Global context has been cancelled. Exiting from default fleet algorithm event loop...")
				return
			}
		}
	}()
}

// RunCycle runs one full pass of the control loop. Phase order is fixed:
// reconcile, acquire, provision, render the snapshot, monitor health. The
// snapshot therefore reflects post-provisioning, pre-health state; health
// evictions show up in the next cycle's table.
func (s *DefaultFleetAlgorithm) RunCycle(cycleCtx context.Context, event FleetEvent) error {
	contextFields := []interface{}{
		zap.String("cycle_id", event.ID),
		zap.String("type", event.Type),
	}
	logger.Infow("Starting fleet cycle.", contextFields)
	defer logger.Infow("Finished fleet cycle.", contextFields)

	sessions, err := s.ReconcileSessions(cycleCtx, event)
	if err != nil {
		return err
	}

	err = s.AcquireIfNecessary(cycleCtx, event, sessions)
	if err != nil {
		return err
	}

	err = s.ProvisionTunnels(cycleCtx, event, sessions)
	if err != nil {
		return err
	}

	render.FleetTable(s.SnapshotWriter, s.snapshotRows(sessions))

	return s.MonitorHealth(cycleCtx, event, sessions)
}

// evict permanently blocks the instance's machine and terminates the
// instance. It is the only path that removes a machine from future
// consideration; plain termination does not block. Eviction is never
// retried: a failed termination surfaces as a cycle error, and the instance
// will reappear on the next listing anyway.
func (s *DefaultFleetAlgorithm) evict(ctx context.Context, instance marketplace.Instance, reason string) error {
	logger.Warningf("Evicting instance %d (machine %d): %s", instance.ID, instance.MachineID, reason)

	err := s.BlockList.Block(instance.MachineID)
	if err != nil {
		return utils.MakeError("failed to persist block for machine %d: %s", instance.MachineID, err)
	}

	err = s.Host.TerminateInstance(ctx, instance.ID)
	if err != nil {
		return utils.MakeError("failed to terminate evicted instance %d: %s", instance.ID, err)
	}

	delete(s.UsageHistory, instance.ID)

	return nil
}

// snapshotRows converts the session list into the renderer's row shape,
// attaching each instance's rolling utilization average when one exists.
func (s *DefaultFleetAlgorithm) snapshotRows(sessions []Session) []render.SessionRow {
	rows := make([]render.SessionRow, 0, len(sessions))
	for _, session := range sessions {
		row := render.SessionRow{
			InstanceID: session.Instance.ID,
			Status:     session.Instance.Status,
			Address:    session.Instance.PublicIP,
			SSHPort:    session.Instance.SSHPort,
			GPU:        utils.Sprintf("%dx %s", session.Instance.NumGPUs, session.Instance.GPUName),
			PricePerHr: session.Instance.PricePerHr,
		}

		if session.Tunnel != nil {
			row.TunnelPort = session.Tunnel.LocalPort
			row.TunnelPID = session.Tunnel.PID
		}

		if history, ok := s.UsageHistory[session.Instance.ID]; ok && history.Len() > 0 {
			avg := history.Average()
			row.Utilization = &avg
		}

		rows = append(rows, row)
	}
	return rows
}
