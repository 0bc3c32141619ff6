package fleet_algorithms

import (
	"context"

	"github.com/renderfleet/renderfleet/backend/services/fleet-service/tunnels"
	logger "github.com/renderfleet/renderfleet/backend/services/fleetlogger"
	"github.com/renderfleet/renderfleet/backend/services/utils"
	"go.uber.org/zap"
)

// ReconcileSessions rebuilds the authoritative session list for this cycle
// by cross-referencing the marketplace's instance listing with the tunnel
// processes actually running locally. Neither source is trusted alone: the
// marketplace doesn't know about our tunnels, and a tunnel may outlive the
// instance it pointed at.
func (s *DefaultFleetAlgorithm) ReconcileSessions(cycleCtx context.Context, event FleetEvent) ([]Session, error) {
	contextFields := []interface{}{
		zap.String("cycle_id", event.ID),
	}
	logger.Infow("Starting session reconciliation.", contextFields)

	instances, err := s.Host.ListInstances(cycleCtx)
	if err != nil {
		return nil, utils.MakeError("failed to list instances for reconciliation: %s", err)
	}

	sessions := make([]Session, 0, len(instances))
	for _, instance := range instances {
		sessions = append(sessions, Session{Instance: instance})
	}

	tunnelProcesses, err := s.Processes.ListTunnelProcesses()
	if err != nil {
		return nil, utils.MakeError("failed to list tunnel processes: %s", err)
	}

	for _, info := range tunnelProcesses {
		// Parse failures are fatal: the invocation shape we spawn
		// is the invocation shape we parse, so a mismatch propagates up and
		// aborts the whole cycle rather than corrupting port accounting.
		tunnel, err := tunnels.Parse(info)
		if err != nil {
			return nil, err
		}

		matched := false
		for i := range sessions {
			if sessions[i].Instance.PublicIP == tunnel.RemoteHost && sessions[i].Instance.SSHPort == tunnel.RemotePort {
				attached := tunnel
				sessions[i].Tunnel = &attached
				matched = true
				break
			}
		}

		if !matched {
			// Orphan: a live forward to a host we no longer track. It is
			// leaking a local port and an ssh connection, so kill it now.
			logger.Warningf("Killing orphan tunnel pid %d to %s:%d (local port %d).", tunnel.PID, tunnel.RemoteHost, tunnel.RemotePort, tunnel.LocalPort)
			err := tunnels.KillProcess(cycleCtx, s.Runner, tunnel.PID)
			if err != nil {
				return nil, utils.MakeError("failed to kill orphan tunnel pid %d: %s", tunnel.PID, err)
			}
		}
	}

	logger.Infow(utils.Sprintf("Reconciled %d sessions from %d instances and %d tunnel processes.", len(sessions), len(instances), len(tunnelProcesses)), contextFields)

	return sessions, nil
}
