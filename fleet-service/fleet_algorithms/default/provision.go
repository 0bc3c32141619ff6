package fleet_algorithms

import (
	"context"
	"strings"
	"time"

	"github.com/renderfleet/renderfleet/backend/services/fleet-service/tunnels"
	logger "github.com/renderfleet/renderfleet/backend/services/fleetlogger"
	"github.com/renderfleet/renderfleet/backend/services/marketplace"
	"github.com/renderfleet/renderfleet/backend/services/utils"
	"go.uber.org/zap"
)

// ProvisionTunnels drives at most one tunnel-less session from "created" to
// "tunneled" per cycle: poll until ready, verify reachability over ssh,
// then spawn the detached port-forward. Processing one session per pass
// keeps a single bad host's eviction from stalling provisioning for the
// rest of the fleet beyond one cycle.
//
// Any failure before the tunnel spawn evicts the instance (the host is at
// fault); running out of ports is a bookkeeping bug and aborts the service.
func (s *DefaultFleetAlgorithm) ProvisionTunnels(cycleCtx context.Context, event FleetEvent, sessions []Session) error {
	contextFields := []interface{}{
		zap.String("cycle_id", event.ID),
	}

	var usedPorts []int
	for _, session := range sessions {
		if session.Tunnel != nil {
			usedPorts = append(usedPorts, session.Tunnel.LocalPort)
		}
	}

	for _, session := range sessions {
		if session.Tunnel != nil {
			continue
		}

		instance := session.Instance
		logger.Infow(utils.Sprintf("Provisioning tunnel for instance %d.", instance.ID), contextFields)

		ready, failureReason, err := s.pollInstanceReady(cycleCtx, instance.ID)
		if err != nil {
			return err
		}
		if failureReason != "" {
			return s.evict(cycleCtx, instance, failureReason)
		}

		reachable, err := s.verifyReachable(cycleCtx, ready)
		if err != nil {
			return err
		}
		if !reachable {
			return s.evict(cycleCtx, ready, utils.Sprintf("host unreachable after %d ssh attempts", reachabilityAttempts))
		}

		localPort, err := tunnels.AllocatePort(usedPorts, s.MaxSessions)
		if err != nil {
			// ErrNoFreePort: capacity enforcement should have guaranteed a
			// free port, so this propagates as fatal.
			return err
		}

		err = tunnels.Spawn(s.Runner, localPort, ready.PublicIP, ready.SSHPort)
		if err != nil {
			return utils.MakeError("failed to spawn tunnel for instance %d: %s", ready.ID, err)
		}

		// Don't wait for the process to be observed running; the next
		// reconciliation pass will pick it up from the process table.
		logger.Infow(utils.Sprintf("Spawned tunnel for instance %d: local port %d -> %s:%d.", ready.ID, localPort, ready.PublicIP, ready.SSHPort), contextFields)
		return nil
	}

	return nil
}

// pollInstanceReady re-fetches the instance on a fixed cadence until it is
// running with an assigned ssh port. It returns the freshly fetched
// instance on success, or a non-empty failure reason when the instance will
// not come up (fatal status message, or retry budget exhausted). A returned
// error means the marketplace itself failed, which is a cycle error rather
// than the host's fault.
func (s *DefaultFleetAlgorithm) pollInstanceReady(cycleCtx context.Context, instanceID int) (marketplace.Instance, string, error) {
	var instance marketplace.Instance

	for attempt := 1; attempt <= readyPollAttempts; attempt++ {
		var err error
		instance, err = s.Host.GetInstance(cycleCtx, instanceID)
		if err != nil {
			return instance, "", utils.MakeError("failed to poll instance %d: %s", instanceID, err)
		}

		for _, pattern := range fatalStatusPatterns {
			if strings.Contains(strings.ToLower(instance.StatusMsg), pattern) {
				return instance, utils.Sprintf("fatal status while loading: %s", instance.StatusMsg), nil
			}
		}

		if instance.Status == marketplace.StatusRunning && instance.SSHPort > 0 {
			return instance, "", nil
		}

		logger.Infof("Instance %d not ready yet (status %q, ssh port %d), attempt %d/%d.", instanceID, instance.Status, instance.SSHPort, attempt, readyPollAttempts)

		select {
		case <-cycleCtx.Done():
			return instance, "", cycleCtx.Err()
		case <-time.After(readyPollDelay):
		}
	}

	return instance, utils.Sprintf("instance never became ready after %d attempts", readyPollAttempts), nil
}

// verifyReachable makes short-timeout ssh attempts to the instance and
// checks that the workload process is actually present. Instances whose
// ssh endpoint never answers, or answer without the workload running, are
// not worth keeping.
func (s *DefaultFleetAlgorithm) verifyReachable(cycleCtx context.Context, instance marketplace.Instance) (bool, error) {
	for attempt := 1; attempt <= reachabilityAttempts; attempt++ {
		result, err := tunnels.RunRemote(cycleCtx, s.Runner, instance.PublicIP, instance.SSHPort, "pgrep -f "+workloadProcess)
		if err != nil {
			return false, utils.MakeError("failed to run reachability check for instance %d: %s", instance.ID, err)
		}

		if result.ExitCode == 0 && strings.TrimSpace(result.Stdout) != "" {
			return true, nil
		}

		logger.Infof("Instance %d not reachable yet (exit code %d), attempt %d/%d.", instance.ID, result.ExitCode, attempt, reachabilityAttempts)

		select {
		case <-cycleCtx.Done():
			return false, cycleCtx.Err()
		case <-time.After(reachabilityDelay):
		}
	}

	return false, nil
}
