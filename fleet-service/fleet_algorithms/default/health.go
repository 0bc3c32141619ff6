package fleet_algorithms

import (
	"context"
	"strconv"
	"strings"

	"github.com/renderfleet/renderfleet/backend/services/fleet-service/tunnels"
	logger "github.com/renderfleet/renderfleet/backend/services/fleetlogger"
	"github.com/renderfleet/renderfleet/backend/services/marketplace"
	"github.com/renderfleet/renderfleet/backend/services/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// healthVerdict is the outcome of sampling one session's telemetry. The
// sampling goroutines only fill these in; all mutation (usage history,
// blocklist, termination) happens serially after the join barrier.
type healthVerdict struct {
	checked     bool
	evictReason string
	unparseable bool
	utilization float64
}

// MonitorHealth samples GPU telemetry for every tunneled session and evicts
// hosts that are unqueryable, underpowered, or persistently underutilized.
// Sampling runs in parallel (the checks are independent remote reads), but
// verdicts are applied sequentially so each instance is evicted at most
// once per cycle and the blocklist has a single writer.
func (s *DefaultFleetAlgorithm) MonitorHealth(cycleCtx context.Context, event FleetEvent, sessions []Session) error {
	contextFields := []interface{}{
		zap.String("cycle_id", event.ID),
	}

	verdicts := make([]healthVerdict, len(sessions))

	group, groupCtx := errgroup.WithContext(cycleCtx)
	for i := range sessions {
		if sessions[i].Tunnel == nil || sessions[i].Instance.Status == marketplace.StatusExited {
			continue
		}

		i := i
		session := sessions[i]
		group.Go(func() error {
			verdict, err := s.sampleSessionHealth(groupCtx, session.Instance)
			if err != nil {
				return err
			}
			verdicts[i] = verdict
			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		return err
	}

	for i := range sessions {
		instance := sessions[i].Instance

		// An exited instance is terminated but its machine is not blocked:
		// expiry is not attributable to the host.
		if instance.Status == marketplace.StatusExited {
			logger.Infow(utils.Sprintf("Instance %d has exited, terminating.", instance.ID), contextFields)
			err := s.Host.TerminateInstance(cycleCtx, instance.ID)
			if err != nil {
				return utils.MakeError("failed to terminate exited instance %d: %s", instance.ID, err)
			}
			delete(s.UsageHistory, instance.ID)
			continue
		}

		verdict := verdicts[i]
		if !verdict.checked {
			continue
		}

		if verdict.evictReason != "" {
			err := s.evict(cycleCtx, instance, verdict.evictReason)
			if err != nil {
				return err
			}
			continue
		}

		if verdict.unparseable {
			// Ambiguous signal: telemetry came back but nothing in it
			// parsed. Don't punish the host for what may be our problem.
			logger.Warningf("No GPU telemetry lines parsed for instance %d, taking no action.", instance.ID)
			continue
		}

		history, ok := s.UsageHistory[instance.ID]
		if !ok {
			history = &UsageHistory{}
			s.UsageHistory[instance.ID] = history
		}
		history.Push(verdict.utilization)

		if history.Len() > usageJudgeAfter && history.Average() < s.UtilizationThreshold {
			err := s.evict(cycleCtx, instance, utils.Sprintf("rolling utilization %.3f below threshold %.3f over %d samples", history.Average(), s.UtilizationThreshold, history.Len()))
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// sampleSessionHealth runs the remote GPU power query for one instance and
// converts the output into a verdict. It performs remote reads only; the
// returned error is reserved for local failures to run the query at all.
func (s *DefaultFleetAlgorithm) sampleSessionHealth(ctx context.Context, instance marketplace.Instance) (healthVerdict, error) {
	result, err := tunnels.RunRemote(ctx, s.Runner, instance.PublicIP, instance.SSHPort, gpuQueryCommand)
	if err != nil {
		return healthVerdict{}, utils.MakeError("failed to run telemetry query for instance %d: %s", instance.ID, err)
	}

	verdict := healthVerdict{checked: true}

	if strings.Contains(result.Stdout, gpuUnreachablePattern) || strings.Contains(result.Stderr, gpuUnreachablePattern) {
		verdict.evictReason = "GPU device cannot be queried"
		return verdict, nil
	}

	if result.ExitCode != 0 {
		// ssh or nvidia-smi failed without implicating the device; treat
		// like unparseable output.
		verdict.unparseable = true
		return verdict, nil
	}

	metrics := parseGPUMetrics(result.Stdout)
	if len(metrics) == 0 {
		verdict.unparseable = true
		return verdict, nil
	}

	ratedPower, hasRating := gpuRatedPowerW[instance.GPUName]

	var totalUtilization float64
	for _, metric := range metrics {
		if hasRating && ratedPower > metric.PowerLimitW {
			// The host caps the GPU below its rated TDP: misconfigured or
			// deliberately throttled. No point looking at the other GPUs.
			verdict.evictReason = utils.Sprintf("GPU power limit %.0fW below rated %.0fW for %s", metric.PowerLimitW, ratedPower, instance.GPUName)
			return verdict, nil
		}
		totalUtilization += metric.PowerDrawW / metric.PowerLimitW
	}

	verdict.utilization = totalUtilization / float64(len(metrics))
	return verdict, nil
}

// parseGPUMetrics parses nvidia-smi power query output: one "draw, limit"
// line per GPU, in watts. Lines that don't parse are skipped; the caller
// decides what zero parsed lines means.
func parseGPUMetrics(output string) []marketplace.GPUMetric {
	var metrics []marketplace.GPUMetric

	for _, line := range strings.Split(output, "\n") {
		fields := strings.Split(line, ",")
		if len(fields) != 2 {
			continue
		}

		draw, errDraw := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		limit, errLimit := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if errDraw != nil || errLimit != nil || limit <= 0 {
			continue
		}

		metrics = append(metrics, marketplace.GPUMetric{PowerDrawW: draw, PowerLimitW: limit})
	}

	return metrics
}
