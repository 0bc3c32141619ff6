package fleet_algorithms

import (
	"context"
	"errors"

	logger "github.com/renderfleet/renderfleet/backend/services/fleetlogger"
	"github.com/renderfleet/renderfleet/backend/services/marketplace"
	"github.com/renderfleet/renderfleet/backend/services/utils"
	"go.uber.org/zap"
)

// AcquireIfNecessary tops the fleet back up to capacity. Offers are
// filtered through the policy pipeline and consumed in marketplace order
// (the marketplace sorts by efficiency, descending) until capacity is
// reached or the list runs out. Finding nothing acceptable is a normal
// outcome, not an error.
func (s *DefaultFleetAlgorithm) AcquireIfNecessary(cycleCtx context.Context, event FleetEvent, sessions []Session) error {
	contextFields := []interface{}{
		zap.String("cycle_id", event.ID),
	}

	needed := s.MaxSessions - len(sessions)
	if needed <= 0 {
		return nil
	}

	blockedIDs := s.BlockList.MachineIDs()
	logger.Infow(utils.Sprintf("Fleet is %d sessions under capacity, searching for offers (%d blocked machines: %s).", needed, len(blockedIDs), utils.PrintSlice(blockedIDs, 10)), contextFields)

	offers, err := s.Host.ListOffers(cycleCtx, blockedIDs)
	if err != nil {
		return utils.MakeError("failed to list offers: %s", err)
	}

	accepted := 0
	for _, offer := range offers {
		if accepted >= needed {
			break
		}

		reason := s.rejectOffer(offer, sessions)
		if reason != "" {
			continue
		}

		instanceID, err := s.Host.CreateInstance(cycleCtx, offer.ID)
		if err != nil {
			if errors.Is(err, marketplace.ErrResourceGone) {
				// Someone else rented it between listing and creation.
				// Soft failure: move on to the next offer.
				logger.Infow(utils.Sprintf("Offer %d is already gone, skipping.", offer.ID), contextFields)
				continue
			}
			return utils.MakeError("failed to create instance from offer %d: %s", offer.ID, err)
		}

		logger.Infow(utils.Sprintf("Created instance %d from offer %d (%dx %s at $%.3f/hr on machine %d).", instanceID, offer.ID, offer.NumGPUs, offer.GPUName, offer.PricePerHr, offer.MachineID), contextFields)
		accepted++
	}

	if accepted == 0 {
		logger.Infow("No acceptable offers on the marketplace this cycle.", contextFields)
	}

	return nil
}

// rejectOffer runs the conjunctive filter pipeline over one offer and
// returns the rejection reason, or "" if the offer is acceptable. Cheaper
// checks run first; order does not affect correctness.
func (s *DefaultFleetAlgorithm) rejectOffer(offer marketplace.Offer, sessions []Session) string {
	// Price efficiency: throughput per dollar must strictly exceed the
	// family's threshold.
	if offer.PricePerHr <= 0 || offer.Throughput/offer.PricePerHr <= s.minEfficiency(offer.GPUName) {
		return "efficiency below threshold"
	}

	// Network adequacy: upload bandwidth must scale with compute, or the
	// network becomes the workload's bottleneck.
	if offer.InetUpMbps <= networkMbpsPerThroughput*offer.Throughput {
		return "upload bandwidth too low for throughput"
	}

	// Multi-GPU hosts are only rented from geographies that have proven
	// reliable for them. Single-GPU offers are unrestricted.
	if offer.NumGPUs > 1 && !utils.StringSliceContains(s.AllowedCountries, offer.Geolocation) {
		return "multi-GPU offer outside allowed geographies"
	}

	// Throttle avoidance: don't concentrate rented capacity behind an
	// uplink we already know to be throttled. An offer behind a throttled
	// prefix is fine as long as no existing session shares that prefix.
	if prefix := s.Throttled.Match(offer.PublicIP); prefix != "" {
		for _, session := range sessions {
			if s.Throttled.Match(session.Instance.PublicIP) == prefix {
				return "existing session already behind throttled prefix " + prefix
			}
		}
	}

	return ""
}

// minEfficiency returns the throughput-per-dollar floor for a GPU family.
// The top-tier family's floor is derived from its configured price ceiling,
// since its baseline market price makes the fixed floor unreachable; every
// other family uses the fixed default.
func (s *DefaultFleetAlgorithm) minEfficiency(gpuName string) float64 {
	if gpuName == topTierGPU {
		return topTierReferenceThroughput / s.TopTierPriceCeiling
	}
	return defaultMinEfficiency
}
