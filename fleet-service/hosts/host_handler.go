package hosts

import (
	"context"

	"github.com/renderfleet/renderfleet/backend/services/marketplace"
)

// MarketplaceHandler is the interface the fleet algorithms use to talk to
// the GPU marketplace. Everything behind it goes through a uniform retry
// wrapper, so callers can treat a returned error as final.
type MarketplaceHandler interface {
	Initialize(apiKey string) error
	// ListOffers returns rentable offers, excluding the given machine ids.
	// The marketplace returns them sorted by efficiency, descending.
	ListOffers(ctx context.Context, excludedMachineIDs []int) ([]marketplace.Offer, error)
	// CreateInstance rents the given offer and returns the new instance id.
	CreateInstance(ctx context.Context, offerID int) (instanceID int, err error)
	GetInstance(ctx context.Context, instanceID int) (marketplace.Instance, error)
	ListInstances(ctx context.Context) ([]marketplace.Instance, error)
	TerminateInstance(ctx context.Context, instanceID int) error
}
