package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/renderfleet/renderfleet/backend/services/fleet-service/blockstore"
	"github.com/renderfleet/renderfleet/backend/services/fleet-service/config"
	fa "github.com/renderfleet/renderfleet/backend/services/fleet-service/fleet_algorithms/default" // Import as fa, short for fleet_algorithms
	"github.com/renderfleet/renderfleet/backend/services/fleet-service/hosts/vast"
	"github.com/renderfleet/renderfleet/backend/services/fleet-service/tunnels"
	logger "github.com/renderfleet/renderfleet/backend/services/fleetlogger"
)

const (
	// cycleInterval is the pause between fleet cycles.
	cycleInterval = 60 * time.Second

	// throttleReloadInterval is how often the throttled-prefix file is
	// re-read, so operators can update it without a restart.
	throttleReloadInterval = 10 * time.Minute
)

func main() {
	globalCtx, globalCancel := context.WithCancel(context.Background())
	goroutineTracker := &sync.WaitGroup{}

	err := config.Initialize()
	if err != nil {
		logger.Errorf("Failed to initialize config: %s", err)
		logger.Close()
		os.Exit(1)
	}

	// Load the persisted state: the machine blocklist (created if absent)
	// and the throttled-prefix list.
	store, err := blockstore.New(afero.NewOsFs(), config.GetStateDir())
	if err != nil {
		logger.Errorf("Failed to open state directory: %s", err)
		logger.Close()
		os.Exit(1)
	}

	blockList, err := blockstore.LoadBlockList(store)
	if err != nil {
		logger.Errorf("Failed to load blocklist: %s", err)
		logger.Close()
		os.Exit(1)
	}

	throttled, err := blockstore.LoadThrottledPrefixes(store)
	if err != nil {
		logger.Errorf("Failed to load throttled prefixes: %s", err)
		logger.Close()
		os.Exit(1)
	}

	// Start the marketplace client
	marketplaceHost := &vast.VastHost{}
	err = marketplaceHost.Initialize(config.GetMarketplaceAPIKey())
	if err != nil {
		logger.Errorf("Failed to start marketplace client: %s", err)
		logger.Close()
		os.Exit(1)
	}

	algorithm := &fa.DefaultFleetAlgorithm{
		Runner:               &tunnels.ExecRunner{},
		Processes:            &tunnels.PsutilLister{},
		BlockList:            blockList,
		Throttled:            throttled,
		MaxSessions:          config.GetMaxSessions(),
		UtilizationThreshold: config.GetUtilizationThreshold(),
		TopTierPriceCeiling:  config.GetTopTierPriceCeiling(),
		AllowedCountries:     config.GetAllowedCountries(),
	}
	algorithm.CreateEventChans()
	algorithm.CreateUsageHistory()
	algorithm.CreateMarketplaceHandler(marketplaceHost)
	algorithm.ProcessEvents(globalCtx, globalCancel, goroutineTracker)

	StartSchedulerEvents(algorithm, throttled)

	logger.Infof("Fleet service started with capacity %d.", config.GetMaxSessions())

	// Kick off the first cycle immediately rather than waiting a full
	// interval after startup.
	algorithm.CycleEventChan <- fa.FleetEvent{ID: uuid.NewString(), Type: "STARTUP_CYCLE_EVENT"}

	// Register a signal handler for Ctrl-C so that we cleanup if Ctrl-C is pressed.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for either the global context to get cancelled by a worker
	// goroutine (fatal internal error), or for us to receive an interrupt.
	// This needs to be the end of main().
	exitCode := 0
	select {
	case <-sigChan:
		logger.Infof("Got an interrupt or SIGTERM")
	case <-globalCtx.Done():
		logger.Infof("Global context cancelled!")
		exitCode = 1
	}

	globalCancel()
	logger.Close()
	os.Exit(exitCode)
}

// StartSchedulerEvents starts the recurring schedules: the fleet cycle tick
// and the periodic throttled-prefix reload. Cycle jobs run in singleton
// mode so a slow cycle (readiness polling can take minutes) never overlaps
// the next one.
func StartSchedulerEvents(algorithm *fa.DefaultFleetAlgorithm, throttled *blockstore.ThrottledPrefixes) {
	s := gocron.NewScheduler(time.UTC)

	s.Every(cycleInterval).SingletonMode().Do(func() {
		algorithm.CycleEventChan <- fa.FleetEvent{ID: uuid.NewString(), Type: "SCHEDULED_CYCLE_EVENT"}
	})

	s.Every(throttleReloadInterval).Do(func() {
		err := throttled.Reload()
		if err != nil {
			logger.Errorf("Failed to reload throttled prefixes: %s", err)
		}
	})

	s.StartAsync()
}
