// Package config provides functions for reading configuration values from
// the environment when the fleet service starts and for reading those values
// while the service is running. config.Initialize() should be called as
// close as possible to the top of the main function.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"

	logger "github.com/renderfleet/renderfleet/backend/services/fleetlogger"
	"github.com/renderfleet/renderfleet/backend/services/metadata"
	"github.com/renderfleet/renderfleet/backend/services/utils"
)

// serviceConfig stores service-global configuration values.
type serviceConfig struct {
	// marketplaceAPIKey authenticates every marketplace call.
	marketplaceAPIKey string

	// allowedCountries is the list of geographies multi-GPU offers are
	// restricted to. Single-GPU offers are unrestricted.
	allowedCountries []string

	// maxSessions is the capacity of the fleet. The local tunnel port range
	// is sized to it.
	maxSessions int

	// topTierPriceCeiling is the hourly price ceiling used to derive the
	// efficiency threshold for the top-tier GPU family.
	topTierPriceCeiling float64

	// utilizationThreshold is the rolling-average utilization below which a
	// rental is judged not worth its cost and evicted.
	utilizationThreshold float64

	// stateDir is where the blocklist and throttled-prefix files live.
	stateDir string
}

// Defaults used when an environment variable is unset or unparseable.
const (
	defaultMaxSessions          = 4
	defaultTopTierPriceCeiling  = 2.50
	defaultUtilizationThreshold = 0.55
	defaultStateDir             = "/var/lib/renderfleet"
	defaultLocalStateDir        = ".renderfleet"
)

// defaultAllowedCountries are geographies known to be reliable for
// multi-GPU hosts.
var defaultAllowedCountries = []string{"US", "CA", "SE", "NO", "FI"}

// config is a singleton that stores service-global configuration values.
var config serviceConfig

// rw synchronizes access to the configuration singleton.
var rw sync.RWMutex

// Initialize populates the configuration singleton from the environment.
// The marketplace API key is the only value without a usable default.
func Initialize() error {
	rw.Lock()
	defer rw.Unlock()

	config.marketplaceAPIKey = os.Getenv("MARKETPLACE_API_KEY")
	if config.marketplaceAPIKey == "" && !metadata.IsRunningInCI() {
		return utils.MakeError("MARKETPLACE_API_KEY is not set")
	}

	config.allowedCountries = defaultAllowedCountries
	if raw := os.Getenv("ALLOWED_COUNTRIES"); raw != "" {
		var countries []string
		for _, c := range strings.Split(raw, ",") {
			c = strings.ToUpper(strings.TrimSpace(c))
			if c != "" {
				countries = append(countries, c)
			}
		}
		if len(countries) > 0 {
			config.allowedCountries = countries
		}
	}

	config.maxSessions = intFromEnv("MAX_SESSIONS", defaultMaxSessions)
	config.topTierPriceCeiling = floatFromEnv("TOP_TIER_PRICE_CEILING", defaultTopTierPriceCeiling)
	config.utilizationThreshold = floatFromEnv("UTILIZATION_THRESHOLD", defaultUtilizationThreshold)

	config.stateDir = os.Getenv("FLEET_STATE_DIR")
	if config.stateDir == "" {
		if metadata.IsLocalEnv() {
			config.stateDir = defaultLocalStateDir
		} else {
			config.stateDir = defaultStateDir
		}
	}

	return nil
}

// GetMarketplaceAPIKey returns the marketplace API key.
func GetMarketplaceAPIKey() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.marketplaceAPIKey
}

// GetAllowedCountries returns the geographies multi-GPU offers may come
// from.
func GetAllowedCountries() []string {
	rw.RLock()
	defer rw.RUnlock()

	return config.allowedCountries
}

// GetMaxSessions returns the fleet capacity.
func GetMaxSessions() int {
	rw.RLock()
	defer rw.RUnlock()

	return config.maxSessions
}

// GetTopTierPriceCeiling returns the hourly price ceiling for the top-tier
// GPU family.
func GetTopTierPriceCeiling() float64 {
	rw.RLock()
	defer rw.RUnlock()

	return config.topTierPriceCeiling
}

// GetUtilizationThreshold returns the eviction threshold for rolling
// average utilization.
func GetUtilizationThreshold() float64 {
	rw.RLock()
	defer rw.RUnlock()

	return config.utilizationThreshold
}

// GetStateDir returns the directory holding the persisted blocklist and
// throttled-prefix files.
func GetStateDir() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.stateDir
}

func intFromEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		logger.Warningf("Ignoring invalid value %q for %s, using default %d.", raw, name, fallback)
		return fallback
	}
	return value
}

func floatFromEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 0 {
		logger.Warningf("Ignoring invalid value %q for %s, using default %f.", raw, name, fallback)
		return fallback
	}
	return value
}
