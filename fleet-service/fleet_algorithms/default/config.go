package fleet_algorithms

import "time"

const (
	// usageWindowSize is the number of utilization samples retained per
	// instance. At one sample per cycle this is roughly an hour of history.
	usageWindowSize = 60

	// usageJudgeAfter is the number of samples that must accumulate before
	// the rolling average is trusted enough to evict on. Judging earlier
	// would evict instances that are still warming up.
	usageJudgeAfter = 30

	// readyPollAttempts bounds the wait for a freshly created instance to
	// report running with an assigned ssh port. Readiness gets more
	// patience than the later checks because image pulls on the rented
	// host routinely take minutes.
	readyPollAttempts = 12

	// reachabilityAttempts bounds the ssh reachability verification of a
	// running instance.
	reachabilityAttempts = 4

	// networkMbpsPerThroughput is the minimum upload bandwidth required per
	// unit of compute throughput. Offers below it would make the network
	// the bottleneck for the workload.
	networkMbpsPerThroughput = 4.0

	// topTierGPU is the GPU family whose efficiency threshold is derived
	// from the configured price ceiling instead of the fixed default. Its
	// baseline market price is high enough that the default threshold would
	// reject every offer.
	topTierGPU = "H100 SXM"

	// topTierReferenceThroughput is the throughput score a single top-tier
	// GPU is expected to deliver. Divided by the configured price ceiling
	// it yields the efficiency threshold for that family.
	topTierReferenceThroughput = 800.0

	// defaultMinEfficiency is the throughput-per-dollar floor for every
	// other GPU family.
	defaultMinEfficiency = 200.0

	// workloadProcess is the process expected to be running inside every
	// healthy instance. Reachability verification greps for it.
	workloadProcess = "render-worker"

	// gpuQueryCommand is the remote telemetry query run over ssh on every
	// tunneled instance.
	gpuQueryCommand = "nvidia-smi --query-gpu=power.draw,power.limit --format=csv,noheader,nounits"

	// gpuUnreachablePattern in telemetry output means the GPU device itself
	// cannot be queried; the host is evicted immediately.
	gpuUnreachablePattern = "Unable to determine the device handle"
)

// Retry delays are variables so tests can shorten them.
var (
	readyPollDelay    = 20 * time.Second
	reachabilityDelay = 15 * time.Second
)

// fatalStatusPatterns are status-message fragments that mean an instance
// will never come up, so readiness polling stops immediately instead of
// burning the retry budget.
var fatalStatusPatterns = []string{
	"error response from daemon",
	"invalid host port",
}

// gpuRatedPowerW maps GPU family names to their rated TDP in watts. A host
// reporting a power limit below its GPU's rated TDP is misconfigured or
// deliberately throttled and gets evicted on sight.
var gpuRatedPowerW = map[string]float64{
	"H100 SXM":    700,
	"H100 PCIE":   350,
	"A100 SXM4":   400,
	"A100 PCIE":   300,
	"RTX 6000Ada": 300,
	"RTX 4090":    450,
	"RTX 4080":    320,
	"RTX 3090":    350,
	"RTX 3080":    320,
	"RTX A6000":   300,
	"Tesla V100":  300,
}
