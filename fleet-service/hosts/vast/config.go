package vast

import "time"

const (
	// defaultBaseURL is the production marketplace API endpoint.
	defaultBaseURL = "https://console.vast.ai/api/v0"

	// maxRequestAttempts is the number of times a marketplace call is tried
	// before its error surfaces to the caller. Only transient failures
	// (rate limits, 5xx, network errors) are retried.
	maxRequestAttempts = 4

	// baseRequestTimeout is the per-attempt timeout of the first attempt.
	// Each subsequent attempt gets one more multiple of this, so a slow
	// marketplace response eventually gets room to complete.
	baseRequestTimeout = 10 * time.Second

	// workloadImage is the container image every rented instance boots into.
	workloadImage = "renderfleet/render-worker:latest"

	// workloadDiskGB is the disk allocation requested with every rental.
	workloadDiskGB = 40
)

// retryDelay is the pause between attempts, so retries don't hammer the
// marketplace's per-key rate limit. A variable so tests can shorten it.
var retryDelay = 2 * time.Second
