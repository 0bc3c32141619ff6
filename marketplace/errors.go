package marketplace // import "github.com/renderfleet/renderfleet/backend/services/marketplace"

import "errors"

// ErrResourceGone indicates the targeted offer or instance no longer exists
// on the marketplace (404/410 class). It is a soft failure: the caller
// abandons the current attempt but the cycle continues.
var ErrResourceGone = errors.New("marketplace resource no longer exists")

// ErrRateLimited indicates the marketplace rejected the call because of the
// per-key rate limit. It is transient and retried by the client's retry
// wrapper.
var ErrRateLimited = errors.New("marketplace rate limit exceeded")
