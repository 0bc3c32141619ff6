package vast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	logger "github.com/renderfleet/renderfleet/backend/services/fleetlogger"
	"github.com/renderfleet/renderfleet/backend/services/marketplace"
	"github.com/renderfleet/renderfleet/backend/services/utils"
)

// VastHost talks to the vast.ai-style marketplace REST API. It implements
// the hosts.MarketplaceHandler interface.
type VastHost struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

// Initialize prepares the HTTP client used for all marketplace calls. The
// per-request timeouts are handled through contexts by the retry wrapper, so
// the client itself has no timeout.
func (host *VastHost) Initialize(apiKey string) error {
	if apiKey == "" {
		return utils.MakeError("marketplace API key is empty")
	}

	host.APIKey = apiKey
	if host.BaseURL == "" {
		host.BaseURL = defaultBaseURL
	}
	if host.Client == nil {
		host.Client = &http.Client{}
	}

	return nil
}

// offerSearch is the query body sent to the offer search endpoint. The
// marketplace sorts results by compute-per-dollar, descending, so the
// acquisition engine can consume them in returned order.
type offerSearch struct {
	Type      string           `json:"type"`
	Order     [][]string       `json:"order"`
	MachineID map[string][]int `json:"machine_id,omitempty"`
}

type offerSearchResponse struct {
	Offers []marketplace.Offer `json:"offers"`
}

// ListOffers queries the marketplace for rentable offers, excluding the
// given machine ids (the persisted blocklist).
func (host *VastHost) ListOffers(ctx context.Context, excludedMachineIDs []int) ([]marketplace.Offer, error) {
	search := offerSearch{
		Type:  "ask",
		Order: [][]string{{"dlperf_per_dphtotal", "desc"}},
	}
	if len(excludedMachineIDs) > 0 {
		search.MachineID = map[string][]int{"nin": excludedMachineIDs}
	}

	var result offerSearchResponse
	err := host.doRequest(ctx, http.MethodPut, "/bundles/", search, &result)
	if err != nil {
		return nil, utils.MakeError("failed to list marketplace offers: %s", err)
	}

	return result.Offers, nil
}

type createInstanceRequest struct {
	ClientID string `json:"client_id"`
	Image    string `json:"image"`
	Disk     int    `json:"disk"`
}

type createInstanceResponse struct {
	Success     bool `json:"success"`
	NewContract int  `json:"new_contract"`
}

// CreateInstance rents the given offer. A marketplace report that the offer
// is already gone surfaces as marketplace.ErrResourceGone so the caller can
// treat it as a soft failure.
func (host *VastHost) CreateInstance(ctx context.Context, offerID int) (int, error) {
	request := createInstanceRequest{
		ClientID: "me",
		Image:    workloadImage,
		Disk:     workloadDiskGB,
	}

	var result createInstanceResponse
	err := host.doRequest(ctx, http.MethodPut, utils.Sprintf("/asks/%d/", offerID), request, &result)
	if err != nil {
		return 0, err
	}

	if !result.Success {
		return 0, utils.MakeError("marketplace rejected instance creation for offer %d", offerID)
	}

	return result.NewContract, nil
}

type instancesResponse struct {
	Instances []marketplace.Instance `json:"instances"`
}

type instanceResponse struct {
	Instances marketplace.Instance `json:"instances"`
}

// GetInstance re-fetches a single instance from the marketplace.
func (host *VastHost) GetInstance(ctx context.Context, instanceID int) (marketplace.Instance, error) {
	var result instanceResponse
	err := host.doRequest(ctx, http.MethodGet, utils.Sprintf("/instances/%d/", instanceID), nil, &result)
	if err != nil {
		return marketplace.Instance{}, err
	}

	return result.Instances, nil
}

// ListInstances returns every instance currently rented under our API key.
func (host *VastHost) ListInstances(ctx context.Context) ([]marketplace.Instance, error) {
	var result instancesResponse
	err := host.doRequest(ctx, http.MethodGet, "/instances/", nil, &result)
	if err != nil {
		return nil, utils.MakeError("failed to list marketplace instances: %s", err)
	}

	return result.Instances, nil
}

// TerminateInstance destroys the given instance on the marketplace. It is
// used both for graceful exits and for evictions.
func (host *VastHost) TerminateInstance(ctx context.Context, instanceID int) error {
	err := host.doRequest(ctx, http.MethodDelete, utils.Sprintf("/instances/%d/", instanceID), nil, nil)
	if err != nil {
		return utils.MakeError("failed to terminate instance %d: %s", instanceID, err)
	}

	return nil
}

// doRequest is the uniform retry wrapper every marketplace call goes
// through. Transient failures (rate limits, 5xx, network errors) are
// retried with a growing per-attempt timeout; anything recognized as
// non-transient aborts the loop immediately and surfaces to the caller.
func (host *VastHost) doRequest(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var lastErr error

	for attempt := 1; attempt <= maxRequestAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(attempt)*baseRequestTimeout)
		lastErr = host.doOnce(attemptCtx, method, path, body, out)
		cancel()

		if lastErr == nil {
			return nil
		}

		if !isTransient(lastErr) {
			return lastErr
		}

		logger.Warningf("marketplace request %s %s failed on attempt %d/%d, retrying: %s", method, path, attempt, maxRequestAttempts, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return utils.MakeError("marketplace request %s %s failed after %d attempts: %s", method, path, maxRequestAttempts, lastErr)
}

// doOnce performs a single marketplace HTTP round trip and maps the
// response status onto the error taxonomy.
func (host *VastHost) doOnce(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return utils.MakeError("failed to marshal request body for %s %s: %s", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, host.BaseURL+path+"?api_key="+host.APIKey, reader)
	if err != nil {
		return utils.MakeError("failed to build request for %s %s: %s", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := host.Client.Do(req)
	if err != nil {
		// Network-level failures are transient by definition.
		return utils.MakeError("%w: %s", marketplace.ErrRateLimited, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return marketplace.ErrResourceGone
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return utils.MakeError("%w: marketplace returned status %d", marketplace.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 400:
		responseBody, _ := io.ReadAll(resp.Body)
		return utils.MakeError("marketplace returned status %d: %s", resp.StatusCode, responseBody)
	}

	if out == nil {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return utils.MakeError("failed to decode marketplace response for %s %s: %s", method, path, err)
	}

	return nil
}

// isTransient reports whether the error belongs to the retryable class.
// ErrResourceGone and plain 4xx responses are final; everything that got
// wrapped with ErrRateLimited (including network errors) is retried.
func isTransient(err error) bool {
	return errors.Is(err, marketplace.ErrRateLimited)
}
