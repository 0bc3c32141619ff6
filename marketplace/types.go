package marketplace // import "github.com/renderfleet/renderfleet/backend/services/marketplace"

// Offer is a custom type to represent a not-yet-rented compute slot
// advertised by the marketplace. Offers are ephemeral: they are consumed by
// the acquisition decision and never persisted.
type Offer struct {
	ID          int     `json:"id"`            // ID of the offer on the marketplace
	GPUName     string  `json:"gpu_name"`      // GPU family name, e.g. "RTX 4090"
	NumGPUs     int     `json:"num_gpus"`      // Number of GPUs on the offered host
	PricePerHr  float64 `json:"dph_total"`     // Total hourly price in USD
	Throughput  float64 `json:"dlperf"`        // Aggregate compute throughput score
	InetUpMbps  float64 `json:"inet_up"`       // Advertised upload bandwidth
	Geolocation string  `json:"geolocation"`   // Country code of the host
	MachineID   int     `json:"machine_id"`    // Stable ID of the physical host
	PublicIP    string  `json:"public_ipaddr"` // Advertised public address
}

// Instance is a custom type to represent a rented, marketplace-tracked
// compute resource. It is mutated only by re-fetching from the marketplace;
// local code never updates it in place.
type Instance struct {
	ID         int     `json:"id"`            // ID of the instance on the marketplace
	MachineID  int     `json:"machine_id"`    // Stable ID of the physical host, survives instance churn
	Status     string  `json:"actual_status"` // Lifecycle status: "loading", "running" or "exited"
	StatusMsg  string  `json:"status_msg"`    // Free-text status detail, carries provisioning errors
	PublicIP   string  `json:"public_ipaddr"` // Public IPv4 address
	SSHPort    int     `json:"ssh_port"`      // Assigned remote ssh port, 0 until allocated
	GPUName    string  `json:"gpu_name"`      // GPU family name
	NumGPUs    int     `json:"num_gpus"`      // Number of GPUs on the host
	PricePerHr float64 `json:"dph_total"`     // Total hourly price in USD
	GPUUtil    float64 `json:"gpu_util"`      // Marketplace-reported GPU utilization
}

// Instance lifecycle status values as reported by the marketplace.
const (
	StatusLoading = "loading"
	StatusRunning = "running"
	StatusExited  = "exited"
)

// GPUMetric holds one power sample for a single GPU, as parsed from remote
// telemetry output.
type GPUMetric struct {
	PowerDrawW  float64 // Instantaneous power draw in watts
	PowerLimitW float64 // Enforced power limit in watts
}
