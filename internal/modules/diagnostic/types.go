package diagnostic

import "time"

// Stage names in pipeline order. Sub-stages (firewall-fix,
// external-retry, reconcile, services-restart, internal-retry) appear
// between their parents.
const (
	StageExternal        = "external"
	StageDNS             = "dns"
	StageGateway         = "gateway"
	StageFirewall        = "firewall"
	StageFirewallFix     = "firewall-fix"
	StageConnectionReset = "connection-reset"
	StageExternalRetry   = "external-retry"
	StageInternal        = "internal"
	StageAuth            = "auth"
	StageReconcile       = "reconcile"
	StageServicesRestart = "services-restart"
	StageInternalRetry   = "internal-retry"
	StageFinal           = "final"
)

// Event is one diagnostic attempt outcome.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	DeviceID  string            `json:"device_id"`
	Stage     string            `json:"stage"`
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	LatencyMS int64             `json:"latency_ms,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Options tweak one diagnostic run. Zero values fall back to config.
type Options struct {
	PortalOnly *bool `json:"portal_only,omitempty"`
	TimeoutMS  int   `json:"timeout_ms,omitempty"`
	Retries    int   `json:"retries,omitempty"`
}

// Report is the terminal result of one run.
type Report struct {
	DeviceID   string    `json:"device_id"`
	Resolved   bool      `json:"resolved"`
	ExternalOk bool      `json:"external_ok"`
	InternalOk bool      `json:"internal_ok"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Events     []Event   `json:"events"`
}
