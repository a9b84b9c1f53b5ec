// Package netexec wraps the OS networking tools the service drives.
// Everything here is an external side effect; callers inject the
// Executor interface so core logic stays testable without a router.
package netexec

import (
	"context"
	"time"
)

// RuleEntry is one parsed firewall rule from the allow chain.
type RuleEntry struct {
	Chain  string `json:"chain"`
	Device string `json:"device"` // canonical mac, empty when the rule has no mac match
	Target string `json:"target"`
	Raw    string `json:"raw"`
}

// UplinkStatus describes the WAN interface state.
type UplinkStatus struct {
	Interface string `json:"interface"`
	Up        bool   `json:"up"`
	Address   string `json:"address"`
	Gateway   string `json:"gateway"`
}

// Device is one entry from the neighbor table.
type Device struct {
	MAC      string `json:"mac"`
	Address  string `json:"address"`
	State    string `json:"state"`
	Hostname string `json:"hostname,omitempty"`
}

// ProbeResult is the outcome of a single connectivity probe.
type ProbeResult struct {
	Success bool
	Latency time.Duration
	Message string
}

// Executor drives iptables, ip and systemctl. All calls are
// context-bounded; a failing subprocess is an error return, never a
// crash.
type Executor interface {
	// Firewall.
	ListRules(ctx context.Context) ([]RuleEntry, error)
	AddAllowRule(ctx context.Context, macAddr string) error
	DeleteAllowRule(ctx context.Context, macAddr string) error
	EnableCaptiveMode(ctx context.Context) error
	DisableCaptiveMode(ctx context.Context) error
	CheckCaptiveMode(ctx context.Context) (bool, error)

	// Interfaces and routing.
	GetStatus(ctx context.Context) (*UplinkStatus, error)
	ConfigureUplink(ctx context.Context, address, gateway string) error
	CreateVlan(ctx context.Context, parent string, id int) error
	RemoveVlan(ctx context.Context, parent string, id int) error
	SetupAccessPoint(ctx context.Context) error
	DefaultGateway(ctx context.Context) (string, error)
	ListActiveDevices(ctx context.Context) ([]Device, error)
	CheckUplinkConnectivity(ctx context.Context, target string) (*ProbeResult, error)

	// Services.
	RestartServices(ctx context.Context, names ...string) error
}

// Probes are the network reachability checks the diagnostic engine
// runs. Split from Executor so tests can fake connectivity without
// faking the firewall.
type Probes interface {
	Ping(ctx context.Context, target string) (*ProbeResult, error)
	ResolveName(ctx context.Context, name string) (*ProbeResult, error)
	HTTPProbe(ctx context.Context, url string) (*ProbeResult, error)
}
