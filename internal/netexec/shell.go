package netexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/config"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	"go.uber.org/zap"
)

// ShellExecutor implements Executor and Probes by shelling out to the
// router's own tooling.
type ShellExecutor struct {
	cfg    config.NetworkConfig
	logger *zap.Logger
	http   *http.Client
}

// NewShellExecutor builds the default executor from the network config.
func NewShellExecutor(cfg config.NetworkConfig, logger *zap.Logger) *ShellExecutor {
	return &ShellExecutor{
		cfg:    cfg,
		logger: logger,
		http: &http.Client{
			// Redirects to the portal splash page still count as reachable.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (e *ShellExecutor) run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("%s %s: %s", bin, strings.Join(args, " "), msg)
	}
	return stdout.String(), nil
}

// ListRules parses `iptables -S <chain>` into rule entries.
func (e *ShellExecutor) ListRules(ctx context.Context) ([]RuleEntry, error) {
	out, err := e.run(ctx, e.cfg.IptablesPath, "-S", e.cfg.AllowChain)
	if err != nil {
		return nil, err
	}

	var rules []RuleEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-N ") || strings.HasPrefix(line, "-P ") {
			continue
		}
		rules = append(rules, parseRule(e.cfg.AllowChain, line))
	}
	return rules, nil
}

func parseRule(chain, line string) RuleEntry {
	entry := RuleEntry{Chain: chain, Raw: line}
	fields := strings.Fields(line)
	for i, f := range fields {
		switch f {
		case "--mac-source":
			if i+1 < len(fields) {
				if m, err := mac.Canonical(fields[i+1]); err == nil {
					entry.Device = m
				}
			}
		case "-j":
			if i+1 < len(fields) {
				entry.Target = fields[i+1]
			}
		}
	}
	return entry
}

func (e *ShellExecutor) AddAllowRule(ctx context.Context, macAddr string) error {
	_, err := e.run(ctx, e.cfg.IptablesPath,
		"-A", e.cfg.AllowChain, "-m", "mac", "--mac-source", strings.ToUpper(macAddr), "-j", "ACCEPT")
	return err
}

func (e *ShellExecutor) DeleteAllowRule(ctx context.Context, macAddr string) error {
	_, err := e.run(ctx, e.cfg.IptablesPath,
		"-D", e.cfg.AllowChain, "-m", "mac", "--mac-source", strings.ToUpper(macAddr), "-j", "ACCEPT")
	return err
}

// EnableCaptiveMode installs the allow chain and the NAT masquerade
// baseline. Safe to call repeatedly.
func (e *ShellExecutor) EnableCaptiveMode(ctx context.Context) error {
	if _, err := e.run(ctx, e.cfg.IptablesPath, "-L", e.cfg.AllowChain, "-n"); err != nil {
		if _, err := e.run(ctx, e.cfg.IptablesPath, "-N", e.cfg.AllowChain); err != nil {
			return err
		}
		if _, err := e.run(ctx, e.cfg.IptablesPath,
			"-I", "FORWARD", "-i", e.cfg.LANInterface, "-j", e.cfg.AllowChain); err != nil {
			return err
		}
	}

	if _, err := e.run(ctx, e.cfg.IptablesPath,
		"-t", "nat", "-C", "POSTROUTING", "-o", e.cfg.WANInterface, "-j", "MASQUERADE"); err != nil {
		if _, err := e.run(ctx, e.cfg.IptablesPath,
			"-t", "nat", "-A", "POSTROUTING", "-o", e.cfg.WANInterface, "-j", "MASQUERADE"); err != nil {
			return err
		}
		e.logger.Info("installed masquerade baseline", zap.String("wan", e.cfg.WANInterface))
	}
	return nil
}

// CheckCaptiveMode reports whether the allow chain and masquerade
// baseline are both in place.
func (e *ShellExecutor) CheckCaptiveMode(ctx context.Context) (bool, error) {
	if _, err := e.run(ctx, e.cfg.IptablesPath, "-L", e.cfg.AllowChain, "-n"); err != nil {
		return false, nil
	}
	if _, err := e.run(ctx, e.cfg.IptablesPath,
		"-t", "nat", "-C", "POSTROUTING", "-o", e.cfg.WANInterface, "-j", "MASQUERADE"); err != nil {
		return false, nil
	}
	return true, nil
}

func (e *ShellExecutor) DisableCaptiveMode(ctx context.Context) error {
	if _, err := e.run(ctx, e.cfg.IptablesPath, "-F", e.cfg.AllowChain); err != nil {
		return err
	}
	return nil
}

func (e *ShellExecutor) GetStatus(ctx context.Context) (*UplinkStatus, error) {
	status := &UplinkStatus{Interface: e.cfg.WANInterface}

	out, err := e.run(ctx, e.cfg.IPPath, "-o", "link", "show", "dev", e.cfg.WANInterface)
	if err != nil {
		return nil, err
	}
	status.Up = strings.Contains(out, "state UP")

	if out, err := e.run(ctx, e.cfg.IPPath, "-o", "-4", "addr", "show", "dev", e.cfg.WANInterface); err == nil {
		for _, f := range strings.Fields(out) {
			if ip, _, splitErr := net.ParseCIDR(f); splitErr == nil {
				status.Address = ip.String()
				break
			}
		}
	}

	if gw, err := e.DefaultGateway(ctx); err == nil {
		status.Gateway = gw
	}
	return status, nil
}

func (e *ShellExecutor) ConfigureUplink(ctx context.Context, address, gateway string) error {
	if _, err := e.run(ctx, e.cfg.IPPath, "link", "set", e.cfg.WANInterface, "up"); err != nil {
		return err
	}
	if address != "" {
		if _, err := e.run(ctx, e.cfg.IPPath, "addr", "replace", address, "dev", e.cfg.WANInterface); err != nil {
			return err
		}
	}
	if gateway != "" {
		if _, err := e.run(ctx, e.cfg.IPPath, "route", "replace", "default", "via", gateway, "dev", e.cfg.WANInterface); err != nil {
			return err
		}
	}
	return nil
}

func (e *ShellExecutor) CreateVlan(ctx context.Context, parent string, id int) error {
	name := fmt.Sprintf("%s.%d", parent, id)
	if _, err := e.run(ctx, e.cfg.IPPath,
		"link", "add", "link", parent, "name", name, "type", "vlan", "id", strconv.Itoa(id)); err != nil {
		return err
	}
	_, err := e.run(ctx, e.cfg.IPPath, "link", "set", name, "up")
	return err
}

func (e *ShellExecutor) RemoveVlan(ctx context.Context, parent string, id int) error {
	name := fmt.Sprintf("%s.%d", parent, id)
	_, err := e.run(ctx, e.cfg.IPPath, "link", "del", name)
	return err
}

func (e *ShellExecutor) SetupAccessPoint(ctx context.Context) error {
	return e.RestartServices(ctx, "hostapd", "dnsmasq")
}

// DefaultGateway returns the configured override when set, otherwise
// reads the default route.
func (e *ShellExecutor) DefaultGateway(ctx context.Context) (string, error) {
	if e.cfg.GatewayOverride != "" {
		return e.cfg.GatewayOverride, nil
	}
	out, err := e.run(ctx, e.cfg.IPPath, "route", "show", "default")
	if err != nil {
		return "", err
	}
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "via" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", fmt.Errorf("no default route")
}

// ListActiveDevices parses the LAN neighbor table.
func (e *ShellExecutor) ListActiveDevices(ctx context.Context) ([]Device, error) {
	out, err := e.run(ctx, e.cfg.IPPath, "neigh", "show", "dev", e.cfg.LANInterface)
	if err != nil {
		return nil, err
	}

	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		dev := Device{Address: fields[0], State: fields[len(fields)-1]}
		for i, f := range fields {
			if f == "lladdr" && i+1 < len(fields) {
				if m, macErr := mac.Canonical(fields[i+1]); macErr == nil {
					dev.MAC = m
				}
			}
		}
		if dev.MAC != "" {
			devices = append(devices, dev)
		}
	}
	return devices, nil
}

func (e *ShellExecutor) CheckUplinkConnectivity(ctx context.Context, target string) (*ProbeResult, error) {
	return e.Ping(ctx, target)
}

func (e *ShellExecutor) RestartServices(ctx context.Context, names ...string) error {
	for _, name := range names {
		if _, err := e.run(ctx, e.cfg.SystemctlPath, "restart", name); err != nil {
			return err
		}
	}
	return nil
}

// Ping sends a single ICMP echo via the ping binary.
func (e *ShellExecutor) Ping(ctx context.Context, target string) (*ProbeResult, error) {
	start := time.Now()
	_, err := e.run(ctx, "ping", "-c", "1", "-W", "2", target)
	latency := time.Since(start)
	if err != nil {
		return &ProbeResult{Success: false, Latency: latency, Message: err.Error()}, nil
	}
	return &ProbeResult{Success: true, Latency: latency, Message: "reply from " + target}, nil
}

// ResolveName checks DNS resolution through the system resolver.
func (e *ShellExecutor) ResolveName(ctx context.Context, name string) (*ProbeResult, error) {
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(ctx, name)
	latency := time.Since(start)
	if err != nil || len(addrs) == 0 {
		msg := "no addresses"
		if err != nil {
			msg = err.Error()
		}
		return &ProbeResult{Success: false, Latency: latency, Message: msg}, nil
	}
	return &ProbeResult{Success: true, Latency: latency, Message: name + " -> " + addrs[0]}, nil
}

// HTTPProbe issues a GET and treats any HTTP response as reachable.
func (e *ShellExecutor) HTTPProbe(ctx context.Context, url string) (*ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &ProbeResult{Success: false, Message: err.Error()}, nil
	}
	start := time.Now()
	resp, err := e.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &ProbeResult{Success: false, Latency: latency, Message: err.Error()}, nil
	}
	defer resp.Body.Close()
	return &ProbeResult{
		Success: resp.StatusCode < 500,
		Latency: latency,
		Message: resp.Status,
	}, nil
}
