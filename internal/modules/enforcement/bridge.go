// Package enforcement turns session intent into firewall reality. The
// ruleset read back from the firewall is the single source of truth;
// nothing here caches what it believes it installed.
package enforcement

import (
	"context"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/netexec"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	"go.uber.org/zap"
)

// Bridge grants and revokes network access per device.
type Bridge interface {
	Allow(ctx context.Context, macAddr string) error
	Deny(ctx context.Context, macAddr string) error
	IsAllowed(ctx context.Context, macAddr string) (bool, error)
	Status(ctx context.Context, macAddr string) ([]netexec.RuleEntry, error)
	AllowedDevices(ctx context.Context) ([]string, error)
	HasBaseline(ctx context.Context) (bool, error)
	EnsureBaseline(ctx context.Context) error
}

// Service is the iptables-backed Bridge.
type Service struct {
	exec   netexec.Executor
	logger *zap.Logger
}

func NewService(exec netexec.Executor, logger *zap.Logger) *Service {
	return &Service{exec: exec, logger: logger}
}

// Allow installs an accept rule for the device. Already-allowed is a
// no-op, not an error.
func (s *Service) Allow(ctx context.Context, macAddr string) error {
	canonical, err := mac.Canonical(macAddr)
	if err != nil {
		return err
	}
	allowed, err := s.IsAllowed(ctx, canonical)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}
	if err := s.exec.AddAllowRule(ctx, canonical); err != nil {
		return err
	}
	s.logger.Info("device allowed", zap.String("mac", canonical))
	return nil
}

// Deny removes every accept rule for the device. Duplicate rules can
// accumulate after crashes, so deletion loops until the ruleset is
// clean.
func (s *Service) Deny(ctx context.Context, macAddr string) error {
	canonical, err := mac.Canonical(macAddr)
	if err != nil {
		return err
	}
	for {
		allowed, err := s.IsAllowed(ctx, canonical)
		if err != nil {
			return err
		}
		if !allowed {
			return nil
		}
		if err := s.exec.DeleteAllowRule(ctx, canonical); err != nil {
			return err
		}
		s.logger.Info("device denied", zap.String("mac", canonical))
	}
}

// IsAllowed reads the effective ruleset.
func (s *Service) IsAllowed(ctx context.Context, macAddr string) (bool, error) {
	entries, err := s.Status(ctx, macAddr)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Status returns the rule entries matching the device.
func (s *Service) Status(ctx context.Context, macAddr string) ([]netexec.RuleEntry, error) {
	canonical, err := mac.Canonical(macAddr)
	if err != nil {
		return nil, err
	}
	rules, err := s.exec.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	var matched []netexec.RuleEntry
	for _, r := range rules {
		if r.Device == canonical {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// AllowedDevices returns the distinct device addresses present in the
// allow chain.
func (s *Service) AllowedDevices(ctx context.Context) ([]string, error) {
	rules, err := s.exec.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var devices []string
	for _, r := range rules {
		if r.Device == "" {
			continue
		}
		if _, ok := seen[r.Device]; ok {
			continue
		}
		seen[r.Device] = struct{}{}
		devices = append(devices, r.Device)
	}
	return devices, nil
}

// HasBaseline reports whether the captive chain and NAT masquerade
// are installed.
func (s *Service) HasBaseline(ctx context.Context) (bool, error) {
	return s.exec.CheckCaptiveMode(ctx)
}

// EnsureBaseline checks and installs the captive chain and NAT
// masquerade.
func (s *Service) EnsureBaseline(ctx context.Context) error {
	return s.exec.EnableCaptiveMode(ctx)
}
