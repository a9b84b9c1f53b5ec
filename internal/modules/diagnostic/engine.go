// Package diagnostic runs the staged connectivity remediation
// pipeline. Every failing branch performs exactly one corrective
// action before moving on; transient failures end up in the report,
// never in the caller's lap.
package diagnostic

import (
	"context"
	"fmt"
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/config"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/enforcement"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/session"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/netexec"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	"go.uber.org/zap"
)

// networkStack is what the connection-reset stage restarts.
var networkStack = []string{"networking", "dnsmasq"}

// reconciler is the slice of the session engine the auth stage needs.
type reconciler interface {
	Reconcile(ctx context.Context, deviceID string) (*session.ReconcileReport, error)
}

// Engine executes diagnostic runs. Independent runs for different
// devices may proceed concurrently; shared state (log, registry) is
// internally synchronized.
type Engine struct {
	cfg      config.DiagnosticConfig
	probes   netexec.Probes
	exec     netexec.Executor
	bridge   enforcement.Bridge
	sessions reconciler
	log      *Log
	registry *Registry
	// broadcast mirrors events to the realtime gateway when set.
	broadcast func(Event)
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(cfg config.DiagnosticConfig, probes netexec.Probes, exec netexec.Executor, bridge enforcement.Bridge, sessions reconciler, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		probes:   probes,
		exec:     exec,
		bridge:   bridge,
		sessions: sessions,
		log:      NewLog(),
		registry: NewRegistry(),
		logger:   logger,
		now:      time.Now,
	}
}

// SetBroadcast installs the live fan-out hook. Call before serving.
func (e *Engine) SetBroadcast(fn func(Event)) {
	e.broadcast = fn
}

// Log exposes the bounded event history.
func (e *Engine) Log() *Log {
	return e.log
}

// Subscribe registers a live event stream for a device.
func (e *Engine) Subscribe(deviceID string) (<-chan Event, func(), error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := e.registry.Subscribe(canonical)
	return ch, cancel, nil
}

// run carries per-invocation settings.
type run struct {
	engine     *Engine
	deviceID   string
	timeout    time.Duration
	attempts   int
	portalOnly bool
	events     []Event
}

// Run executes the pipeline for one device. The only error it returns
// is a malformed device identifier; every stage failure is absorbed
// into the report.
func (e *Engine) Run(ctx context.Context, deviceID string, opts Options) (*Report, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, err
	}

	r := &run{
		engine:     e,
		deviceID:   canonical,
		timeout:    e.cfg.StageTimeout(),
		attempts:   e.cfg.StageRetries,
		portalOnly: e.cfg.PortalOnly,
	}
	if opts.TimeoutMS > 0 {
		r.timeout = time.Duration(opts.TimeoutMS) * time.Millisecond
	}
	if opts.Retries > 0 {
		r.attempts = opts.Retries
	}
	if r.attempts < 1 {
		r.attempts = 1
	}
	if opts.PortalOnly != nil {
		r.portalOnly = *opts.PortalOnly
	}

	started := e.now()
	e.logger.Info("diagnostic run started",
		zap.String("mac", canonical),
		zap.Bool("portal_only", r.portalOnly))

	externalOk := r.probeStage(ctx, StageExternal, func(ctx context.Context) (*netexec.ProbeResult, error) {
		return e.probes.Ping(ctx, e.cfg.ExternalTarget)
	})

	if !externalOk && !r.portalOnly {
		// Informational only; DNS failure never blocks the pipeline.
		r.probeStage(ctx, StageDNS, func(ctx context.Context) (*netexec.ProbeResult, error) {
			return e.probes.ResolveName(ctx, e.cfg.DNSProbeName)
		})

		r.probeStage(ctx, StageGateway, func(ctx context.Context) (*netexec.ProbeResult, error) {
			gw, err := e.exec.DefaultGateway(ctx)
			if err != nil {
				return &netexec.ProbeResult{Success: false, Message: err.Error()}, nil
			}
			return e.probes.Ping(ctx, gw)
		})

		r.firewallStage(ctx)
		r.connectionResetStage(ctx)

		externalOk = r.probeStage(ctx, StageExternalRetry, func(ctx context.Context) (*netexec.ProbeResult, error) {
			return e.probes.Ping(ctx, e.cfg.ExternalTarget)
		})
	}

	internalOk := r.probeStage(ctx, StageInternal, func(ctx context.Context) (*netexec.ProbeResult, error) {
		return e.probes.HTTPProbe(ctx, e.cfg.PortalStatusURL)
	})

	if !internalOk {
		r.authStage(ctx)
		internalOk = r.probeStage(ctx, StageInternalRetry, func(ctx context.Context) (*netexec.ProbeResult, error) {
			return e.probes.HTTPProbe(ctx, e.cfg.PortalStatusURL)
		})
	}

	resolved := externalOk && internalOk
	r.emit(Event{
		Stage:   StageFinal,
		Success: resolved,
		Message: fmt.Sprintf("resolved=%t external=%t internal=%t", resolved, externalOk, internalOk),
		Details: map[string]string{
			"external_ok": fmt.Sprintf("%t", externalOk),
			"internal_ok": fmt.Sprintf("%t", internalOk),
		},
	}, true)

	report := &Report{
		DeviceID:   canonical,
		Resolved:   resolved,
		ExternalOk: externalOk,
		InternalOk: internalOk,
		StartedAt:  started,
		FinishedAt: e.now(),
		Events:     r.events,
	}
	e.logger.Info("diagnostic run finished",
		zap.String("mac", canonical),
		zap.Bool("resolved", resolved))
	return report, nil
}

// emit records one event everywhere: run report, rolling log, live
// subscribers, gateway.
func (r *run) emit(ev Event, final bool) Event {
	ev.Timestamp = r.engine.now()
	ev.DeviceID = r.deviceID
	r.events = append(r.events, ev)
	r.engine.log.Append(ev)
	if final {
		r.engine.registry.PublishFinal(ev)
	} else {
		r.engine.registry.Publish(ev)
	}
	if r.engine.broadcast != nil {
		r.engine.broadcast(ev)
	}
	return ev
}

// probeStage runs one probe with the stage timeout, emitting an event
// per attempt. Success on any attempt short-circuits.
func (r *run) probeStage(ctx context.Context, stage string, probe func(ctx context.Context) (*netexec.ProbeResult, error)) bool {
	for attempt := 1; attempt <= r.attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		result, err := probe(attemptCtx)
		cancel()

		if err != nil {
			result = &netexec.ProbeResult{Success: false, Message: err.Error()}
		}
		ev := Event{
			Stage:     stage,
			Success:   result.Success,
			Message:   result.Message,
			LatencyMS: result.Latency.Milliseconds(),
		}
		if r.attempts > 1 {
			ev.Details = map[string]string{"attempt": fmt.Sprintf("%d/%d", attempt, r.attempts)}
		}
		r.emit(ev, false)

		if result.Success {
			return true
		}
	}
	return false
}

// firewallStage inspects the captive baseline and installs it when
// missing.
func (r *run) firewallStage(ctx context.Context) {
	stageCtx, cancel := context.WithTimeout(ctx, r.timeout)
	present, err := r.engine.bridge.HasBaseline(stageCtx)
	cancel()

	if err != nil {
		r.emit(Event{Stage: StageFirewall, Success: false, Message: err.Error()}, false)
		return
	}

	if present {
		r.emit(Event{Stage: StageFirewall, Success: true, Message: "captive baseline present"}, false)
		return
	}
	r.emit(Event{Stage: StageFirewall, Success: false, Message: "captive baseline missing"}, false)

	fixCtx, cancel := context.WithTimeout(ctx, r.timeout)
	fixErr := r.engine.bridge.EnsureBaseline(fixCtx)
	cancel()
	if fixErr != nil {
		r.emit(Event{Stage: StageFirewallFix, Success: false, Message: fixErr.Error()}, false)
		return
	}
	r.emit(Event{Stage: StageFirewallFix, Success: true, Message: "captive baseline installed"}, false)
}

// connectionResetStage bounces the networking stack.
func (r *run) connectionResetStage(ctx context.Context) {
	stageCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err := r.engine.exec.RestartServices(stageCtx, networkStack...)
	cancel()

	if err != nil {
		r.emit(Event{Stage: StageConnectionReset, Success: false, Message: err.Error()}, false)
		return
	}
	r.emit(Event{Stage: StageConnectionReset, Success: true, Message: "network stack restarted"}, false)
}

// authStage validates session/enforcement consistency and remediates.
// The service restart only fires when reconcile actually had to
// correct something (or could not run); a consistent device keeps its
// network stack untouched.
func (r *run) authStage(ctx context.Context) {
	stageCtx, cancel := context.WithTimeout(ctx, r.timeout)
	report, err := r.engine.sessions.Reconcile(stageCtx, r.deviceID)
	cancel()

	if err != nil {
		r.emit(Event{Stage: StageAuth, Success: false, Message: err.Error()}, false)
		r.servicesRestartStage(ctx)
		return
	}

	if report.Changed {
		r.emit(Event{
			Stage:   StageAuth,
			Success: false,
			Message: "session and enforcement disagreed",
			Details: map[string]string{
				"want_allowed": fmt.Sprintf("%t", report.WantAllowed),
				"was_allowed":  fmt.Sprintf("%t", report.WasAllowed),
			},
		}, false)
		r.emit(Event{Stage: StageReconcile, Success: true, Message: "enforcement reconciled"}, false)
		r.servicesRestartStage(ctx)
		return
	}

	r.emit(Event{
		Stage:   StageAuth,
		Success: true,
		Message: fmt.Sprintf("session consistent, allowed=%t", report.WantAllowed),
	}, false)
}

func (r *run) servicesRestartStage(ctx context.Context) {
	restartCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err := r.engine.exec.RestartServices(restartCtx, networkStack...)
	cancel()
	if err != nil {
		r.emit(Event{Stage: StageServicesRestart, Success: false, Message: err.Error()}, false)
	} else {
		r.emit(Event{Stage: StageServicesRestart, Success: true, Message: "services restarted"}, false)
	}
}
