package diagnostic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/config"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/session"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/netexec"
	"go.uber.org/zap"
)

const testMAC = "aa:bb:cc:dd:ee:20"

// fakeProbes scripts per-target reachability.
type fakeProbes struct {
	mu          sync.Mutex
	pingOK      map[string]bool
	resolveOK   bool
	httpOK      bool
	pingCalls   []string
	httpCalls   int
}

func (f *fakeProbes) Ping(ctx context.Context, target string) (*netexec.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCalls = append(f.pingCalls, target)
	ok := f.pingOK[target]
	msg := "unreachable"
	if ok {
		msg = "reply"
	}
	return &netexec.ProbeResult{Success: ok, Latency: 5 * time.Millisecond, Message: msg}, nil
}

func (f *fakeProbes) ResolveName(ctx context.Context, name string) (*netexec.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &netexec.ProbeResult{Success: f.resolveOK, Message: "dns"}, nil
}

func (f *fakeProbes) HTTPProbe(ctx context.Context, url string) (*netexec.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.httpCalls++
	return &netexec.ProbeResult{Success: f.httpOK, Message: "portal"}, nil
}

// fakeEngineExec covers the Executor surface the engine touches.
type fakeEngineExec struct {
	mu       sync.Mutex
	gateway  string
	restarts int
}

func (f *fakeEngineExec) ListRules(ctx context.Context) ([]netexec.RuleEntry, error) { return nil, nil }
func (f *fakeEngineExec) AddAllowRule(ctx context.Context, macAddr string) error     { return nil }
func (f *fakeEngineExec) DeleteAllowRule(ctx context.Context, macAddr string) error  { return nil }
func (f *fakeEngineExec) EnableCaptiveMode(ctx context.Context) error                { return nil }
func (f *fakeEngineExec) DisableCaptiveMode(ctx context.Context) error               { return nil }
func (f *fakeEngineExec) CheckCaptiveMode(ctx context.Context) (bool, error)         { return true, nil }
func (f *fakeEngineExec) GetStatus(ctx context.Context) (*netexec.UplinkStatus, error) {
	return &netexec.UplinkStatus{Up: true}, nil
}
func (f *fakeEngineExec) ConfigureUplink(ctx context.Context, address, gateway string) error {
	return nil
}
func (f *fakeEngineExec) CreateVlan(ctx context.Context, parent string, id int) error { return nil }
func (f *fakeEngineExec) RemoveVlan(ctx context.Context, parent string, id int) error { return nil }
func (f *fakeEngineExec) SetupAccessPoint(ctx context.Context) error                  { return nil }
func (f *fakeEngineExec) DefaultGateway(ctx context.Context) (string, error) {
	return f.gateway, nil
}
func (f *fakeEngineExec) ListActiveDevices(ctx context.Context) ([]netexec.Device, error) {
	return nil, nil
}
func (f *fakeEngineExec) CheckUplinkConnectivity(ctx context.Context, target string) (*netexec.ProbeResult, error) {
	return &netexec.ProbeResult{Success: true}, nil
}
func (f *fakeEngineExec) RestartServices(ctx context.Context, names ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

// fakeEngineBridge scripts the baseline check.
type fakeEngineBridge struct {
	mu           sync.Mutex
	baseline     bool
	ensureCalls  int
	allowed      map[string]bool
}

func (b *fakeEngineBridge) Allow(ctx context.Context, macAddr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allowed == nil {
		b.allowed = make(map[string]bool)
	}
	b.allowed[macAddr] = true
	return nil
}
func (b *fakeEngineBridge) Deny(ctx context.Context, macAddr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.allowed, macAddr)
	return nil
}
func (b *fakeEngineBridge) IsAllowed(ctx context.Context, macAddr string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowed[macAddr], nil
}
func (b *fakeEngineBridge) Status(ctx context.Context, macAddr string) ([]netexec.RuleEntry, error) {
	return nil, nil
}
func (b *fakeEngineBridge) AllowedDevices(ctx context.Context) ([]string, error) { return nil, nil }
func (b *fakeEngineBridge) HasBaseline(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baseline, nil
}
func (b *fakeEngineBridge) EnsureBaseline(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureCalls++
	b.baseline = true
	return nil
}

// fakeReconciler scripts the auth stage outcome.
type fakeReconciler struct {
	mu      sync.Mutex
	changed bool
	calls   int
}

func (f *fakeReconciler) Reconcile(ctx context.Context, deviceID string) (*session.ReconcileReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &session.ReconcileReport{DeviceID: deviceID, Changed: f.changed, WantAllowed: true}, nil
}

func testDiagConfig() config.DiagnosticConfig {
	return config.DiagnosticConfig{
		StageTimeoutMS:  500,
		StageRetries:    2,
		ExternalTarget:  "1.1.1.1",
		DNSProbeName:    "example.org",
		PortalStatusURL: "http://127.0.0.1:8080/api/v1/health",
	}
}

func stageSequence(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if len(out) == 0 || out[len(out)-1] != ev.Stage {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func indexOf(stages []string, name string) int {
	for i, s := range stages {
		if s == name {
			return i
		}
	}
	return -1
}

func TestRunWithUnreachableExternalAndHealthyPortal(t *testing.T) {
	probes := &fakeProbes{
		pingOK:    map[string]bool{"192.168.1.1": true}, // gateway answers
		resolveOK: true,
		httpOK:    true,
	}
	exec := &fakeEngineExec{gateway: "192.168.1.1"}
	bridge := &fakeEngineBridge{baseline: false}
	engine := NewEngine(testDiagConfig(), probes, exec, bridge, &fakeReconciler{}, zap.NewNop())

	report, err := engine.Run(context.Background(), testMAC, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Resolved {
		t.Error("resolved must be false with a dead uplink")
	}
	if report.ExternalOk {
		t.Error("externalOk must be false")
	}
	if !report.InternalOk {
		t.Error("internalOk must be true")
	}

	stages := stageSequence(report.Events)
	want := []string{StageExternal, StageDNS, StageGateway, StageFirewall, StageFirewallFix, StageConnectionReset, StageExternalRetry, StageInternal, StageFinal}
	for i := 1; i < len(want); i++ {
		a, b := indexOf(stages, want[i-1]), indexOf(stages, want[i])
		if a == -1 || b == -1 || a > b {
			t.Errorf("stage order broken: %s before %s in %v", want[i-1], want[i], stages)
		}
	}

	// The missing baseline got exactly one corrective action.
	if bridge.ensureCalls != 1 {
		t.Errorf("firewall-fix ran %d times, want 1", bridge.ensureCalls)
	}
	if exec.restarts != 1 {
		t.Errorf("connection-reset restarted %d times, want 1", exec.restarts)
	}
}

func TestRunSkipsRemediationWhenExternalHealthy(t *testing.T) {
	probes := &fakeProbes{
		pingOK: map[string]bool{"1.1.1.1": true},
		httpOK: true,
	}
	exec := &fakeEngineExec{gateway: "192.168.1.1"}
	engine := NewEngine(testDiagConfig(), probes, exec, &fakeEngineBridge{baseline: true}, &fakeReconciler{}, zap.NewNop())

	report, err := engine.Run(context.Background(), testMAC, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !report.Resolved || !report.ExternalOk || !report.InternalOk {
		t.Errorf("healthy run should resolve, got %+v", report)
	}
	stages := stageSequence(report.Events)
	for _, skipped := range []string{StageDNS, StageGateway, StageFirewall, StageConnectionReset} {
		if indexOf(stages, skipped) != -1 {
			t.Errorf("stage %s must be skipped when external succeeds", skipped)
		}
	}
	if exec.restarts != 0 {
		t.Error("no restart expected on a healthy run")
	}
}

func TestPortalOnlySkipsNetworkRemediation(t *testing.T) {
	probes := &fakeProbes{httpOK: true}
	exec := &fakeEngineExec{gateway: "192.168.1.1"}
	portalOnly := true
	engine := NewEngine(testDiagConfig(), probes, exec, &fakeEngineBridge{}, &fakeReconciler{}, zap.NewNop())

	report, err := engine.Run(context.Background(), testMAC, Options{PortalOnly: &portalOnly})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	stages := stageSequence(report.Events)
	for _, skipped := range []string{StageDNS, StageGateway, StageFirewall, StageConnectionReset, StageExternalRetry} {
		if indexOf(stages, skipped) != -1 {
			t.Errorf("portal-only must skip %s", skipped)
		}
	}
	if indexOf(stages, StageInternal) == -1 || indexOf(stages, StageFinal) == -1 {
		t.Errorf("portal-only still checks internal and final, got %v", stages)
	}
	if !report.InternalOk || report.ExternalOk {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestFailedInternalTriggersAuthRemediation(t *testing.T) {
	probes := &fakeProbes{
		pingOK: map[string]bool{"1.1.1.1": true},
		httpOK: false,
	}
	exec := &fakeEngineExec{gateway: "192.168.1.1"}
	rec := &fakeReconciler{changed: true}
	engine := NewEngine(testDiagConfig(), probes, exec, &fakeEngineBridge{baseline: true}, rec, zap.NewNop())

	report, err := engine.Run(context.Background(), testMAC, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Resolved || report.InternalOk {
		t.Error("run with a dead portal must not resolve")
	}
	stages := stageSequence(report.Events)
	for _, required := range []string{StageAuth, StageReconcile, StageServicesRestart, StageInternalRetry} {
		if indexOf(stages, required) == -1 {
			t.Errorf("missing remediation stage %s in %v", required, stages)
		}
	}
	if rec.calls != 1 {
		t.Errorf("reconcile called %d times, want 1", rec.calls)
	}
}

func TestConsistentSessionSkipsServiceRestart(t *testing.T) {
	probes := &fakeProbes{
		pingOK: map[string]bool{"1.1.1.1": true},
		httpOK: false,
	}
	exec := &fakeEngineExec{gateway: "192.168.1.1"}
	rec := &fakeReconciler{changed: false}
	engine := NewEngine(testDiagConfig(), probes, exec, &fakeEngineBridge{baseline: true}, rec, zap.NewNop())

	report, err := engine.Run(context.Background(), testMAC, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	stages := stageSequence(report.Events)
	if indexOf(stages, StageAuth) == -1 || indexOf(stages, StageInternalRetry) == -1 {
		t.Errorf("auth stage and internal retry still run, got %v", stages)
	}
	if indexOf(stages, StageServicesRestart) != -1 {
		t.Errorf("consistent device must not restart services, got %v", stages)
	}
	if exec.restarts != 0 {
		t.Errorf("restarted %d times, want 0", exec.restarts)
	}
}

func TestRetriesEmitOneEventPerAttempt(t *testing.T) {
	probes := &fakeProbes{httpOK: true}
	exec := &fakeEngineExec{gateway: "192.168.1.1"}
	portalOnly := true
	engine := NewEngine(testDiagConfig(), probes, exec, &fakeEngineBridge{}, &fakeReconciler{}, zap.NewNop())

	report, _ := engine.Run(context.Background(), testMAC, Options{PortalOnly: &portalOnly, Retries: 3})

	attempts := 0
	for _, ev := range report.Events {
		if ev.Stage == StageExternal {
			attempts++
		}
	}
	if attempts != 3 {
		t.Errorf("external attempts = %d, want 3", attempts)
	}
}

func TestRunRejectsMalformedDevice(t *testing.T) {
	engine := NewEngine(testDiagConfig(), &fakeProbes{}, &fakeEngineExec{}, &fakeEngineBridge{}, &fakeReconciler{}, zap.NewNop())
	if _, err := engine.Run(context.Background(), "not-a-mac", Options{}); err == nil {
		t.Error("expected validation error")
	}
	if engine.Log().Len() != 0 {
		t.Error("validation failure must not emit events")
	}
}

func TestFinalEventReachesSubscriber(t *testing.T) {
	probes := &fakeProbes{pingOK: map[string]bool{"1.1.1.1": true}, httpOK: true}
	engine := NewEngine(testDiagConfig(), probes, &fakeEngineExec{}, &fakeEngineBridge{baseline: true}, &fakeReconciler{}, zap.NewNop())

	ch, cancel, err := engine.Subscribe(testMAC)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := engine.Run(context.Background(), testMAC, Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawFinal bool
	for {
		select {
		case ev := <-ch:
			if ev.Stage == StageFinal {
				sawFinal = true
				if !ev.Success {
					t.Error("final event should carry success on a healthy run")
				}
			}
			if sawFinal {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("final event never delivered")
		}
	}
}
