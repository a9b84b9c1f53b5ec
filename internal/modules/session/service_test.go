package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/config"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/models"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/netexec"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testMAC   = "aa:bb:cc:dd:ee:01"
	otherMAC  = "aa:bb:cc:dd:ee:02"
	tolerance = 2 * time.Second
)

// memoryRepository is the test double for the gorm store.
type memoryRepository struct {
	mu       sync.Mutex
	rows     map[string]*models.SessionModel // id -> row
	sequence int
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{rows: make(map[string]*models.SessionModel)}
}

// WithTx is a no-op: the in-memory rows have no transactions.
func (r *memoryRepository) WithTx(tx *gorm.DB) Repository { return r }

func (r *memoryRepository) Create(ctx context.Context, m *models.SessionModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.DeviceID == m.DeviceID && row.Active {
			return ErrAlreadyActive
		}
	}
	r.sequence++
	m.ID = fmt.Sprintf("sess-%d", r.sequence)
	m.CreatedAt = time.Now()
	clone := *m
	r.rows[m.ID] = &clone
	return nil
}

func (r *memoryRepository) Update(ctx context.Context, m *models.SessionModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rows[m.ID]
	if !ok || stored.Version != m.Version {
		return ErrStale
	}
	m.Version++
	clone := *m
	r.rows[m.ID] = &clone
	return nil
}

func (r *memoryRepository) ActiveByDevice(ctx context.Context, deviceID string) (*models.SessionModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.DeviceID == deviceID && row.Active {
			clone := *row
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepository) ActiveByAddress(ctx context.Context, address string) (*models.SessionModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.LastKnownAddress == address && row.Active {
			clone := *row
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepository) ListActive(ctx context.Context) ([]models.SessionModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SessionModel
	for _, row := range r.rows {
		if row.Active {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *memoryRepository) List(ctx context.Context, page, size int) ([]models.SessionModel, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SessionModel
	for _, row := range r.rows {
		out = append(out, *row)
	}
	return out, int64(len(out)), nil
}

func (r *memoryRepository) Expired(ctx context.Context, now time.Time) ([]models.SessionModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SessionModel
	for _, row := range r.rows {
		if row.Active && !row.Paused && !row.EndTime.After(now) {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *memoryRepository) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &Stats{}
	for _, row := range r.rows {
		if row.Active {
			stats.Active++
			if row.Paused {
				stats.Paused++
			}
		}
		if !row.CreatedAt.Before(since) {
			stats.TotalPesosToday += row.PaidAmount
			stats.MinutesSoldToday += int64(row.GrantedMinutes)
		}
	}
	return stats, nil
}

// fakeBridge records Allow/Deny traffic.
type fakeBridge struct {
	mu      sync.Mutex
	allowed map[string]bool
	allows  []string
	denies  []string
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{allowed: make(map[string]bool)}
}

func (b *fakeBridge) Allow(ctx context.Context, macAddr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowed[macAddr] = true
	b.allows = append(b.allows, macAddr)
	return nil
}

func (b *fakeBridge) Deny(ctx context.Context, macAddr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.allowed, macAddr)
	b.denies = append(b.denies, macAddr)
	return nil
}

func (b *fakeBridge) IsAllowed(ctx context.Context, macAddr string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowed[macAddr], nil
}

func (b *fakeBridge) Status(ctx context.Context, macAddr string) ([]netexec.RuleEntry, error) {
	return nil, nil
}

func (b *fakeBridge) AllowedDevices(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for m := range b.allowed {
		out = append(out, m)
	}
	return out, nil
}

func (b *fakeBridge) HasBaseline(ctx context.Context) (bool, error) { return true, nil }
func (b *fakeBridge) EnsureBaseline(ctx context.Context) error      { return nil }

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		Rates: []config.RateEntry{
			{Pesos: 1, Minutes: 15},
			{Pesos: 5, Minutes: 120},
			{Pesos: 10, Minutes: 480},
		},
		TimePerPeso: 12,
		PageSize:    20,
	}
}

// testClock lets tests move time forward deterministically.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *memoryRepository, *fakeBridge, *testClock) {
	t.Helper()
	repo := newMemoryRepository()
	bridge := newFakeBridge()
	clock := newTestClock()
	svc := NewService(repo, bridge, testConfig(), zap.NewNop())
	svc.now = clock.Now
	return svc, repo, bridge, clock
}

func TestStartGrantsRateTableMinutes(t *testing.T) {
	svc, _, bridge, clock := newTestService(t)
	ctx := context.Background()

	m, err := svc.Start(ctx, testMAC, 10, "10.0.0.5")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.GrantedMinutes != 480 {
		t.Errorf("granted = %d minutes, want 480", m.GrantedMinutes)
	}
	want := clock.Now().Add(480 * time.Minute)
	if !m.EndTime.Equal(want) {
		t.Errorf("endTime = %v, want %v", m.EndTime, want)
	}
	if allowed, _ := bridge.IsAllowed(ctx, testMAC); !allowed {
		t.Error("device should be allowed after start")
	}
}

func TestStartFallsBackToTimePerPeso(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	m, err := svc.Start(context.Background(), testMAC, 3, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.GrantedMinutes != 36 {
		t.Errorf("granted = %d minutes, want 36 (3 pesos x 12)", m.GrantedMinutes)
	}
}

func TestStartRejectsSecondActiveSession(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Start(ctx, testMAC, 5, ""); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := svc.Start(ctx, testMAC, 5, ""); err != ErrAlreadyActive {
		t.Errorf("second Start err = %v, want ErrAlreadyActive", err)
	}
}

func TestStartRejectsNonPositiveAmount(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.Start(context.Background(), testMAC, 0, ""); err != ErrInvalidAmount {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Start(context.Background(), testMAC, -5, ""); err != ErrInvalidAmount {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestPauseFreezesCountdown(t *testing.T) {
	svc, _, bridge, clock := newTestService(t)
	ctx := context.Background()

	svc.Start(ctx, testMAC, 5, "")
	clock.Advance(20 * time.Minute)

	if _, err := svc.Pause(ctx, testMAC); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if allowed, _ := bridge.IsAllowed(ctx, testMAC); allowed {
		t.Error("paused device must be denied")
	}

	frozen, err := svc.TimeRemaining(ctx, testMAC)
	if err != nil {
		t.Fatalf("TimeRemaining: %v", err)
	}

	clock.Advance(3 * time.Hour)
	later, err := svc.TimeRemaining(ctx, testMAC)
	if err != nil {
		t.Fatalf("TimeRemaining after wait: %v", err)
	}
	if frozen != later {
		t.Errorf("countdown moved while paused: %v -> %v", frozen, later)
	}
	if diff := frozen - 100*time.Minute; diff < -tolerance || diff > tolerance {
		t.Errorf("frozen remaining = %v, want ~100m", frozen)
	}
}

func TestResumeShiftsEndTimeByPausedDuration(t *testing.T) {
	svc, _, bridge, clock := newTestService(t)
	ctx := context.Background()

	started, _ := svc.Start(ctx, testMAC, 5, "")
	originalEnd := started.EndTime

	clock.Advance(10 * time.Minute)
	svc.Pause(ctx, testMAC)
	clock.Advance(45 * time.Minute)

	resumed, err := svc.Resume(ctx, testMAC)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	wantEnd := originalEnd.Add(45 * time.Minute)
	if !resumed.EndTime.Equal(wantEnd) {
		t.Errorf("endTime = %v, want %v", resumed.EndTime, wantEnd)
	}
	if resumed.PausedAccumulated != 45*60 {
		t.Errorf("pausedAccumulated = %ds, want %ds", resumed.PausedAccumulated, 45*60)
	}
	if resumed.Paused || resumed.PausedAt != nil {
		t.Error("resume must clear pause state")
	}
	if allowed, _ := bridge.IsAllowed(ctx, testMAC); !allowed {
		t.Error("resumed device must be allowed")
	}

	// Remaining time is unchanged by the pause window.
	rem, _ := svc.TimeRemaining(ctx, testMAC)
	if diff := rem - 110*time.Minute; diff < -tolerance || diff > tolerance {
		t.Errorf("remaining = %v, want ~110m", rem)
	}
}

func TestPauseResumeStateErrors(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Pause(ctx, testMAC); err != ErrNotFound {
		t.Errorf("Pause without session err = %v, want ErrNotFound", err)
	}

	svc.Start(ctx, testMAC, 1, "")
	if _, err := svc.Resume(ctx, testMAC); err != ErrNotPaused {
		t.Errorf("Resume running session err = %v, want ErrNotPaused", err)
	}
	svc.Pause(ctx, testMAC)
	if _, err := svc.Pause(ctx, testMAC); err != ErrAlreadyPaused {
		t.Errorf("double Pause err = %v, want ErrAlreadyPaused", err)
	}
}

func TestExtendMovesEndTimeMonotonically(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	m, _ := svc.Start(ctx, testMAC, 1, "")
	before := m.EndTime

	extended, err := svc.Extend(ctx, testMAC, 30)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if !extended.EndTime.Equal(before.Add(30 * time.Minute)) {
		t.Errorf("endTime = %v, want %v", extended.EndTime, before.Add(30*time.Minute))
	}

	if _, err := svc.Extend(ctx, testMAC, 0); err != ErrInvalidMinutes {
		t.Errorf("Extend 0 err = %v, want ErrInvalidMinutes", err)
	}
	if _, err := svc.Extend(ctx, otherMAC, 10); err != ErrNotFound {
		t.Errorf("Extend unknown err = %v, want ErrNotFound", err)
	}
}

func TestExtendWhilePausedKeepsCountdownFrozen(t *testing.T) {
	svc, _, bridge, clock := newTestService(t)
	ctx := context.Background()

	svc.Start(ctx, testMAC, 1, "")
	clock.Advance(5 * time.Minute)
	svc.Pause(ctx, testMAC)

	m, err := svc.Extend(ctx, testMAC, 60)
	if err != nil {
		t.Fatalf("Extend while paused: %v", err)
	}
	if !m.Paused {
		t.Error("extend must not implicitly resume")
	}
	if allowed, _ := bridge.IsAllowed(ctx, testMAC); allowed {
		t.Error("paused device must stay denied after extend")
	}

	rem, _ := svc.TimeRemaining(ctx, testMAC)
	if diff := rem - 70*time.Minute; diff < -tolerance || diff > tolerance {
		t.Errorf("remaining = %v, want ~70m (10m left + 60m extension)", rem)
	}
}

func TestExtendResumesWhenPolicyEnabled(t *testing.T) {
	repo := newMemoryRepository()
	bridge := newFakeBridge()
	clock := newTestClock()
	cfg := testConfig()
	cfg.ExtendResumesPaused = true
	svc := NewService(repo, bridge, cfg, zap.NewNop())
	svc.now = clock.Now
	ctx := context.Background()

	svc.Start(ctx, testMAC, 1, "")
	svc.Pause(ctx, testMAC)
	clock.Advance(time.Minute)

	m, err := svc.Extend(ctx, testMAC, 10)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if m.Paused {
		t.Error("policy on: extend should resume the session")
	}
	if allowed, _ := bridge.IsAllowed(ctx, testMAC); !allowed {
		t.Error("policy on: device should be re-allowed")
	}
}

func TestTimeRemainingLazyEndsExpiredSession(t *testing.T) {
	svc, _, bridge, clock := newTestService(t)
	ctx := context.Background()

	svc.Start(ctx, testMAC, 1, "")
	clock.Advance(16 * time.Minute)

	rem, err := svc.TimeRemaining(ctx, testMAC)
	if err != nil {
		t.Fatalf("TimeRemaining: %v", err)
	}
	if rem != 0 {
		t.Errorf("remaining = %v, want 0", rem)
	}
	if allowed, _ := bridge.IsAllowed(ctx, testMAC); allowed {
		t.Error("expired device must be denied")
	}
	if _, err := svc.TimeRemaining(ctx, testMAC); err != ErrNotFound {
		t.Errorf("second call err = %v, want ErrNotFound", err)
	}
}

func TestEndRevokesAccess(t *testing.T) {
	svc, _, bridge, _ := newTestService(t)
	ctx := context.Background()

	svc.Start(ctx, testMAC, 5, "")
	if err := svc.End(ctx, testMAC); err != nil {
		t.Fatalf("End: %v", err)
	}
	if allowed, _ := bridge.IsAllowed(ctx, testMAC); allowed {
		t.Error("ended device must be denied")
	}
	if err := svc.End(ctx, testMAC); err != ErrNotFound {
		t.Errorf("double End err = %v, want ErrNotFound", err)
	}
}

func TestReconcileHealsDriftBothWays(t *testing.T) {
	svc, _, bridge, _ := newTestService(t)
	ctx := context.Background()

	// Active session but firewall lost the rule.
	svc.Start(ctx, testMAC, 5, "")
	bridge.mu.Lock()
	delete(bridge.allowed, testMAC)
	bridge.mu.Unlock()

	report, err := svc.Reconcile(ctx, testMAC)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.Changed || !report.WantAllowed || report.WasAllowed {
		t.Errorf("unexpected report %+v", report)
	}
	if allowed, _ := bridge.IsAllowed(ctx, testMAC); !allowed {
		t.Error("reconcile should restore the rule")
	}

	// Rule without a session.
	bridge.Allow(ctx, otherMAC)
	report, err = svc.Reconcile(ctx, otherMAC)
	if err != nil {
		t.Fatalf("Reconcile orphan: %v", err)
	}
	if !report.Changed || report.WantAllowed {
		t.Errorf("unexpected orphan report %+v", report)
	}
	if allowed, _ := bridge.IsAllowed(ctx, otherMAC); allowed {
		t.Error("reconcile should strip the orphan rule")
	}

	// Clean state is a no-op.
	report, _ = svc.Reconcile(ctx, testMAC)
	if report.Changed {
		t.Error("reconcile on converged state must not change anything")
	}
}

func TestReconcileAllStripsOrphanRules(t *testing.T) {
	svc, _, bridge, _ := newTestService(t)
	ctx := context.Background()

	svc.Start(ctx, testMAC, 5, "")
	bridge.Allow(ctx, otherMAC)

	if _, err := svc.ReconcileAll(ctx); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if allowed, _ := bridge.IsAllowed(ctx, testMAC); !allowed {
		t.Error("active device lost its rule")
	}
	if allowed, _ := bridge.IsAllowed(ctx, otherMAC); allowed {
		t.Error("orphan rule survived")
	}
}

func TestSweepEndsOnlyExpiredSessions(t *testing.T) {
	svc, _, bridge, clock := newTestService(t)
	ctx := context.Background()

	svc.Start(ctx, testMAC, 1, "")  // 15 minutes
	svc.Start(ctx, otherMAC, 5, "") // 120 minutes
	clock.Advance(30 * time.Minute)

	if err := svc.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := svc.GetByDevice(ctx, testMAC); err != ErrNotFound {
		t.Errorf("expired session should be gone, err = %v", err)
	}
	if _, err := svc.GetByDevice(ctx, otherMAC); err != nil {
		t.Errorf("running session should survive: %v", err)
	}
	if allowed, _ := bridge.IsAllowed(ctx, testMAC); allowed {
		t.Error("swept device must be denied")
	}
}

func TestSweepSkipsPausedSessions(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	svc.Start(ctx, testMAC, 1, "")
	svc.Pause(ctx, testMAC)
	clock.Advance(24 * time.Hour)

	if err := svc.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := svc.GetByDevice(ctx, testMAC); err != nil {
		t.Errorf("paused session must never expire, err = %v", err)
	}
}

func TestApplyCreditFoldsIntoRunningSession(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	started, _ := svc.Start(ctx, testMAC, 1, "")
	m, err := svc.ApplyCredit(ctx, testMAC, 5, "10.0.0.9")
	if err != nil {
		t.Fatalf("ApplyCredit: %v", err)
	}
	if m.PaidAmount != 6 {
		t.Errorf("paid = %v, want 6", m.PaidAmount)
	}
	if m.GrantedMinutes != 135 {
		t.Errorf("granted = %d, want 135", m.GrantedMinutes)
	}
	if !m.EndTime.Equal(started.EndTime.Add(120 * time.Minute)) {
		t.Errorf("endTime = %v, want +120m", m.EndTime)
	}
	if m.LastKnownAddress != "10.0.0.9" {
		t.Errorf("address = %q, want refreshed", m.LastKnownAddress)
	}
}

func TestApplyCreditStartsSessionWhenNoneActive(t *testing.T) {
	svc, _, bridge, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.ApplyCredit(ctx, testMAC, 5, "10.0.0.2")
	if err != nil {
		t.Fatalf("ApplyCredit: %v", err)
	}
	if !m.Active || m.GrantedMinutes != 120 {
		t.Errorf("unexpected session %+v", m)
	}
	if allowed, _ := bridge.IsAllowed(ctx, testMAC); !allowed {
		t.Error("credit start must allow the device")
	}
}

func TestApplyCreditTxRunsUnderCallerLock(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	unlock, err := svc.LockDevice(testMAC)
	if err != nil {
		t.Fatalf("LockDevice: %v", err)
	}
	m, err := svc.ApplyCreditTx(ctx, &gorm.DB{}, testMAC, 5, "10.0.0.3")
	unlock()
	if err != nil {
		t.Fatalf("ApplyCreditTx: %v", err)
	}
	if !m.Active || m.GrantedMinutes != 120 {
		t.Errorf("unexpected session %+v", m)
	}

	// The lock released cleanly; normal mutations proceed.
	if _, err := svc.TimeRemaining(ctx, testMAC); err != nil {
		t.Errorf("TimeRemaining after tx credit: %v", err)
	}
}

func TestGetByAddressResolvesPortalClients(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	svc.Start(ctx, testMAC, 5, "192.168.8.100")
	detail, err := svc.GetByAddress(ctx, "192.168.8.100")
	if err != nil {
		t.Fatalf("GetByAddress: %v", err)
	}
	if detail.DeviceID != testMAC {
		t.Errorf("device = %q, want %q", detail.DeviceID, testMAC)
	}
	if _, err := svc.GetByAddress(ctx, "192.168.8.200"); err != ErrNotFound {
		t.Errorf("unknown address err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentMutationsKeepOneActiveSession(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Start(ctx, testMAC, 1, "")
		}()
	}
	wg.Wait()

	active, _ := repo.ListActive(ctx)
	if len(active) != 1 {
		t.Fatalf("active sessions = %d, want exactly 1", len(active))
	}
}
