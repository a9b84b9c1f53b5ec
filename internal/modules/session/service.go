package session

import (
	"context"
	"sync"
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/config"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/models"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/enforcement"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// keyedMutex serializes all mutations for one device. The map only
// grows with the LAN device population, so entries are never evicted.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Service is the session lifecycle engine.
type Service struct {
	repo   Repository
	bridge enforcement.Bridge
	cfg    config.SessionConfig
	logger *zap.Logger
	locks  keyedMutex
	now    func() time.Time
}

func NewService(repo Repository, bridge enforcement.Bridge, cfg config.SessionConfig, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		bridge: bridge,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start creates a paid session and grants network access. A device
// with a running session must extend instead.
func (s *Service) Start(ctx context.Context, deviceID string, pesos float64, address string) (*models.SessionModel, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, err
	}
	if pesos <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.lock(canonical)
	defer unlock()
	return s.startLocked(ctx, s.repo, canonical, pesos, address)
}

func (s *Service) startLocked(ctx context.Context, repo Repository, canonical string, pesos float64, address string) (*models.SessionModel, error) {
	if _, err := repo.ActiveByDevice(ctx, canonical); err == nil {
		return nil, ErrAlreadyActive
	} else if err != ErrNotFound {
		return nil, err
	}

	minutes := s.cfg.MinutesFor(pesos)
	now := s.now()
	m := &models.SessionModel{
		DeviceID:         canonical,
		LastKnownAddress: address,
		StartTime:        now,
		EndTime:          now.Add(time.Duration(minutes) * time.Minute),
		PaidAmount:       pesos,
		GrantedMinutes:   minutes,
		Active:           true,
	}
	if err := repo.Create(ctx, m); err != nil {
		return nil, err
	}

	if err := s.bridge.Allow(ctx, canonical); err != nil {
		// Session stands; the reconcile pass heals the firewall.
		s.logger.Warn("allow failed after session start",
			zap.String("mac", canonical), zap.Error(err))
	}

	s.logger.Info("session started",
		zap.String("mac", canonical),
		zap.Float64("pesos", pesos),
		zap.Int("minutes", minutes))
	return m, nil
}

// Extend adds minutes to the running session. Extending a paused
// session moves the frozen end time; it resumes only when the
// extend_resumes_paused policy is on.
func (s *Service) Extend(ctx context.Context, deviceID string, minutes int) (*models.SessionModel, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, err
	}
	if minutes <= 0 {
		return nil, ErrInvalidMinutes
	}

	unlock := s.locks.lock(canonical)
	defer unlock()

	m, err := s.repo.ActiveByDevice(ctx, canonical)
	if err != nil {
		return nil, err
	}

	m.EndTime = m.EndTime.Add(time.Duration(minutes) * time.Minute)
	m.GrantedMinutes += minutes
	if m.Paused && s.cfg.ExtendResumesPaused {
		s.applyResume(m)
	}
	if err := s.repo.Update(ctx, m); err != nil {
		return nil, err
	}
	if !m.Paused {
		if err := s.bridge.Allow(ctx, canonical); err != nil {
			s.logger.Warn("allow failed after extend",
				zap.String("mac", canonical), zap.Error(err))
		}
	}
	return m, nil
}

// Pause freezes the countdown and revokes access.
func (s *Service) Pause(ctx context.Context, deviceID string) (*models.SessionModel, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(canonical)
	defer unlock()

	m, err := s.repo.ActiveByDevice(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if m.Paused {
		return nil, ErrAlreadyPaused
	}

	now := s.now()
	m.Paused = true
	m.PausedAt = &now
	if err := s.repo.Update(ctx, m); err != nil {
		return nil, err
	}
	if err := s.bridge.Deny(ctx, canonical); err != nil {
		s.logger.Warn("deny failed after pause",
			zap.String("mac", canonical), zap.Error(err))
	}
	s.logger.Info("session paused", zap.String("mac", canonical))
	return m, nil
}

// Resume shifts the end time by the paused duration and restores
// access.
func (s *Service) Resume(ctx context.Context, deviceID string) (*models.SessionModel, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(canonical)
	defer unlock()

	m, err := s.repo.ActiveByDevice(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if !m.Paused {
		return nil, ErrNotPaused
	}

	s.applyResume(m)
	if err := s.repo.Update(ctx, m); err != nil {
		return nil, err
	}
	if err := s.bridge.Allow(ctx, canonical); err != nil {
		s.logger.Warn("allow failed after resume",
			zap.String("mac", canonical), zap.Error(err))
	}
	s.logger.Info("session resumed", zap.String("mac", canonical))
	return m, nil
}

// applyResume mutates m in place; the caller persists.
func (s *Service) applyResume(m *models.SessionModel) {
	if !m.Paused || m.PausedAt == nil {
		return
	}
	elapsed := s.now().Sub(*m.PausedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	m.EndTime = m.EndTime.Add(elapsed)
	m.PausedAccumulated += int64(elapsed / time.Second)
	m.Paused = false
	m.PausedAt = nil
}

// End deactivates the session and revokes access.
func (s *Service) End(ctx context.Context, deviceID string) error {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(canonical)
	defer unlock()
	return s.endLocked(ctx, canonical)
}

func (s *Service) endLocked(ctx context.Context, canonical string) error {
	m, err := s.repo.ActiveByDevice(ctx, canonical)
	if err != nil {
		return err
	}
	m.Active = false
	m.Paused = false
	m.PausedAt = nil
	if err := s.repo.Update(ctx, m); err != nil {
		return err
	}
	if err := s.bridge.Deny(ctx, canonical); err != nil {
		s.logger.Warn("deny failed after end",
			zap.String("mac", canonical), zap.Error(err))
	}
	s.logger.Info("session ended", zap.String("mac", canonical))
	return nil
}

// TimeRemaining returns the live countdown. A running session that
// hits zero is ended here rather than waiting for the sweep.
func (s *Service) TimeRemaining(ctx context.Context, deviceID string) (time.Duration, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return 0, err
	}

	unlock := s.locks.lock(canonical)
	defer unlock()

	m, err := s.repo.ActiveByDevice(ctx, canonical)
	if err != nil {
		return 0, err
	}
	return s.remainingLocked(ctx, m)
}

func (s *Service) remainingLocked(ctx context.Context, m *models.SessionModel) (time.Duration, error) {
	if m.Paused && m.PausedAt != nil {
		rem := m.EndTime.Sub(*m.PausedAt)
		if rem < 0 {
			rem = 0
		}
		return rem, nil
	}

	rem := m.EndTime.Sub(s.now())
	if rem > 0 {
		return rem, nil
	}
	if err := s.endLocked(ctx, m.DeviceID); err != nil && err != ErrNotFound {
		return 0, err
	}
	return 0, nil
}

// GetByDevice returns the active session with its countdown.
func (s *Service) GetByDevice(ctx context.Context, deviceID string) (*Detail, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(canonical)
	defer unlock()

	m, err := s.repo.ActiveByDevice(ctx, canonical)
	if err != nil {
		return nil, err
	}
	rem, err := s.remainingLocked(ctx, m)
	if err != nil {
		return nil, err
	}
	if rem == 0 && !m.Paused {
		return nil, ErrNotFound
	}
	return &Detail{SessionModel: *m, RemainingSeconds: int64(rem / time.Second)}, nil
}

// GetByAddress resolves the session for a portal client that only
// knows its IP.
func (s *Service) GetByAddress(ctx context.Context, address string) (*Detail, error) {
	m, err := s.repo.ActiveByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	return s.GetByDevice(ctx, m.DeviceID)
}

// Touch refreshes the last known address for a device seen at the
// portal.
func (s *Service) Touch(ctx context.Context, deviceID, address string) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil || address == "" {
		return
	}

	unlock := s.locks.lock(canonical)
	defer unlock()

	m, err := s.repo.ActiveByDevice(ctx, canonical)
	if err != nil || m.LastKnownAddress == address {
		return
	}
	m.LastKnownAddress = address
	if err := s.repo.Update(ctx, m); err != nil {
		s.logger.Warn("address refresh failed",
			zap.String("mac", canonical), zap.Error(err))
	}
}

// ApplyCredit folds paid pesos into the running session, or starts a
// new one when the device has none.
func (s *Service) ApplyCredit(ctx context.Context, deviceID string, pesos float64, address string) (*models.SessionModel, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, err
	}
	if pesos <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.lock(canonical)
	defer unlock()
	return s.applyCreditLocked(ctx, s.repo, canonical, pesos, address)
}

// LockDevice serializes the caller with every other mutation for the
// device. Collaborators wrapping credit in their own transaction take
// the lock first, then open the transaction.
func (s *Service) LockDevice(deviceID string) (func(), error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, err
	}
	return s.locks.lock(canonical), nil
}

// ApplyCreditTx is ApplyCredit for a caller that already holds the
// device lock (LockDevice) and an open transaction. Session writes go
// through tx, so they commit or roll back with the caller's work; the
// firewall side effect is healed by reconcile if the caller rolls
// back.
func (s *Service) ApplyCreditTx(ctx context.Context, tx *gorm.DB, deviceID string, pesos float64, address string) (*models.SessionModel, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, err
	}
	if pesos <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.applyCreditLocked(ctx, s.repo.WithTx(tx), canonical, pesos, address)
}

func (s *Service) applyCreditLocked(ctx context.Context, repo Repository, canonical string, pesos float64, address string) (*models.SessionModel, error) {
	minutes := s.cfg.MinutesFor(pesos)

	m, err := repo.ActiveByDevice(ctx, canonical)
	if err == ErrNotFound {
		return s.startLocked(ctx, repo, canonical, pesos, address)
	}
	if err != nil {
		return nil, err
	}

	m.EndTime = m.EndTime.Add(time.Duration(minutes) * time.Minute)
	m.PaidAmount += pesos
	m.GrantedMinutes += minutes
	if address != "" {
		m.LastKnownAddress = address
	}
	if err := repo.Update(ctx, m); err != nil {
		return nil, err
	}
	s.logger.Info("credit applied",
		zap.String("mac", canonical),
		zap.Float64("pesos", pesos),
		zap.Int("minutes", minutes))
	return m, nil
}

// Reconcile forces enforcement to match session state for one device.
// Idempotent; a clean device reports Changed=false.
func (s *Service) Reconcile(ctx context.Context, deviceID string) (*ReconcileReport, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(canonical)
	defer unlock()
	return s.reconcileLocked(ctx, canonical)
}

func (s *Service) reconcileLocked(ctx context.Context, canonical string) (*ReconcileReport, error) {
	want := false
	m, err := s.repo.ActiveByDevice(ctx, canonical)
	if err == nil {
		want = !m.Paused && m.EndTime.After(s.now())
	} else if err != ErrNotFound {
		return nil, err
	}

	was, err := s.bridge.IsAllowed(ctx, canonical)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{DeviceID: canonical, WantAllowed: want, WasAllowed: was}
	if want == was {
		return report, nil
	}

	s.logger.Warn("enforcement drift",
		zap.String("mac", canonical),
		zap.Bool("want", want),
		zap.Bool("was", was))
	if want {
		err = s.bridge.Allow(ctx, canonical)
	} else {
		err = s.bridge.Deny(ctx, canonical)
	}
	if err != nil {
		return nil, err
	}
	report.Changed = true
	return report, nil
}

// ReconcileAll heals drift for every active session and strips rules
// for devices that have none.
func (s *Service) ReconcileAll(ctx context.Context) ([]ReconcileReport, error) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(active))

	var reports []ReconcileReport
	for _, m := range active {
		known[m.DeviceID] = struct{}{}
		report, err := s.Reconcile(ctx, m.DeviceID)
		if err != nil {
			s.logger.Warn("reconcile failed",
				zap.String("mac", m.DeviceID), zap.Error(err))
			continue
		}
		reports = append(reports, *report)
	}

	allowed, err := s.bridge.AllowedDevices(ctx)
	if err != nil {
		return reports, err
	}
	for _, device := range allowed {
		if _, ok := known[device]; ok {
			continue
		}
		report, err := s.Reconcile(ctx, device)
		if err != nil {
			s.logger.Warn("reconcile failed",
				zap.String("mac", device), zap.Error(err))
			continue
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

// Sweep ends every expired session. Safe to run concurrently with
// itself; each device is handled under its lock.
func (s *Service) Sweep(ctx context.Context) error {
	expired, err := s.repo.Expired(ctx, s.now())
	if err != nil {
		return err
	}
	for _, m := range expired {
		unlock := s.locks.lock(m.DeviceID)
		if err := s.endLocked(ctx, m.DeviceID); err != nil && err != ErrNotFound {
			s.logger.Warn("sweep end failed",
				zap.String("mac", m.DeviceID), zap.Error(err))
		}
		unlock()
	}
	if len(expired) > 0 {
		s.logger.Info("expiry sweep", zap.Int("ended", len(expired)))
	}
	return nil
}

// List returns a session page for the operator table.
func (s *Service) List(ctx context.Context, page, size int) ([]models.SessionModel, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = s.cfg.PageSize
	}
	return s.repo.List(ctx, page, size)
}

// Stats aggregates today's numbers.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return s.repo.Stats(ctx, midnight)
}
