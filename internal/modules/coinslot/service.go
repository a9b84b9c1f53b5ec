// Package coinslot bridges the physical coin acceptor to session
// credit. One device at a time claims the slot; pulses arriving while
// it holds the claim accumulate as pending pesos until folded into a
// session.
package coinslot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/config"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/models"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	"go.uber.org/zap"
)

var (
	ErrSlotBusy  = errors.New("coin slot is held by another device")
	ErrNoPending = errors.New("no pending credit")
	ErrNotHolder = errors.New("device does not hold the coin slot")
)

// Pulse is one debounced coin pulse from the hardware signal source.
type Pulse struct {
	At time.Time
}

// PulseSource delivers debounced pulses. The GPIO poller lives
// outside this process; anything that can feed the channel works.
type PulseSource <-chan Pulse

// creditApplier folds pesos into a device's session.
type creditApplier interface {
	ApplyCredit(ctx context.Context, deviceID string, pesos float64, address string) (*models.SessionModel, error)
}

// Service owns the single global slot claim.
type Service struct {
	mu         sync.Mutex
	holder     string
	holderAddr string
	heldAt     time.Time
	pending    float64
	bucket     float64

	cfg      config.CoinslotConfig
	sessions creditApplier
	logger   *zap.Logger
	pulses   PulseSource
	now      func() time.Time
}

func NewService(cfg config.CoinslotConfig, sessions creditApplier, pulses PulseSource, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger,
		pulses:   pulses,
		now:      time.Now,
	}
}

// Run consumes the pulse channel until ctx is done. Single consumer;
// attribution happens here and nowhere else.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pulse, ok := <-s.pulses:
			if !ok {
				return
			}
			s.ingest(pulse)
		}
	}
}

func (s *Service) ingest(pulse Pulse) {
	pesos := s.cfg.PesoPerPulse

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holder != "" {
		s.pending += pesos
		s.heldAt = s.now()
		s.logger.Info("coin pulse attributed",
			zap.String("mac", s.holder),
			zap.Float64("pesos", pesos),
			zap.Float64("pending", s.pending))
		return
	}

	switch s.cfg.OrphanPulsePolicy {
	case "bucket":
		s.bucket += pesos
		s.logger.Warn("orphan coin pulse bucketed",
			zap.Float64("pesos", pesos),
			zap.Float64("bucket", s.bucket))
	default:
		s.logger.Warn("orphan coin pulse discarded", zap.Float64("pesos", pesos))
	}
}

// Acquire claims the slot for a device. Non-blocking: a busy slot
// returns false immediately. Re-acquiring by the current holder
// succeeds and refreshes the hold.
func (s *Service) Acquire(deviceID, address string) (bool, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holder != "" && s.holder != canonical {
		return false, nil
	}
	if s.holder == "" {
		s.logger.Info("coin slot claimed", zap.String("mac", canonical))
	}
	s.holder = canonical
	s.holderAddr = address
	s.heldAt = s.now()
	return true, nil
}

// Peek returns the holder's pending pesos without consuming them.
func (s *Service) Peek(deviceID string) (float64, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != canonical {
		return 0, ErrNotHolder
	}
	return s.pending, nil
}

// Release frees the slot. Pending pesos that were never folded follow
// the orphan policy rather than silently vanishing into the next
// holder's balance.
func (s *Service) Release(deviceID string) error {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != canonical {
		return ErrNotHolder
	}
	s.releaseLocked("released")
	return nil
}

func (s *Service) releaseLocked(reason string) {
	if s.pending > 0 {
		if s.cfg.OrphanPulsePolicy == "bucket" {
			s.bucket += s.pending
		}
		s.logger.Warn("unfolded credit on release",
			zap.String("mac", s.holder),
			zap.Float64("pesos", s.pending),
			zap.String("reason", reason))
	} else {
		s.logger.Info("coin slot released",
			zap.String("mac", s.holder),
			zap.String("reason", reason))
	}
	s.holder = ""
	s.holderAddr = ""
	s.pending = 0
}

// Insert folds the holder's pending pesos into its session and frees
// the slot. On a failed credit the pesos are restored so the user can
// retry.
func (s *Service) Insert(ctx context.Context, deviceID string) (*models.SessionModel, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.holder != canonical {
		s.mu.Unlock()
		return nil, ErrNotHolder
	}
	if s.pending <= 0 {
		s.mu.Unlock()
		return nil, ErrNoPending
	}
	amount := s.pending
	address := s.holderAddr
	s.pending = 0
	s.mu.Unlock()

	m, err := s.sessions.ApplyCredit(ctx, canonical, amount, address)
	if err != nil {
		s.mu.Lock()
		if s.holder == canonical {
			s.pending += amount
		} else if s.cfg.OrphanPulsePolicy == "bucket" {
			s.bucket += amount
		}
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	if s.holder == canonical {
		if s.pending > 0 {
			// Coins dropped while the credit was in flight. Keep the
			// claim so the residue folds on the next insert instead of
			// being released as orphaned money.
			s.heldAt = s.now()
			s.logger.Info("pulses arrived during credit, hold kept",
				zap.String("mac", canonical),
				zap.Float64("pending", s.pending))
		} else {
			s.releaseLocked("credit folded")
		}
	}
	s.mu.Unlock()
	return m, nil
}

// ReleaseExpired frees an abandoned claim. Run from cron so a device
// that walked away never locks the slot forever.
func (s *Service) ReleaseExpired(ctx context.Context) error {
	timeout := s.cfg.HoldTimeout()
	if timeout <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == "" || s.now().Sub(s.heldAt) < timeout {
		return nil
	}
	s.releaseLocked("hold timeout")
	return nil
}

// Holder reports the current claim for the operator view.
func (s *Service) Holder() (string, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder, s.pending
}

// Bucket returns the accumulated anonymous pesos.
func (s *Service) Bucket() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucket
}
