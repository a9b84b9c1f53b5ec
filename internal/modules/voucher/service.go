// Package voucher redeems one-time credit credentials. Generation and
// distribution happen in the operator tooling; this service only
// consumes codes.
package voucher

import (
	"context"
	"errors"
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/models"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("voucher not found")
	ErrUsed     = errors.New("voucher already used")
)

// Store marks vouchers used. Redeem hands apply the transaction the
// voucher update runs in, so credit writes commit or roll back with
// the voucher flip: neither "consumed without credit" nor "credited
// without consuming" can happen.
type Store interface {
	Redeem(ctx context.Context, code, deviceID string, at time.Time, apply func(tx *gorm.DB, pesos float64) error) error
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Redeem(ctx context.Context, code, deviceID string, at time.Time, apply func(tx *gorm.DB, pesos float64) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var v models.VoucherModel
		if err := tx.Where("code = ?", code).First(&v).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		res := tx.Model(&models.VoucherModel{}).
			Where("code = ? AND used = ?", code, false).
			Updates(map[string]interface{}{
				"used":    true,
				"used_by": deviceID,
				"used_at": at,
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUsed
		}

		return apply(tx, v.Pesos)
	})
}

// creditApplier folds pesos into a device's session inside the
// caller's transaction, serialized by the device lock.
type creditApplier interface {
	LockDevice(deviceID string) (func(), error)
	ApplyCreditTx(ctx context.Context, tx *gorm.DB, deviceID string, pesos float64, address string) (*models.SessionModel, error)
}

type Service struct {
	store    Store
	sessions creditApplier
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store Store, sessions creditApplier, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
}

// Redeem consumes a voucher and credits the device, all or nothing.
// A concurrent redemption of the same code has exactly one winner;
// the loser gets ErrUsed.
func (s *Service) Redeem(ctx context.Context, deviceID, code, address string) (*models.SessionModel, error) {
	canonical, err := mac.Canonical(deviceID)
	if err != nil {
		return nil, err
	}

	// Device lock before the transaction opens, so credit inside it
	// cannot interleave with other session mutations.
	unlock, err := s.sessions.LockDevice(canonical)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var credited *models.SessionModel
	err = s.store.Redeem(ctx, code, canonical, s.now(), func(tx *gorm.DB, pesos float64) error {
		m, applyErr := s.sessions.ApplyCreditTx(ctx, tx, canonical, pesos, address)
		if applyErr != nil {
			return applyErr
		}
		credited = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("voucher redeemed",
		zap.String("mac", canonical),
		zap.Float64("pesos", credited.PaidAmount))
	return credited, nil
}
