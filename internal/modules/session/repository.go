package session

import (
	"context"
	"errors"
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/models"
	"gorm.io/gorm"
)

// Repository persists sessions. The gorm implementation is the real
// one; tests supply an in-memory double.
type Repository interface {
	Create(ctx context.Context, m *models.SessionModel) error
	// Update applies an optimistic write: it succeeds only when the
	// stored version still matches m.Version, then bumps it.
	Update(ctx context.Context, m *models.SessionModel) error
	ActiveByDevice(ctx context.Context, deviceID string) (*models.SessionModel, error)
	ActiveByAddress(ctx context.Context, address string) (*models.SessionModel, error)
	ListActive(ctx context.Context) ([]models.SessionModel, error)
	List(ctx context.Context, page, size int) ([]models.SessionModel, int64, error)
	Expired(ctx context.Context, now time.Time) ([]models.SessionModel, error)
	Stats(ctx context.Context, since time.Time) (*Stats, error)
	// WithTx returns a Repository writing through tx, so session rows
	// commit or roll back with a caller's enclosing transaction.
	WithTx(tx *gorm.DB) Repository
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithTx(tx *gorm.DB) Repository {
	return &gormRepository{db: tx}
}

// Create inserts a session, guarding the one-active-per-device
// invariant inside a transaction.
func (r *gormRepository) Create(ctx context.Context, m *models.SessionModel) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.SessionModel{}).
			Where("device_id = ? AND active = ?", m.DeviceID, true).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyActive
		}
		return tx.Create(m).Error
	})
}

func (r *gormRepository) Update(ctx context.Context, m *models.SessionModel) error {
	res := r.db.WithContext(ctx).Model(&models.SessionModel{}).
		Where("id = ? AND version = ?", m.ID, m.Version).
		Updates(map[string]interface{}{
			"last_known_address": m.LastKnownAddress,
			"end_time":           m.EndTime,
			"paid_amount":        m.PaidAmount,
			"granted_minutes":    m.GrantedMinutes,
			"active":             m.Active,
			"paused":             m.Paused,
			"paused_at":          m.PausedAt,
			"paused_accumulated": m.PausedAccumulated,
			"version":            m.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	m.Version++
	return nil
}

func (r *gormRepository) ActiveByDevice(ctx context.Context, deviceID string) (*models.SessionModel, error) {
	var m models.SessionModel
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND active = ?", deviceID, true).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) ActiveByAddress(ctx context.Context, address string) (*models.SessionModel, error) {
	var m models.SessionModel
	err := r.db.WithContext(ctx).
		Where("last_known_address = ? AND active = ?", address, true).
		Order("created_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) ListActive(ctx context.Context) ([]models.SessionModel, error) {
	var out []models.SessionModel
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Find(&out).Error
	return out, err
}

func (r *gormRepository) List(ctx context.Context, page, size int) ([]models.SessionModel, int64, error) {
	var out []models.SessionModel
	var total int64
	q := r.db.WithContext(ctx).Model(&models.SessionModel{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := q.Order("created_at DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&out).Error
	return out, total, err
}

// Expired returns running sessions whose end time has passed. Paused
// sessions never expire while frozen.
func (r *gormRepository) Expired(ctx context.Context, now time.Time) ([]models.SessionModel, error) {
	var out []models.SessionModel
	err := r.db.WithContext(ctx).
		Where("active = ? AND paused = ? AND end_time <= ?", true, false, now).
		Find(&out).Error
	return out, err
}

func (r *gormRepository) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	stats := &Stats{}
	db := r.db.WithContext(ctx).Model(&models.SessionModel{})

	if err := db.Session(&gorm.Session{NewDB: true}).Model(&models.SessionModel{}).
		Where("active = ?", true).Count(&stats.Active).Error; err != nil {
		return nil, err
	}
	if err := db.Session(&gorm.Session{NewDB: true}).Model(&models.SessionModel{}).
		Where("active = ? AND paused = ?", true, true).Count(&stats.Paused).Error; err != nil {
		return nil, err
	}

	var row struct {
		Pesos   float64
		Minutes int64
	}
	if err := db.Session(&gorm.Session{NewDB: true}).Model(&models.SessionModel{}).
		Select("COALESCE(SUM(paid_amount),0) AS pesos, COALESCE(SUM(granted_minutes),0) AS minutes").
		Where("created_at >= ?", since).
		Scan(&row).Error; err != nil {
		return nil, err
	}
	stats.TotalPesosToday = row.Pesos
	stats.MinutesSoldToday = row.Minutes
	return stats, nil
}
