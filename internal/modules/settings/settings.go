// Package settings is the DB-backed key/value store for bits the
// operator tunes at runtime without a restart.
package settings

import (
	"context"
	"errors"
	"sync"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/models"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Known option names.
const (
	KeyPortalOnlyDefault = "diagnostic.portal_only_default"
	KeyOrphanPulsePolicy = "coinslot.orphan_pulse_policy"
)

type Service struct {
	db     *gorm.DB
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]string
}

func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Get returns the option value, or "" when unset.
func (s *Service) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if s.cache != nil {
		v, ok := s.cache[name]
		s.mu.RUnlock()
		if ok {
			return v, nil
		}
		return "", nil
	}
	s.mu.RUnlock()

	if err := s.load(ctx); err != nil {
		return "", err
	}
	return s.Get(ctx, name)
}

// GetDefault returns the option value, falling back when unset.
func (s *Service) GetDefault(ctx context.Context, name, fallback string) string {
	v, err := s.Get(ctx, name)
	if err != nil {
		s.logger.Warn("settings read failed", zap.String("name", name), zap.Error(err))
		return fallback
	}
	if v == "" {
		return fallback
	}
	return v
}

// Set upserts an option and refreshes the cache.
func (s *Service) Set(ctx context.Context, name, value string) error {
	var existing models.OptionModel
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = s.db.WithContext(ctx).Create(&models.OptionModel{Name: name, Value: value}).Error
	case err == nil:
		err = s.db.WithContext(ctx).Model(&existing).Update("value", value).Error
	}
	if err != nil {
		return err
	}

	s.Invalidate()
	return nil
}

// Invalidate drops the cache; the next read reloads from the DB.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
}

func (s *Service) load(ctx context.Context) error {
	var rows []models.OptionModel
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return err
	}

	cache := make(map[string]string, len(rows))
	for _, row := range rows {
		cache[row.Name] = row.Value
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

type OptionDTO struct {
	Value string `json:"value"`
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/settings", authMW)
	g.GET("/:name", h.get)
	g.PUT("/:name", h.set)
}

func (h *Handler) get(c *gin.Context) {
	v, err := h.svc.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"name": c.Param("name"), "value": v})
}

func (h *Handler) set(c *gin.Context) {
	var dto OptionDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.svc.Set(c.Request.Context(), c.Param("name"), dto.Value); err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"name": c.Param("name"), "value": dto.Value})
}
