// Package auth handles the single operator account.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/middleware"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/models"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/jwt"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	defaultUsername = "admin"
	defaultPassword = "pisowifi"
	tokenTTL        = 7 * 24 * time.Hour
)

var errBadCredentials = errors.New("invalid username or password")

type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// EnsureOperator seeds the default account on first boot.
func (s *Service) EnsureOperator(ctx context.Context) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.UserModel{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(defaultPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user := &models.UserModel{Username: defaultUsername, Password: string(hash)}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return err
	}
	s.logger.Warn("seeded default operator account, change the password",
		zap.String("username", defaultUsername))
	return nil
}

// Login verifies credentials and returns a signed token.
func (s *Service) Login(ctx context.Context, username, password, ip string) (string, *models.UserModel, error) {
	var user models.UserModel
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, errBadCredentials
	}
	if err != nil {
		return "", nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return "", nil, errBadCredentials
	}

	token, err := jwt.Sign(user.ID, tokenTTL)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&user).Updates(map[string]interface{}{
		"last_login_time": now,
		"last_login_ip":   ip,
	}).Error; err != nil {
		s.logger.Warn("login bookkeeping failed", zap.Error(err))
	}
	return token, &user, nil
}

// ChangePassword replaces the operator password.
func (s *Service) ChangePassword(ctx context.Context, userID, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&models.UserModel{}).
		Where("id = ?", userID).
		Update("password", string(hash)).Error
}

type LoginDTO struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type ChangePasswordDTO struct {
	Password string `json:"password" binding:"required,min=8"`
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/auth")
	g.POST("/login", h.login)

	a := g.Group("", authMW)
	a.GET("/me", h.me)
	a.PUT("/password", h.changePassword)
}

func (h *Handler) login(c *gin.Context) {
	var dto LoginDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	token, user, err := h.svc.Login(c.Request.Context(), dto.Username, dto.Password, c.ClientIP())
	if err != nil {
		if errors.Is(err, errBadCredentials) {
			response.Unauthorized(c)
			return
		}
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"token": token, "user": user})
}

func (h *Handler) me(c *gin.Context) {
	var user models.UserModel
	if err := h.svc.db.WithContext(c.Request.Context()).
		Where("id = ?", middleware.CurrentUserID(c)).
		First(&user).Error; err != nil {
		response.NotFound(c)
		return
	}
	response.OK(c, user)
}

func (h *Handler) changePassword(c *gin.Context) {
	var dto ChangePasswordDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.svc.ChangePassword(c.Request.Context(), middleware.CurrentUserID(c), dto.Password); err != nil {
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}
