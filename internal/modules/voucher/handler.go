package voucher

import (
	"errors"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

type RedeemDTO struct {
	MAC  string `json:"mac"  binding:"required"`
	Code string `json:"code" binding:"required"`
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/vouchers")
	g.POST("/redeem", h.redeem)
}

func (h *Handler) redeem(c *gin.Context) {
	var dto RedeemDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	m, err := h.svc.Redeem(c.Request.Context(), dto.MAC, dto.Code, c.ClientIP())
	switch {
	case err == nil:
		response.OK(c, m)
	case errors.Is(err, ErrNotFound):
		response.NotFoundMsg(c, err.Error())
	case errors.Is(err, ErrUsed):
		response.Conflict(c, err.Error())
	case errors.Is(err, mac.ErrInvalid):
		response.BadRequest(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}
