package coinslot

import (
	"errors"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

type ClaimDTO struct {
	MAC string `json:"mac" binding:"required"`
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/coinslot")

	g.POST("/claim", h.claim)
	g.DELETE("/claim", h.release)
	g.GET("/pending", h.pending)
	g.POST("/insert", h.insert)

	a := g.Group("", authMW)
	a.GET("/status", h.status)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSlotBusy):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrNotHolder):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrNoPending), errors.Is(err, mac.ErrInvalid):
		response.BadRequest(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}

func (h *Handler) claim(c *gin.Context) {
	var dto ClaimDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	ok, err := h.svc.Acquire(dto.MAC, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		writeError(c, ErrSlotBusy)
		return
	}
	response.OK(c, gin.H{"claimed": true})
}

func (h *Handler) release(c *gin.Context) {
	macAddr := c.Query("mac")
	if macAddr == "" {
		var dto ClaimDTO
		if err := c.ShouldBindJSON(&dto); err != nil {
			response.BadRequest(c, "mac is required")
			return
		}
		macAddr = dto.MAC
	}

	if err := h.svc.Release(macAddr); err != nil {
		writeError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) pending(c *gin.Context) {
	pesos, err := h.svc.Peek(c.Query("mac"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, gin.H{"pending_pesos": pesos})
}

func (h *Handler) insert(c *gin.Context) {
	var dto ClaimDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	m, err := h.svc.Insert(c.Request.Context(), dto.MAC)
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, m)
}

func (h *Handler) status(c *gin.Context) {
	holder, pending := h.svc.Holder()
	response.OK(c, gin.H{
		"holder":        holder,
		"pending_pesos": pending,
		"bucket_pesos":  h.svc.Bucket(),
	})
}
