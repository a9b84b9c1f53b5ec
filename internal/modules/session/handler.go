package session

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

type StartSessionDTO struct {
	MAC   string  `json:"mac"   binding:"required"`
	Pesos float64 `json:"pesos" binding:"required"`
	IP    string  `json:"ip"`
}

type ExtendSessionDTO struct {
	Minutes int `json:"minutes" binding:"required"`
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/sessions")

	g.POST("", h.start)
	g.GET("/:mac", h.get)
	g.GET("/:mac/remaining", h.remaining)
	g.POST("/:mac/extend", h.extend)
	g.POST("/:mac/pause", h.pause)
	g.POST("/:mac/resume", h.resume)
	g.DELETE("/:mac", h.end)

	a := g.Group("", authMW)
	a.GET("", h.list)
	a.GET("/stats", h.stats)
	a.POST("/:mac/reconcile", h.reconcile)
}

// writeError maps module errors onto the response envelope.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFoundMsg(c, err.Error())
	case errors.Is(err, ErrAlreadyActive),
		errors.Is(err, ErrAlreadyPaused),
		errors.Is(err, ErrNotPaused):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidMinutes),
		errors.Is(err, mac.ErrInvalid):
		response.BadRequest(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}

func (h *Handler) start(c *gin.Context) {
	var dto StartSessionDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	address := dto.IP
	if address == "" {
		address = c.ClientIP()
	}

	m, err := h.svc.Start(c.Request.Context(), dto.MAC, dto.Pesos, address)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, m)
}

func (h *Handler) get(c *gin.Context) {
	detail, err := h.svc.GetByDevice(c.Request.Context(), c.Param("mac"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, detail)
}

func (h *Handler) remaining(c *gin.Context) {
	rem, err := h.svc.TimeRemaining(c.Request.Context(), c.Param("mac"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, gin.H{"remaining_seconds": int64(rem / time.Second)})
}

func (h *Handler) extend(c *gin.Context) {
	var dto ExtendSessionDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	m, err := h.svc.Extend(c.Request.Context(), c.Param("mac"), dto.Minutes)
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, m)
}

func (h *Handler) pause(c *gin.Context) {
	m, err := h.svc.Pause(c.Request.Context(), c.Param("mac"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, m)
}

func (h *Handler) resume(c *gin.Context) {
	m, err := h.svc.Resume(c.Request.Context(), c.Param("mac"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, m)
}

func (h *Handler) end(c *gin.Context) {
	if err := h.svc.End(c.Request.Context(), c.Param("mac")); err != nil {
		writeError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) list(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "0"))

	items, total, err := h.svc.List(c.Request.Context(), page, size)
	if err != nil {
		writeError(c, err)
		return
	}
	if size < 1 {
		size = h.svc.cfg.PageSize
	}
	response.Paged(c, items, response.Pagination{
		Total:       total,
		CurrentPage: page,
		TotalPage:   int(math.Ceil(float64(total) / float64(size))),
		Size:        size,
		HasNextPage: int64(page*size) < total,
	})
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, stats)
}

func (h *Handler) reconcile(c *gin.Context) {
	report, err := h.svc.Reconcile(c.Request.Context(), c.Param("mac"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, report)
}
