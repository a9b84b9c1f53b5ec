// Package health exposes liveness and cron introspection endpoints.
package health

import (
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/cron"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/response"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var startedAt = time.Now()

type Handler struct {
	db        *gorm.DB
	scheduler *cron.Scheduler
}

func NewHandler(db *gorm.DB, scheduler *cron.Scheduler) *Handler {
	return &Handler{db: db, scheduler: scheduler}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	rg.GET("/health", h.health)

	a := rg.Group("/health", authMW)
	a.GET("/cron", h.cronList)
	a.POST("/cron/:name/run", h.cronRun)
	a.GET("/cron/:name", h.cronStatus)
}

func (h *Handler) health(c *gin.Context) {
	dbOK := true
	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		dbOK = false
	}
	response.OK(c, gin.H{
		"status":         "ok",
		"database":       dbOK,
		"uptime_seconds": int64(time.Since(startedAt).Seconds()),
	})
}

func (h *Handler) cronList(c *gin.Context) {
	response.OK(c, h.scheduler.List())
}

func (h *Handler) cronRun(c *gin.Context) {
	if err := h.scheduler.Run(c.Request.Context(), c.Param("name")); err != nil {
		response.NotFoundMsg(c, err.Error())
		return
	}
	response.OK(c, gin.H{"triggered": c.Param("name")})
}

func (h *Handler) cronStatus(c *gin.Context) {
	result, err := h.scheduler.GetTask(c.Param("name"))
	if err != nil {
		response.NotFoundMsg(c, err.Error())
		return
	}
	response.OK(c, result)
}
