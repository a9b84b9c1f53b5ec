// Package network exposes the operator's interface management surface:
// uplink, VLANs, access point and the captive firewall switch.
package network

import (
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/netexec"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type UplinkDTO struct {
	Address string `json:"address" binding:"required"`
	Gateway string `json:"gateway" binding:"required"`
}

type VlanDTO struct {
	Parent string `json:"parent" binding:"required"`
	ID     int    `json:"id" binding:"required,min=1,max=4094"`
}

type CaptiveDTO struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type Handler struct {
	exec   netexec.Executor
	logger *zap.Logger
}

func NewHandler(exec netexec.Executor, logger *zap.Logger) *Handler {
	return &Handler{exec: exec, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/network", authMW)

	g.GET("/status", h.status)
	g.GET("/devices", h.devices)
	g.GET("/connectivity", h.connectivity)
	g.PUT("/uplink", h.configureUplink)
	g.POST("/vlan", h.createVlan)
	g.DELETE("/vlan", h.removeVlan)
	g.POST("/access-point", h.setupAccessPoint)
	g.PUT("/captive", h.setCaptive)
}

func (h *Handler) status(c *gin.Context) {
	status, err := h.exec.GetStatus(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, status)
}

// devices lists the neighbor table: everything currently talking on
// the LAN bridge, allowed or not.
func (h *Handler) devices(c *gin.Context) {
	devices, err := h.exec.ListActiveDevices(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, devices)
}

func (h *Handler) connectivity(c *gin.Context) {
	target := c.Query("target")
	if target == "" {
		response.BadRequest(c, "target is required")
		return
	}
	result, err := h.exec.CheckUplinkConnectivity(c.Request.Context(), target)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{
		"target":     target,
		"success":    result.Success,
		"latency_ms": result.Latency.Milliseconds(),
		"message":    result.Message,
	})
}

func (h *Handler) configureUplink(c *gin.Context) {
	var dto UplinkDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.exec.ConfigureUplink(c.Request.Context(), dto.Address, dto.Gateway); err != nil {
		response.InternalError(c, err)
		return
	}
	h.logger.Info("uplink reconfigured",
		zap.String("address", dto.Address), zap.String("gateway", dto.Gateway))
	response.OK(c, dto)
}

func (h *Handler) createVlan(c *gin.Context) {
	var dto VlanDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.exec.CreateVlan(c.Request.Context(), dto.Parent, dto.ID); err != nil {
		response.InternalError(c, err)
		return
	}
	response.Created(c, dto)
}

func (h *Handler) removeVlan(c *gin.Context) {
	var dto VlanDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.exec.RemoveVlan(c.Request.Context(), dto.Parent, dto.ID); err != nil {
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) setupAccessPoint(c *gin.Context) {
	if err := h.exec.SetupAccessPoint(c.Request.Context()); err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"configured": true})
}

// setCaptive flips the captive firewall on or off. Turning it off
// opens the LAN; sessions keep running but are no longer enforced.
func (h *Handler) setCaptive(c *gin.Context) {
	var dto CaptiveDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	var err error
	if *dto.Enabled {
		err = h.exec.EnableCaptiveMode(c.Request.Context())
	} else {
		err = h.exec.DisableCaptiveMode(c.Request.Context())
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}

	enabled, err := h.exec.CheckCaptiveMode(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"enabled": enabled})
}
