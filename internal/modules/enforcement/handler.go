package enforcement

import (
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/netexec"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

type statusDetail struct {
	MAC     string              `json:"mac"`
	Allowed bool                `json:"allowed"`
	Rules   []netexec.RuleEntry `json:"rules"`
}

type Handler struct {
	bridge Bridge
}

func NewHandler(bridge Bridge) *Handler {
	return &Handler{bridge: bridge}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/enforcement", authMW)
	g.GET("/:mac", h.status)
}

// status reports what the firewall actually holds for one device.
func (h *Handler) status(c *gin.Context) {
	canonical, err := mac.Canonical(c.Param("mac"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	rules, err := h.bridge.Status(c.Request.Context(), canonical)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	allowed, err := h.bridge.IsAllowed(c.Request.Context(), canonical)
	if err != nil {
		response.InternalError(c, err)
		return
	}

	response.OK(c, statusDetail{MAC: canonical, Allowed: allowed, Rules: rules})
}
