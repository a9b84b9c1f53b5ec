// Package portal serves the captive-portal self view: what does this
// device's session look like right now.
package portal

import (
	"errors"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/coinslot"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/session"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

type statusResponse struct {
	Connected bool            `json:"connected"`
	Session   *session.Detail `json:"session,omitempty"`
	SlotHeld  bool            `json:"slot_held"`
}

type Handler struct {
	sessions *session.Service
	coins    *coinslot.Service
}

func NewHandler(sessions *session.Service, coins *coinslot.Service) *Handler {
	return &Handler{sessions: sessions, coins: coins}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/portal")
	g.GET("/status", h.status)
}

// status resolves the caller's session by MAC when the splash page
// knows it, falling back to the client address.
func (h *Handler) status(c *gin.Context) {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	var detail *session.Detail
	var err error
	if macQ := c.Query("mac"); macQ != "" {
		detail, err = h.sessions.GetByDevice(ctx, macQ)
		if err == nil {
			h.sessions.Touch(ctx, macQ, ip)
		}
	} else {
		detail, err = h.sessions.GetByAddress(ctx, ip)
	}

	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		detail = nil
	case errors.Is(err, mac.ErrInvalid):
		response.BadRequest(c, err.Error())
		return
	default:
		response.InternalError(c, err)
		return
	}

	holder, _ := h.coins.Holder()
	slotHeld := detail != nil && holder == detail.DeviceID

	response.OK(c, statusResponse{
		Connected: detail != nil,
		Session:   detail,
		SlotHeld:  slotHeld,
	})
}
