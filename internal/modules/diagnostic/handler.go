package diagnostic

import (
	"errors"
	"io"
	"strconv"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/diagnostics")

	g.POST("/:mac", h.runDiagnostic)
	g.GET("/:mac/stream", h.stream)

	a := g.Group("", authMW)
	a.GET("/log", h.eventLog)
}

func (h *Handler) runDiagnostic(c *gin.Context) {
	var opts Options
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	report, err := h.engine.Run(c.Request.Context(), c.Param("mac"), opts)
	if err != nil {
		if errors.Is(err, mac.ErrInvalid) {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.OK(c, report)
}

// stream pushes a run's events to the splash page as server-sent
// events, for clients without a socket.io transport.
func (h *Handler) stream(c *gin.Context) {
	events, cancel, err := h.engine.Subscribe(c.Param("mac"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent("diagnostic", ev)
			return ev.Stage != StageFinal
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *Handler) eventLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	response.OK(c, h.engine.Log().Snapshot(limit))
}
