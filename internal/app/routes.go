package app

import (
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/middleware"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/auth"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/coinslot"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/diagnostic"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/enforcement"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/gateway"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/health"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/network"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/portal"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/session"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/settings"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/voucher"
	pkgredis "github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/redis"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(rc *pkgredis.Client) {
	r := a.router

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c)
	})
	r.NoMethod(func(c *gin.Context) {
		response.MethodNotAllowed(c)
	})

	r.GET("/", func(c *gin.Context) {
		response.OK(c, gin.H{
			"name":    "nexus-pisowifi",
			"version": "1.0.0",
		})
	})

	// socket.io lives outside the API prefix so stock clients connect
	// with default paths.
	root := r.Group("")
	gateway.RegisterRoutes(root, a.hub)

	api := r.Group("/api/v1")
	api.Use(middleware.RateLimit(rc.Raw()))

	authMW := middleware.Auth()

	health.NewHandler(a.db, a.sched).RegisterRoutes(api, authMW)
	auth.NewHandler(a.operator).RegisterRoutes(api, authMW)
	session.NewHandler(a.sessions).RegisterRoutes(api, authMW)
	coinslot.NewHandler(a.coins).RegisterRoutes(api, authMW)
	voucher.NewHandler(a.vouchers).RegisterRoutes(api, authMW)
	diagnostic.NewHandler(a.engine).RegisterRoutes(api, authMW)
	settings.NewHandler(a.options).RegisterRoutes(api, authMW)
	enforcement.NewHandler(a.bridge).RegisterRoutes(api, authMW)
	network.NewHandler(a.exec, a.logger).RegisterRoutes(api, authMW)
	portal.NewHandler(a.sessions, a.coins).RegisterRoutes(api)

	// Bench endpoint: feeds the same pulse channel the GPIO poller
	// uses, so the acceptor path can be exercised without hardware.
	api.POST("/coinslot/pulse", authMW, func(c *gin.Context) {
		select {
		case a.pulses <- coinslot.Pulse{At: time.Now()}:
			response.OK(c, gin.H{"queued": true})
		default:
			response.Conflict(c, "pulse buffer full")
		}
	})
}
