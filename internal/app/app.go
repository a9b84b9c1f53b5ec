// Package app wires configuration, storage, network enforcement and
// the HTTP surface into one runnable unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/config"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/database"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/middleware"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/auth"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/coinslot"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/diagnostic"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/enforcement"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/gateway"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/session"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/settings"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/modules/voucher"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/netexec"
	pkgcron "github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/cron"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/jwt"
	pkgredis "github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/redis"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds all application dependencies.
type App struct {
	cfg    *config.AppConfig
	router *gin.Engine
	db     *gorm.DB
	hub    *gateway.Hub
	logger *zap.Logger
	cancel context.CancelFunc
	sched  *pkgcron.Scheduler

	exec     netexec.Executor
	bridge   enforcement.Bridge
	sessions *session.Service
	coins    *coinslot.Service
	vouchers *voucher.Service
	engine   *diagnostic.Engine
	options  *settings.Service
	operator *auth.Service

	// pulses is the coin acceptor feed. In production a GPIO poller
	// writes into it; the simulate endpoint writes into it for bench
	// testing the acceptor path end to end.
	pulses chan coinslot.Pulse
}

// New initializes the application: config, DB, Redis, enforcement,
// domain services, gateway, cron and routes.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if cfg.JWTSecret != "" {
		jwt.SetSecret(cfg.JWTSecret)
	}

	db, err := database.Connect(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	rc, err := pkgredis.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}
	if len(cfg.AllowedOrigins) > 0 && !cfg.IsDev() {
		allowed := cfg.AllowedOrigins
		corsConfig.AllowOriginFunc = func(origin string) bool {
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		}
	} else {
		corsConfig.AllowOriginFunc = func(origin string) bool { return true }
	}
	router.Use(cors.New(corsConfig))

	// Operator-tuned options stored in the DB override the YAML file.
	options := settings.NewService(db, logger)
	applyStoredOptions(context.Background(), options, cfg)

	shell := netexec.NewShellExecutor(cfg.Network, logger)
	bridge := enforcement.NewService(shell, logger)

	sessions := session.NewService(session.NewRepository(db), bridge, cfg.Session, logger)

	pulses := make(chan coinslot.Pulse, cfg.Coinslot.PulseBuffer)
	coins := coinslot.NewService(cfg.Coinslot, sessions, pulses, logger)

	vouchers := voucher.NewService(voucher.NewStore(db), sessions, logger)

	engine := diagnostic.NewEngine(cfg.Diagnostic, shell, shell, bridge, sessions, logger)

	hub := gateway.NewHub(rc, logger, func(token string) bool {
		_, err := middleware.ValidateToken(token)
		return err == nil
	})
	engine.SetBroadcast(func(ev diagnostic.Event) {
		hub.BroadcastDevice(ev.DeviceID, "DIAGNOSTIC_EVENT", ev)
	})

	operator := auth.NewService(db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	go coins.Run(ctx)

	if err := operator.EnsureOperator(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("seed operator: %w", err)
	}

	// Install the captive firewall baseline up front. A failure here is
	// not fatal: the reconcile job retries and diagnostics can repair
	// the chain once the network stack is up.
	if err := bridge.EnsureBaseline(ctx); err != nil {
		logger.Warn("firewall baseline install failed at startup", zap.Error(err))
	}

	sched := pkgcron.New(logger)
	app := &App{
		cfg:      cfg,
		router:   router,
		db:       db,
		hub:      hub,
		logger:   logger,
		cancel:   cancel,
		sched:    sched,
		exec:     shell,
		bridge:   bridge,
		sessions: sessions,
		coins:    coins,
		vouchers: vouchers,
		engine:   engine,
		options:  options,
		operator: operator,
		pulses:   pulses,
	}
	app.registerCronJobs()
	go sched.Start(ctx)

	app.registerRoutes(rc)
	return app, nil
}

func applyStoredOptions(ctx context.Context, options *settings.Service, cfg *config.AppConfig) {
	switch options.GetDefault(ctx, settings.KeyPortalOnlyDefault, "") {
	case "true":
		cfg.Diagnostic.PortalOnly = true
	case "false":
		cfg.Diagnostic.PortalOnly = false
	}
	if v := options.GetDefault(ctx, settings.KeyOrphanPulsePolicy, ""); v != "" {
		cfg.Coinslot.OrphanPulsePolicy = v
	}
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown cleans up background goroutines.
func (a *App) Shutdown() { a.cancel() }
