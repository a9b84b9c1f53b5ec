package app

import (
	"context"
	"time"

	pkgcron "github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/cron"
	"go.uber.org/zap"
)

const holdReleaseInterval = 30 * time.Second

// registerCronJobs registers all scheduled background jobs.
func (a *App) registerCronJobs() {
	cronLogger := a.logger.Named("CronService")

	a.sched.Register(pkgcron.Job{
		Name:        "session_expiry_sweep",
		Description: "end sessions whose paid time ran out",
		Interval:    a.cfg.Session.SweepInterval(),
		Fn: func(ctx context.Context) error {
			return a.sessions.Sweep(ctx)
		},
	})

	a.sched.Register(pkgcron.Job{
		Name:        "enforcement_reconcile",
		Description: "align firewall rules with session state",
		Interval:    a.cfg.Session.ReconcileInterval(),
		Fn: func(ctx context.Context) error {
			reports, err := a.sessions.ReconcileAll(ctx)
			if err != nil {
				return err
			}
			changed := 0
			for _, r := range reports {
				if r.Changed {
					changed++
				}
			}
			if changed > 0 {
				cronLogger.Info("reconcile corrected firewall drift",
					zap.Int("changed", changed), zap.Int("checked", len(reports)))
			}
			return nil
		},
	})

	a.sched.Register(pkgcron.Job{
		Name:        "coinslot_hold_release",
		Description: "release expired coin slot claims",
		Interval:    holdReleaseInterval,
		Fn: func(ctx context.Context) error {
			return a.coins.ReleaseExpired(ctx)
		},
	})
}
