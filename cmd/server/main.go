package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/Spok95/club-crm/internal/config"
	"github.com/Spok95/club-crm/internal/domain/audit"
	"github.com/Spok95/club-crm/internal/domain/billing"
	"github.com/Spok95/club-crm/internal/domain/households"
	"github.com/Spok95/club-crm/internal/domain/memberships"
	"github.com/Spok95/club-crm/internal/domain/pricing"
	"github.com/Spok95/club-crm/internal/domain/years"
	"github.com/Spok95/club-crm/internal/infra/db"
	httpx "github.com/Spok95/club-crm/internal/infra/http"
	"github.com/Spok95/club-crm/internal/infra/logger"
	"github.com/Spok95/club-crm/internal/infra/metrics"
	"github.com/Spok95/club-crm/internal/infra/notify"
	"github.com/Spok95/club-crm/internal/infra/payments"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/subosito/gotenv"
)

func runMigrations(dsn string) error {
	sqlDB, err := goose.OpenDBWithDriver("postgres", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()
	return goose.Up(sqlDB, "migrations")
}

func main() {
	_ = gotenv.Load()

	cfg, err := config.Load("config/example.yaml")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.App.Env)

	if err := runMigrations(cfg.Postgres.DSN); err != nil {
		log.Error("migrations failed", "err", err)
		return
	}
	log.Info("migrations applied")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Error("db connect failed", "err", err)
		return
	}
	defer pool.Close()
	log.Info("db connected")

	auditRepo := audit.NewRepo(pool)
	householdsRepo := households.NewRepo(pool)
	yearsRepo := years.NewRepo(pool)
	membershipsRepo := memberships.NewRepo(pool)
	billingRepo := billing.NewRepo(pool, householdsRepo)

	prices := pricing.Table{
		StandardCents: cfg.Pricing.StandardCents,
		DiscountCents: cfg.Pricing.DiscountCents,
	}
	svc := memberships.NewService(membershipsRepo, prices, auditRepo, log)

	tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.AdminChatID, log)
	if err != nil {
		log.Error("telegram init failed", "err", err)
		return
	}
	notifiers := notify.Multi{notify.Meter{}}
	if tg != nil {
		notifiers = append(notifiers, tg)
	}

	provider := payments.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.WebhookSecret)
	rec := billing.NewReconciler(billingRepo, provider, auditRepo, notifiers,
		time.Duration(cfg.Provider.VerifyTimeoutSec)*time.Second, log)
	payHandler := payments.NewHandler(log, provider, rec)

	api := httpx.NewAPI(log, svc, rec, membershipsRepo, billingRepo, yearsRepo, householdsRepo, auditRepo, provider, payHandler)
	srv := httpx.New(cfg.HTTP.Addr, cfg.Metrics.Enabled, api.Register)
	go func() {
		if err := srv.Start(); err != nil && err.Error() != "http: Server closed" {
			log.Error("http server error", "err", err)
		}
	}()
	log.Info("HTTP server started", "addr", cfg.HTTP.Addr)

	go runSweep(ctx, svc, time.Duration(cfg.Sweep.IntervalMin)*time.Minute, log)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("graceful shutdown complete")
}

// runSweep периодически переводит просроченные продления в LAPSED.
func runSweep(ctx context.Context, svc *memberships.Service, every time.Duration, log *slog.Logger) {
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := svc.SweepLapsed(ctx, time.Now().UTC())
			if err != nil {
				log.Error("renewal sweep failed", "err", err)
				continue
			}
			metrics.SweepLapsed.Add(float64(n))
		}
	}
}
