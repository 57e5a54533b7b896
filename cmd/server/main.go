package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	billingmod "github.com/propstack/billing/modules/billing"
	"github.com/propstack/billing/pkg/billing"
	"github.com/propstack/billing/pkg/config"
	"github.com/propstack/billing/pkg/httpserver"
	"github.com/propstack/billing/pkg/logger"
	"github.com/propstack/billing/pkg/pg"
	"github.com/propstack/billing/pkg/plan"
	"github.com/propstack/billing/pkg/reconcile"
	"github.com/propstack/billing/pkg/redis"
)

type appConfig struct {
	Environment string `env:"APP_ENV" envDefault:"production"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Provider selects the payment adapter: "mercadopago" or "paddle".
	Provider string `env:"BILLING_PROVIDER" envDefault:"mercadopago"`

	// CatalogPath optionally overrides the built-in plan catalog.
	CatalogPath string `env:"PLAN_CATALOG_PATH"`

	Currency       string `env:"BILLING_CURRENCY" envDefault:"ARS"`
	CheckoutBackTo string `env:"BILLING_CHECKOUT_BACK_URL,required"`
}

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var app appConfig
	config.MustLoad(&app)

	log := logger.New(
		logger.WithEnvironment(app.Environment, "billing"),
		logger.WithLevel(parseLevel(app.LogLevel)),
	)
	slog.SetDefault(log)

	var pgCfg pg.Config
	config.MustLoad(&pgCfg)
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	var redisCfg redis.Config
	config.MustLoad(&redisCfg)
	redisClient, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	provider, err := buildProvider(app.Provider)
	if err != nil {
		return err
	}

	catalogSrc := plan.NewStaticSource(plan.Default())
	if app.CatalogPath != "" {
		catalogSrc = plan.NewFileSource(app.CatalogPath)
	}

	store := billing.NewPostgresStore(pool)
	eng, err := billing.NewEngine(ctx, catalogSrc, provider, store,
		billing.WithLogger(log),
		billing.WithCurrency(app.Currency),
		billing.WithCheckoutBackURL(app.CheckoutBackTo),
	)
	if err != nil {
		return fmt.Errorf("billing engine: %w", err)
	}

	job := reconcile.NewJob(eng, store,
		reconcile.WithLogger(log),
		reconcile.WithLocker(reconcile.NewRedisLocker(redisClient)),
	)

	var moduleCfg billingmod.Config
	config.MustLoad(&moduleCfg)
	module := billingmod.NewModule(eng, provider, job, moduleCfg, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", httpserver.Healthcheck(log))
	r.Get("/readyz", httpserver.Healthcheck(log,
		pg.Healthcheck(pool),
		redis.Healthcheck(redisClient),
	))
	r.Mount("/billing", module.Router())

	var httpCfg httpserver.Config
	config.MustLoad(&httpCfg)
	return httpserver.New(httpCfg, log).Run(ctx, r)
}

func buildProvider(name string) (billing.Provider, error) {
	switch name {
	case "mercadopago":
		var cfg billing.MercadoPagoConfig
		config.MustLoad(&cfg)
		return billing.NewMercadoPagoProvider(cfg)
	case "paddle":
		var cfg billing.PaddleConfig
		config.MustLoad(&cfg)
		return billing.NewPaddleProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown billing provider %q", name)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
