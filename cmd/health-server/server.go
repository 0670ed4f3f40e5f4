package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/intellisoft/digitalhealth/internal/config"
	"github.com/intellisoft/digitalhealth/internal/domain/encounter"
	"github.com/intellisoft/digitalhealth/internal/domain/observation"
	"github.com/intellisoft/digitalhealth/internal/domain/patient"
	"github.com/intellisoft/digitalhealth/internal/domain/record"
	"github.com/intellisoft/digitalhealth/internal/platform/auth"
	"github.com/intellisoft/digitalhealth/internal/platform/db"
	"github.com/intellisoft/digitalhealth/internal/platform/fault"
	"github.com/intellisoft/digitalhealth/internal/platform/metrics"
	"github.com/intellisoft/digitalhealth/internal/platform/middleware"
	"github.com/intellisoft/digitalhealth/internal/platform/openapi"
)

const version = "0.1.0"

// backend is the selected record store together with its lifecycle hooks.
type backend struct {
	store  record.Store
	pinger db.Pinger
	pool   *pgxpool.Pool
	close  func()
}

func (b *backend) Close() {
	if b.close != nil {
		b.close()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", config.StorePostgres)
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		store := record.NewPGStore(pool)
		return &backend{store: store, pinger: store, pool: pool, close: store.Close}, nil
	case config.StoreSQLite:
		store, err := record.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", cfg.SQLitePath, err)
		}
		return &backend{store: store, pinger: store, close: store.Close}, nil
	case config.StoreMemory:
		logger.Warn().Msg("STORE_DRIVER=memory: records are lost on restart")
		store := record.NewMemoryStore()
		return &backend{store: store, pinger: store, close: store.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// server is the assembled HTTP surface plus the resources it owns.
type server struct {
	Echo    *echo.Echo
	Metrics *metrics.Registry
	closers []func()
}

func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newServer(cfg *config.Config, b *backend, logger zerolog.Logger) (*server, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	srv := &server{}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	srv.Echo = e

	var observer fault.Observer
	if cfg.MetricsEnabled {
		srv.Metrics = metrics.New()
		observer = srv.Metrics
		if err := srv.Metrics.Register(storeUpGauge(b.pinger, cfg.StoreDriver)); err != nil {
			return nil, fmt.Errorf("register store gauge: %w", err)
		}
	}
	e.HTTPErrorHandler = fault.HTTPErrorHandler(logger, observer)

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if srv.Metrics != nil {
		e.Use(srv.Metrics.Middleware())
	}
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, cfg.APIKeyHeader, middleware.RequestIDHeader},
	}))

	// Public endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(b.pinger, cfg.StoreDriver, b.pool))
	if srv.Metrics != nil {
		e.GET("/metrics", srv.Metrics.Handler())
	}

	api := e.Group("/api")
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	}))
	api.Use(middleware.BodyLimit(cfg.BodyLimit))
	api.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	authMW, err := authMiddleware(cfg)
	if err != nil {
		return nil, err
	}
	api.Use(authMW)

	cache, closeCache, err := openCache(cfg, logger)
	if err != nil {
		return nil, err
	}
	// The cache runs inside each route group, after its role check.
	var routeMW []echo.MiddlewareFunc
	if cache != nil {
		srv.closers = append(srv.closers, closeCache)
		routeMW = append(routeMW, middleware.ResponseCache(cache, cfg.CacheTTL))
	}

	clock := record.NewClock(loc)
	patient.NewHandler(patient.NewService(b.store, clock, logger)).RegisterRoutes(api, routeMW...)
	encounter.NewHandler(encounter.NewService(b.store, clock, logger)).RegisterRoutes(api, routeMW...)
	observation.NewHandler(observation.NewService(b.store, clock, logger)).RegisterRoutes(api, routeMW...)

	openapi.NewGenerator(e, version, "http://localhost:"+cfg.Port, cfg.APIKeyHeader).RegisterRoutes(e)

	logger.Info().
		Str("auth_mode", cfg.ResolvedAuthMode()).
		Str("cache", cfg.CacheDriver).
		Str("timezone", cfg.Timezone).
		Bool("metrics", cfg.MetricsEnabled).
		Msg("routes registered")
	return srv, nil
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	switch mode := cfg.ResolvedAuthMode(); mode {
	case config.AuthDevelopment:
		return auth.DevAuthMiddleware(), nil
	case config.AuthAPIKey:
		if cfg.APIKeySecret == "" {
			return nil, fmt.Errorf("API_KEY_SECRET is required when AUTH_MODE=%s", config.AuthAPIKey)
		}
		return auth.APIKeyMiddleware(cfg.APIKeyHeader, cfg.APIKeySecret), nil
	case config.AuthJWT:
		if cfg.JWTSigningKey == "" {
			return nil, fmt.Errorf("JWT_SIGNING_KEY is required when AUTH_MODE=%s", config.AuthJWT)
		}
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			SigningKey: []byte(cfg.JWTSigningKey),
		}), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

func openCache(cfg *config.Config, logger zerolog.Logger) (middleware.CacheStore, func(), error) {
	switch cfg.CacheDriver {
	case config.CacheNone, "":
		return nil, nil, nil
	case config.CacheMemory:
		return middleware.NewInMemoryCacheStore(), func() {}, nil
	case config.CacheLevelDB:
		store, err := middleware.OpenLevelDBCacheStore(cfg.CachePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open leveldb cache %q: %w", cfg.CachePath, err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("close leveldb cache")
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache driver %q", cfg.CacheDriver)
	}
}

// storeUpGauge reports 1 while the store answers a ping, 0 otherwise.
func storeUpGauge(p db.Pinger, driver string) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "digitalhealth",
		Name:        "store_up",
		Help:        "Whether the record store answers a ping.",
		ConstLabels: prometheus.Labels{"driver": driver},
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return 0
		}
		return 1
	})
}
