package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/handler"
	"classattend/internal/httpmiddleware"
	"classattend/internal/metrics"
	"classattend/internal/notify"
	"classattend/internal/store"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

// deps are the long-lived resources behind the router.
type deps struct {
	backend store.Backend
	redis   *notify.Redis
	svc     *attendance.Service
	metrics *metrics.Metrics
}

func openDeps(ctx context.Context, cfg config.App, reg prometheus.Registerer) (*deps, error) {
	backend, err := store.OpenBackend(ctx, cfg.StoreBackend, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	notifier, err := notify.New(cfg.NotifyBackend, cfg.RedisAddr)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	rdb, _ := notifier.(*notify.Redis)

	svc := attendance.NewService(store.NewGateway(backend, notifier), cfg.WriteTimeout)
	m := metrics.New(reg, svc.Active)
	svc.ObserveWrites(m.ObserveWrite)
	return &deps{backend: backend, redis: rdb, svc: svc, metrics: m}, nil
}

func (d *deps) close() {
	d.svc.CloseAll()
	if err := d.redis.Close(); err != nil {
		log.Printf("redis close: %v", err)
	}
	if err := d.backend.Close(); err != nil {
		log.Printf("store close: %v", err)
	}
}

func newRouter(cfg config.App, d *deps) (*gin.Engine, *handler.Handler) {
	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	r.Use(httpmiddleware.RequestID())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", httpmiddleware.RequestIDHeader},
		ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		dbHealthy := d.backend.Ping(ctx) == nil
		body := gin.H{"status": "ok", "db": dbHealthy}
		healthy := dbHealthy
		if d.redis != nil {
			redisHealthy := d.redis.Healthy(ctx)
			body["redis"] = redisHealthy
			healthy = healthy && redisHealthy
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
		c.JSON(status, body)
	})

	// Rate limiting per signed-in user
	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	v1 := r.Group("/v1",
		auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer),
		limiter.GinMiddleware(userKey),
	)
	h := handler.New(d.svc, cfg.TargetPercent, d.metrics)
	h.Register(v1)
	return r, h
}

func userKey(c *gin.Context) string {
	if id, ok := auth.IdentityFrom(c); ok {
		return "user:" + id.UserID
	}
	return httpmiddleware.ClientIP(c)
}

func runHTTP(cfg config.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	d, err := openDeps(ctx, cfg, prometheus.DefaultRegisterer)
	cancel()
	if err != nil {
		return err
	}
	defer d.close()
	log.Printf("store backend %s, notifications via %s", cfg.StoreBackend, cfg.NotifyBackend)

	router, h := newRouter(cfg, d)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go d.svc.RunReaper(reaperCtx, cfg.SessionIdle, 0)

	// Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	srv.RegisterOnShutdown(h.CloseStreams)

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}
