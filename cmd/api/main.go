package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/auth"
	"qrattend/internal/backend"
	"qrattend/internal/config"
	"qrattend/internal/facematch"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/qrclient"
	"qrattend/internal/queue"
	"qrattend/internal/session"
	"qrattend/internal/store"
	"qrattend/internal/ws"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	var db *store.DB
	var be backend.Backend
	switch cfg.BackendMode {
	case "memory":
		be = backend.NewMemory(
			backend.WithScanWindow(cfg.ScanWindow),
			backend.WithGeofenceRadius(cfg.GeofenceRadius),
		)
		log.Println("using in-memory backend (dev mode)")
	case "http":
		be = backend.NewHTTPClient(cfg.BackendURL)
		log.Println("using remote backend:", cfg.BackendURL)
	default:
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		pg, err := backend.NewPostgres(db.Client, cfg.ScanWindow, cfg.GeofenceRadius)
		if err != nil {
			return err
		}
		be = pg
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:scans")
	}

	faceMatcher := facematch.NewClient(cfg.FaceServiceURL, cfg.FaceSkip)
	qrDecoder := qrclient.New(cfg.QRServiceURL, cfg.QRSkip)

	controller := session.NewController(be, session.Config{
		RotationPeriod: cfg.RotationPeriod,
		Countdown:      cfg.Countdown,
	})
	defer controller.Shutdown()

	hub := ws.NewHub()
	api := &apiServer{
		cfg:        cfg,
		be:         be,
		queue:      q,
		controller: controller,
		hub:        hub,
		face:       faceMatcher,
		qr:         qrDecoder,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := cfg.BackendMode != "postgres" || db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Action-style backend protocol, consumed by the HTTP backend client.
	r.GET("/api", api.handleActionGet)
	r.POST("/api", api.handleActionPost)

	r.POST("/v1/login", api.handleLogin)

	faculty := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleFaculty, auth.RoleAdmin))
	faculty.POST("/sessions/start", api.handleStartSession)
	faculty.POST("/sessions/:id/end", api.handleEndSession)
	faculty.GET("/sessions/:id/logs", api.handleSessionLogs)
	faculty.GET("/sessions/:id/live", api.handleSessionLive)

	student := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))
	student.POST("/scan", api.handleScan)
	student.POST("/face/register", api.handleRegisterFace)
	student.GET("/me/stats", api.handleStudentStats)
	student.GET("/me/history", api.handleStudentHistory)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
