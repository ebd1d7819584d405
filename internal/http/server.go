package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	gommonlog "github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/http/middleware"
	"github.com/Mnabil10/fasket-sub001/internal/metrics"
)

// Deps are the collaborators the HTTP layer calls into.
type Deps struct {
	Events   AdminStore
	Attempts AttemptLister // nil when attempt history is disabled
	Outbox   Outbox
	Redis    *redis.Client
	Clock    clockwork.Clock
	Log      *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(gommonlog.WARN)
	e.Use(
		echoMid.Recover(),
		echoMid.RequestIDWithConfig(echoMid.RequestIDConfig{Generator: uuid.NewString}),
		requestLogger(d.Log),
	)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.Admin.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "rl:admin:",
		Window:         time.Second,
		RetryAfterHint: true,
	})
	sigMW := middleware.SignatureMiddleware(cfg.Automation.Secret, cfg.Automation.InboundTolerance, d.Clock.Now)

	// admin
	admin := e.Group("/v1/admin/automation", authMW, rlMW)
	admin.GET("/events", listEventsHandler(d.Events))
	admin.GET("/events/stats", eventStatsHandler(d.Events))
	admin.GET("/events/:id", getEventHandler(d.Events))
	admin.GET("/events/:id/attempts", listAttemptsHandler(d.Attempts))
	admin.POST("/events/:id/replay", replayEventHandler(d.Events, d.Outbox, d.Clock, d.Log))
	admin.POST("/events/replay", replayMatchingHandler(d.Events, d.Outbox, d.Clock, d.Log))

	// inbound automation (signed)
	inbound := e.Group("/v1/automation", sigMW)
	inbound.POST("/events", inboundEventHandler(d.Outbox, d.Log))

	return &Server{e: e, log: d.Log}
}

// Handler exposes the router (tests, embedding).
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				log.Warn("http request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Debug("http request", fields...)
			return nil
		},
	})
}
