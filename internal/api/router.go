package api

import (
	"strings"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	echoSwagger "github.com/swaggo/echo-swagger"
	"go.mongodb.org/mongo-driver/mongo"

	_ "github.com/smartsanitation/fleet-core/docs"
	"github.com/smartsanitation/fleet-core/internal/api/handler"
	"github.com/smartsanitation/fleet-core/internal/api/middleware"
	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

// Deps carries everything the HTTP layer needs. Mongo and Redis may be nil.
type Deps struct {
	Telemetry ports.TelemetryService
	Units     ports.UnitService
	Payments  ports.PaymentService
	Auth      ports.AuthService
	Gateways  []ports.PaymentGateway
	Hub       handler.Broadcaster

	Mongo *mongo.Database
	Redis *redis.Client

	JWTSecret   string
	DeviceKey   string
	CORSOrigins []string

	// Registerer receives the request metrics. Defaults to the global registry.
	Registerer prometheus.Registerer

	Log zerolog.Logger
}

// NewRouter builds and returns the Echo instance with all routes registered.
func NewRouter(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = NewHTTPErrorHandler(d.Log)

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(requestLogger(d.Log))
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: d.CORSOrigins,
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept,
			echo.HeaderAuthorization, "Idempotency-Key", "X-Device-Key",
		},
	}))
	registerer := d.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  "fleet",
		Subsystem:  "http",
		Registerer: registerer,
		Skipper:    skipOperational,
	}))

	// --- Handlers ---
	authHandler := handler.NewAuthHandler(d.Auth)
	telemetryHandler := handler.NewTelemetryHandler(d.Telemetry)
	unitHandler := handler.NewUnitHandler(d.Units)
	paymentHandler := handler.NewPaymentHandler(d.Payments)
	callbackHandler := handler.NewCallbackHandler(d.Gateways, d.Payments, d.Log.With().Str("component", "callbacks").Logger())
	streamHandler := handler.NewStreamHandler(d.Hub, d.CORSOrigins, d.Log.With().Str("component", "stream").Logger())

	jwtAuth := middleware.Auth(d.JWTSecret)
	adminOnly := middleware.RBAC(domain.RoleAdmin)

	// --- Operational endpoints (no auth required) ---
	healthHandler := handler.NewHealthHandler()
	healthDepsHandler := handler.NewHealthDependenciesHandler(d.Mongo, d.Redis)
	e.GET("/health", healthHandler.Liveness)            // liveness  – is the process alive?
	e.GET("/health/ready", healthDepsHandler.Readiness) // readiness – are dependencies up?
	e.GET("/metrics", echoprometheus.NewHandler())
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	// --- Auth routes ---
	e.POST("/auth/login", authHandler.Login)
	e.POST("/auth/register", authHandler.Register, jwtAuth, adminOnly)

	v1 := e.Group("/v1")

	// Devices
	v1.POST("/telemetry", telemetryHandler.Ingest, middleware.DeviceKey(d.DeviceKey))

	// Dashboards
	v1.GET("/units", unitHandler.List, jwtAuth)
	v1.GET("/units/:serial_no", unitHandler.Get, jwtAuth)
	v1.POST("/units", unitHandler.Register, jwtAuth, adminOnly)
	v1.GET("/stream", streamHandler.Stream, jwtAuth)

	// Payments
	v1.POST("/payments", paymentHandler.Initiate, jwtAuth)
	v1.GET("/payments", paymentHandler.List, jwtAuth, adminOnly)
	v1.GET("/payments/:id", paymentHandler.Get, jwtAuth)

	// Provider callbacks
	callbacks := v1.Group("/callbacks", echomiddleware.BodyLimit("1M"))
	callbacks.POST("/mpesa", callbackHandler.For(domain.ProviderMobileMoney))
	callbacks.POST("/paystack", callbackHandler.For(domain.ProviderCardGateway))

	return e
}

func skipOperational(c echo.Context) bool {
	p := c.Path()
	return p == "/metrics" || strings.HasPrefix(p, "/health") || strings.HasPrefix(p, "/swagger")
}

// requestLogger routes echo's access log through zerolog.
func requestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		Skipper:      skipOperational,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil {
				ev = log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Str("remote_ip", v.RemoteIP).
				Msg("request")
			return nil
		},
	})
}
