package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lineops/shiftline/config"
	"github.com/lineops/shiftline/internal/turn"
)

// Server wires the HTTP surface: health, metrics, auth, and the turn API.
type Server struct {
	Echo   *echo.Echo
	Config *config.Config
	Logger *log.Logger
}

// Deps carries the constructed application pieces the routes need.
type Deps struct {
	Orchestrator TurnRunner
	Store        turn.TurnStore
	Registry     prometheus.Gatherer
}

// New builds the echo instance with the shared middleware stack and routes.
func New(cfg *config.Config, deps Deps, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if deps.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	} else {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	secret := []byte(cfg.Server.JWTSecret)
	api := e.Group("/api")

	ah := &AuthHandler{TokenHash: cfg.Server.APITokenHash, Secret: secret}
	ah.Register(api.Group("/auth"))

	th := &TurnsHandler{Orch: deps.Orchestrator, Store: deps.Store}
	th.Register(api, secret)

	return &Server{Echo: e, Config: cfg, Logger: logger}
}

// Start blocks serving HTTP on the configured address.
func (s *Server) Start() error {
	addr := s.Config.Server.Address
	if addr == "" {
		addr = ":10020"
	}
	if addr[0] != ':' && !hasHost(addr) {
		addr = ":" + addr
	}
	s.Logger.Printf("listening on %s", addr)
	return s.Echo.Start(addr)
}

func hasHost(addr string) bool {
	for _, r := range addr {
		if r == ':' {
			return true
		}
	}
	return false
}
