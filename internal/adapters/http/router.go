package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Classroom/internal/adapters/signal"
	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/config"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Relay    core.Relay
	Registry *app.Registry
	Policy   app.Policy
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set(signal.CtxClientToken, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(OriginFilter(cfg.AllowedOrigins))

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ClassroomSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")
	api.POST("/auth/login", Login(cfg.JWTSecret))

	authed := api.Group("", JWTAuth(cfg.JWTSecret))
	authed.GET("/auth/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, participantFrom(c))
	})
	(&SessionHandlers{Relay: deps.Relay, Registry: deps.Registry}).Register(authed)

	ctrl := signal.NewSignalWSController(deps.Relay, deps.Registry, deps.Policy, cfg.WS, cfg.AllowedOrigins)
	authed.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString(signal.CtxClientToken)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
