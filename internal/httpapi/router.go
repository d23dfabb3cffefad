package httpapi

import (
	"net/http"
	"time"

	"github.com/educpro/inbox/internal/health"
	"github.com/educpro/inbox/internal/metrics"
	"github.com/educpro/inbox/internal/ws"
	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterDependencies are the collaborators of the router. Hub, Metrics,
// Health and Limiter are optional.
type RouterDependencies struct {
	Handler        *Handler
	Auth           Authenticator
	Hub            *ws.Hub
	Metrics        *metrics.Metrics
	Health         *health.Checker
	Limiter        *Limiter
	AllowedOrigins []string
	MaxBodySize    int64
	Logger         *zap.Logger
}

// NewRouter builds the gin engine serving the API, the websocket, metrics
// and health probes.
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.HTTPMetrics())
	}

	corsConfig := gincors.Config{
		AllowOrigins:     deps.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}
	// Credentials cannot be combined with a wildcard origin.
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	if deps.Health != nil {
		deps.Health.Register(router.Group("/healthz"))
	}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.Hub != nil {
		router.GET("/ws", deps.Hub.Handler())
	}

	api := router.Group("/api/v1")
	api.Use(BodySizeLimit(deps.MaxBodySize))
	api.Use(RequireAuth(deps.Auth, log))
	if deps.Limiter != nil {
		api.Use(RateLimit(deps.Limiter, deps.Metrics))
	}

	h := deps.Handler
	messages := api.Group("/messages")
	{
		messages.GET("", h.ListMessages)
		messages.POST("", h.SendMessage)
		messages.POST("/refresh", h.Refresh)
		messages.GET("/:id", h.GetMessage)
		messages.POST("/:id/read", h.MarkRead)
		messages.DELETE("/:id", h.DeleteMessage)
	}

	api.POST("/uploads", h.Upload)
	api.DELETE("/uploads/*name", h.DeleteUpload)

	api.GET("/profile", h.GetProfile)
	api.PATCH("/profile", h.UpdateProfile)
	api.POST("/profile/avatar", h.UploadAvatar)

	return router
}
