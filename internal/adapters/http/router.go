package http

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicertc/internal/adapters/signal"
	"github.com/dkeye/voicertc/internal/app/orch"
	"github.com/dkeye/voicertc/internal/config"
	"github.com/dkeye/voicertc/internal/domain"
)

const (
	tokenCookie = "ct"
	tokenKey    = "client_token"
	// InternalTokenHeader carries the shared secret of internal callers.
	InternalTokenHeader = "X-Internal-Token"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// InternalOnly admits requests carrying token in InternalTokenHeader. An
// empty token closes the route.
func InternalOnly(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(InternalTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "internal route"})
			return
		}
		c.Next()
	}
}

// ClientTokenMiddleware identifies the caller. The token lives in the
// signed session and is mirrored in the "ct" cookie for clients that carry
// it themselves.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(tokenKey).(string)
		if token == "" {
			token, _ = c.Cookie(tokenCookie)
		}
		if _, err := domain.ParseUserID(token); err != nil {
			token = genClientToken()
		}
		if sess.Get(tokenKey) != token {
			sess.Set(tokenKey, token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.SetCookie(tokenCookie, token, 3600*24*7, "/", "", false, true)
		c.Set(tokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, ctrl *signal.SignalWSController, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Server.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	store := cookie.NewStore([]byte(cfg.Server.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", c.GetString(tokenKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	voice := api.Group("/voice")
	voice.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"rooms":    o.Rooms.List(),
			"snapshot": o.Rooms.Snapshot(),
		})
	})
	// Called by the channel subsystem when a channel is deleted.
	voice.DELETE("/rooms/:id", InternalOnly(cfg.Server.InternalToken), func(c *gin.Context) {
		id, err := domain.ParseChannelID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !o.EvictChannel(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	return r
}
