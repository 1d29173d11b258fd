// Package http exposes the concierge core to the embedding page.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/saker-ai/concierge/internal/app"
	"github.com/saker-ai/concierge/internal/audio"
	"github.com/saker-ai/concierge/internal/chat"
	"github.com/saker-ai/concierge/internal/logger"
	"github.com/saker-ai/concierge/internal/session/fsm"
	"github.com/saker-ai/concierge/internal/voice"
)

// Service is the concierge state the routes operate on.
type Service interface {
	Turns() []chat.Turn
	Send(ctx context.Context, text, imageDataURL string) (chat.Turn, error)
	Reset(ctx context.Context) string
	Session() app.SessionView
	Signals() app.SignalsView
	CallState() fsm.State
	Ring() bool
	Answer(ctx context.Context) error
	Hangup(ctx context.Context) error
	Location() app.Location
	ObserveLocation(location string) bool
}

type sendRequest struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

type locationRequest struct {
	Location string `json:"location" binding:"required"`
}

// NewRouter executes the newRouter function.
func NewRouter(svc Service, metricsHandler http.Handler, log *zap.Logger) *gin.Engine {
	log = logger.OrNop(log)
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/turns", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"thread_id": svc.Session().ThreadID, "turns": svc.Turns()})
	})
	router.POST("/turns", func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		turn, err := svc.Send(c.Request.Context(), req.Text, req.Image)
		switch {
		case err == nil:
			c.JSON(http.StatusCreated, turn)
		case errors.Is(err, app.ErrEmptyMessage):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case turn.Message != "":
			// Stored but not delivered.
			log.Warn("chat delivery failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "turn": turn})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
	})
	router.DELETE("/turns", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"thread_id": svc.Reset(c.Request.Context())})
	})

	router.GET("/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Session())
	})
	router.GET("/context", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Signals())
	})

	router.GET("/call", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"state": svc.CallState()})
	})
	router.POST("/call/ring", func(c *gin.Context) {
		if !svc.Ring() {
			c.JSON(http.StatusConflict, gin.H{"error": "call is not idle", "state": svc.CallState()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": svc.CallState()})
	})
	router.POST("/call/answer", func(c *gin.Context) {
		if err := svc.Answer(c.Request.Context()); err != nil {
			c.JSON(answerStatus(err), gin.H{"error": err.Error(), "state": svc.CallState()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": svc.CallState()})
	})
	router.POST("/call/hangup", func(c *gin.Context) {
		if err := svc.Hangup(c.Request.Context()); err != nil {
			log.Warn("hangup failed", zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"state": svc.CallState()})
	})

	router.GET("/location", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Location())
	})
	router.POST("/location", func(c *gin.Context) {
		var req locationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		completed := svc.ObserveLocation(req.Location)
		c.JSON(http.StatusOK, gin.H{"location": svc.Location(), "completed": completed})
	})

	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	return router
}

func answerStatus(err error) int {
	var deviceErr *audio.DeviceAccessError
	switch {
	case errors.Is(err, voice.ErrNotRinging):
		return http.StatusConflict
	case errors.As(err, &deviceErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			logger.Elapsed(start),
		)
	}
}
