package platform

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Service is what the platform can ask the bridge to do.
type Service interface {
	HandleCall(ctx context.Context, functionName string, args []string, callerPlatformUserID string) (any, error)
	HandleDataCallback(ctx context.Context, callbackName, callerPlatformUserID string) (map[string]RoomInfo, error)
	RegistrationInstructions(platformUserID string) string
}

// HealthFunc reports component state for /healthz.
type HealthFunc func(ctx context.Context) (any, error)

type Server struct {
	engine *gin.Engine
}

type callRequest struct {
	FunctionName string   `json:"function_name" binding:"required"`
	Arguments    []string `json:"arguments"`
	UserID       string   `json:"user_id" binding:"required"`
}

func NewServer(service Service, authToken string, health HealthFunc) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		if health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		details, err := health(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "details": details})
	})

	v1 := r.Group("/v1")
	v1.Use(bearerAuth(authToken))

	v1.POST("/calls", func(c *gin.Context) {
		var req callRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid body", "error": err.Error()})
			return
		}

		slog.Info("platform: Call", "function", req.FunctionName, "arguments", len(req.Arguments), "user_id", req.UserID)

		result, err := service.HandleCall(c.Request.Context(), req.FunctionName, req.Arguments, req.UserID)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"message": "call failed", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result})
	})

	v1.GET("/callbacks/:name", func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"message": "user_id is required"})
			return
		}

		slog.Info("platform: Data callback", "callback", c.Param("name"), "user_id", userID)

		result, err := service.HandleDataCallback(c.Request.Context(), c.Param("name"), userID)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"message": "callback failed", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result})
	})

	v1.GET("/registration", func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"message": "user_id is required"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": service.RegistrationInstructions(userID)})
	})

	return &Server{engine: r}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("platform: Listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("platform: Failed to shut down server", "error", err)
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("platform: Server failed", "error", err)
		return err
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotSupported):
		return http.StatusNotFound
	case errors.Is(err, ErrBadArguments):
		return http.StatusBadRequest
	case errors.Is(err, ErrDelivery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(h, "Bearer ")), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("platform: Request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
