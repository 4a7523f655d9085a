// Package server exposes the interpreters and the plan session layer over
// HTTP. Plan sessions stream their events as server-sent events; a client
// that drops the stream reattaches with its last seen event id.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"smartquery/internal/interpret"
	"smartquery/internal/plan"
	"smartquery/internal/types"
)

// Server wires the HTTP surface.
type Server struct {
	engine *gin.Engine
	reader *interpret.Reader
	writer *interpret.Writer
	plans  *plan.Manager
	logger *zap.Logger
	http   *http.Server
}

// New builds the server and its routes.
func New(reader *interpret.Reader, writer *interpret.Writer, plans *plan.Manager, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine: engine,
		reader: reader,
		writer: writer,
		plans:  plans,
		logger: logger,
	}

	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	v1 := engine.Group("/v1")
	{
		v1.POST("/read", s.handleRead)
		v1.POST("/write", s.handleWrite)
		v1.POST("/plan", s.handlePlanStart)
		v1.POST("/plan/:id/confirm", s.handlePlanConfirm)
		v1.POST("/plan/:id/cancel", s.handlePlanCancel)
		v1.GET("/plan/:id/events", s.handlePlanEvents)
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// requestLogger logs one structured line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// writeError renders the structured error contract: {"kind": ..., "message": ...}.
func writeError(c *gin.Context, err error) {
	var te *types.Error
	if !errors.As(err, &te) {
		te = types.Wrap(types.KindInternal, err, "internal error")
	}
	c.AbortWithStatusJSON(statusFor(te.Kind), gin.H{"kind": te.Kind, "message": te.Message})
}

func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindValidationFailed, types.KindInterpretationInvalid,
		types.KindUnknownOperation, types.KindUnknownRelation:
		return http.StatusUnprocessableEntity
	case types.KindAlreadyExists:
		return http.StatusConflict
	case types.KindSchemaUnavailable, types.KindUnavailable:
		return http.StatusServiceUnavailable
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	case types.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
