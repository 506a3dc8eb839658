package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"remanufacturing-scheduler/internal/algorithm"
	"remanufacturing-scheduler/internal/types"
)

// response 与调度服务 HTTP 后端约定的响应体
type response struct {
	Result      interface{} `json:"result,omitempty"`
	Diagnostics string      `json:"diagnostics,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// main 是远程算法服务的入口，以 HTTP 方式提供内置算法
func main() {
	addr := os.Getenv("ALGORITHM_SERVER_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "algorithm-server")
	slog.SetDefault(logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/algorithms/:stage", handle(logger))
	router.POST("/algorithms/:stage/:name", handle(logger))

	srv := &http.Server{Addr: addr, Handler: router, ReadTimeout: 10 * time.Second}
	go func() {
		logger.Info("=== 远程算法服务启动 ===", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("服务启动失败", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务关闭失败", "error", err)
	}
}

func handle(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		stage, err := types.ParseStage(c.Param("stage"))
		if err != nil {
			c.JSON(http.StatusNotFound, response{Error: err.Error()})
			return
		}
		name := c.Param("name")
		if name == "" {
			name = algorithm.DefaultName
		}
		fn, ok := algorithm.Lookup(stage, name)
		if !ok {
			c.JSON(http.StatusNotFound, response{Error: "unknown algorithm " + name})
			return
		}

		// 从 HTTP Header 中提取 Trace ID，用于链路追踪
		reqLogger := logger.With("stage", stage, "algorithm", name)
		if traceID := c.GetHeader("X-Trace-ID"); traceID != "" {
			reqLogger = reqLogger.With("trace_id", traceID)
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, response{Error: err.Error()})
			return
		}
		start := time.Now()
		out, err := fn(c.Request.Context(), body)
		if err != nil {
			// 算法自身的失败以 200 + error 返回，由调用方归类为算法失败而不是传输失败
			reqLogger.Warn("算法执行失败", "error", err)
			c.JSON(http.StatusOK, response{Error: err.Error(), Diagnostics: err.Error()})
			return
		}
		reqLogger.Info("算法执行完成", "duration", time.Since(start))
		c.JSON(http.StatusOK, response{Result: rawJSON(out)})
	}
}

// rawJSON 原样输出算法结果
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }
