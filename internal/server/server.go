// Package server 提供订单录入、手动触发调度、日志与排队对比的 HTTP 接口
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"remanufacturing-scheduler/internal/engine"
	"remanufacturing-scheduler/internal/pool"
	"remanufacturing-scheduler/internal/report"
	"remanufacturing-scheduler/internal/schedlog"
	"remanufacturing-scheduler/internal/types"
	"remanufacturing-scheduler/internal/util"
	"remanufacturing-scheduler/internal/web"
)

const factoryKey = "factory"

// Server 组合 HTTP 接口依赖的组件
type Server struct {
	scheduler *engine.Scheduler
	recorder  *schedlog.Recorder
	reporter  *report.Reporter
	hub       *web.Hub
	tracker   *web.StateTracker
	logger    *slog.Logger
}

// New 创建 HTTP 服务，hub 为 nil 时不提供 /ws
func New(scheduler *engine.Scheduler, recorder *schedlog.Recorder, hub *web.Hub, tracker *web.StateTracker, logger *slog.Logger) *Server {
	return &Server{
		scheduler: scheduler,
		recorder:  recorder,
		reporter:  report.NewReporter(recorder),
		hub:       hub,
		tracker:   tracker,
		logger:    logger.With("component", "api"),
	}
}

// Router 注册全部路由
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.traceMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.hub != nil {
		router.GET("/ws", func(c *gin.Context) {
			s.hub.ServeWs(c.Writer, c.Request, s.tracker.GetStateSnapshot())
		})
	}

	api := router.Group("/api")
	api.GET("/status", s.status)

	factories := api.Group("/factories/:id", s.resolveFactory)
	{
		factories.GET("/pool", s.getPool)
		factories.GET("/pool/:stage", s.getStagePool)
		factories.POST("/orders", s.upsertOrder)
		factories.DELETE("/orders/:orderId", s.removeOrder)
		factories.POST("/tick", s.tick)
		factories.GET("/logs", s.listLogs)
		factories.DELETE("/logs", s.clearLogs)
		factories.GET("/queue-diff", s.queueDiff)
	}
	return router
}

// traceMiddleware 沿用调用方的 X-Trace-ID，没有时生成一个
func (s *Server) traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = util.NewTraceID()
		}
		ctx := util.ContextWithTraceID(c.Request.Context(), traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Trace-ID", traceID)
		c.Next()
	}
}

func (s *Server) resolveFactory(c *gin.Context) {
	f, ok := s.scheduler.Factory(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown factory"})
		return
	}
	c.Set(factoryKey, f)
	c.Next()
}

func factoryFrom(c *gin.Context) *engine.Factory {
	return c.MustGet(factoryKey).(*engine.Factory)
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.GetStateSnapshot())
}

func (s *Server) getPool(c *gin.Context) {
	c.JSON(http.StatusOK, factoryFrom(c).Store.FullSnapshot())
}

func (s *Server) getStagePool(c *gin.Context) {
	stage, err := types.ParseStage(c.Param("stage"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	records := factoryFrom(c).Store.Snapshot(stage)
	pool.SortByArrival(records)
	c.JSON(http.StatusOK, records)
}

// upsertOrder 录入订单，默认进入 PAP；?stage= 可指定阶段
func (s *Server) upsertOrder(c *gin.Context) {
	f := factoryFrom(c)
	stage := types.StagePAP
	if raw := c.Query("stage"); raw != "" {
		st, err := types.ParseStage(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		stage = st
	}

	var rec types.PoolRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		s.logger.Warn("解析订单请求失败", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// 由订单池维护的字段不接受外部输入
	rec.ArrivalSeq = 0
	rec.OptimizedPosition = nil
	rec.ReleasedOps = nil

	if err := f.Store.Upsert(stage, rec); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, pool.ErrEmptyOrderID):
			status = http.StatusBadRequest
		case errors.Is(err, pool.ErrStageConflict):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	s.scheduler.RefreshPools(f.ID)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "orderId": rec.OrderID, "stage": stage, "version": f.Store.Version()})
}

func (s *Server) removeOrder(c *gin.Context) {
	f := factoryFrom(c)
	if !f.Store.Remove(c.Param("orderId")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown order"})
		return
	}
	s.scheduler.RefreshPools(f.ID)
	c.Status(http.StatusNoContent)
}

// tick 立即执行一次调度周期；与周期调度共享同一个 single-flight
func (s *Server) tick(c *gin.Context) {
	// 调用方断开不应中断已开始的调度周期
	ctx := context.WithoutCancel(c.Request.Context())
	rep, err := s.scheduler.Tick(ctx, factoryFrom(c).ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) listLogs(c *gin.Context) {
	q := schedlog.Query{FactoryID: factoryFrom(c).ID}
	if raw := c.Query("stage"); raw != "" {
		st, err := types.ParseStage(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		q.Stage = st
	}
	var err error
	if q.Since, err = int64Query(c, "since"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := int64Query(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q.Limit = int(limit)

	entries, err := s.recorder.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []types.SchedulingLogEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) clearLogs(c *gin.Context) {
	n, err := s.scheduler.ClearLogs(c.Request.Context(), factoryFrom(c).ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) queueDiff(c *gin.Context) {
	f := factoryFrom(c)
	diff, err := s.reporter.QueueDiff(c.Request.Context(), f.ID, f.Store)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, diff)
}

func int64Query(c *gin.Context, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}
