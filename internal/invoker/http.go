package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"remanufacturing-scheduler/internal/util"
)

// BreakerSettings 远程算法服务的熔断配置
type BreakerSettings struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`      // 半开状态允许的请求数
	Interval         time.Duration `mapstructure:"interval"`          // 关闭状态下清零计数的周期
	Timeout          time.Duration `mapstructure:"open_timeout"`      // 打开后多久进入半开
	FailureThreshold uint32        `mapstructure:"failure_threshold"` // 连续失败多少次后打开
}

// DefaultBreakerSettings 返回默认熔断配置
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 3,
	}
}

// remoteResponse 远程算法服务的响应体
type remoteResponse struct {
	Result      json.RawMessage `json:"result"`
	Diagnostics string          `json:"diagnostics,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// HTTP 通过 HTTP POST 调用远程算法服务，每个端点一个熔断器
type HTTP struct {
	client   *http.Client
	settings BreakerSettings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTP 创建 HTTP 后端
func NewHTTP(logger *slog.Logger, settings BreakerSettings) *HTTP {
	return &HTTP{
		client:   &http.Client{},
		settings: settings,
		logger:   logger.With("component", "invoker_http"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (h *HTTP) breaker(endpoint string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[endpoint]; ok {
		return cb
	}
	threshold := h.settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: h.settings.MaxRequests,
		Interval:    h.settings.Interval,
		Timeout:     h.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("熔断器状态变化", "endpoint", name, "from", from.String(), "to", to.String())
		},
	})
	h.breakers[endpoint] = cb
	return cb
}

// Invoke 将请求 POST 到算法端点
func (h *HTTP) Invoke(ctx context.Context, req Request) (*Invocation, error) {
	inv := newInvocation(req.Ref, time.Now())
	logger := h.logger.With("stage", req.Stage, "endpoint", req.Ref)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	callCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	out, err := h.breaker(req.Ref).Execute(func() (interface{}, error) {
		return h.post(callCtx, req)
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Warn("远程算法超时", "timeout", req.Timeout)
			return inv, inv.fail(KindTimeout, -1, fmt.Errorf("no response within %s", req.Timeout))
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logger.Warn("熔断器拒绝调用", "error", err)
		}
		return inv, inv.fail(KindTransport, -1, err)
	}

	resp := out.(*remoteResponse)
	inv.Diagnostics = resp.Diagnostics
	if resp.Error != "" {
		return inv, inv.fail(KindExit, 1, errors.New(resp.Error))
	}
	if err := inv.succeed(resp.Result); err != nil {
		return inv, err
	}
	return inv, nil
}

func (h *HTTP) post(ctx context.Context, req Request) (*remoteResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Ref, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Scheduling-Stage", string(req.Stage))
	// 将 Trace ID 放入 HTTP Header 中，实现跨服务追踪
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		httpReq.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("远程调用失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("远程服务错误: %s", resp.Status)
	}

	var rResp remoteResponse
	if err := json.Unmarshal(body, &rResp); err != nil {
		// 响应体不是约定的信封格式，按原始算法输出处理
		return &remoteResponse{Result: body}, nil
	}
	if rResp.Result == nil && rResp.Error == "" {
		return &remoteResponse{Result: body}, nil
	}
	return &rResp, nil
}
