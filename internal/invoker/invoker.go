// Package invoker 执行各阶段配置的调度算法
//
// 算法引用决定使用哪个后端：
//
//	""、"builtin:<name>"    进程内置算法 (internal/algorithm)
//	"http://..."、"https://..." 远程算法服务
//	"exec:<命令行>" 或其他     子进程，请求写入 stdin，结果从 stdout 读取，stderr 作为诊断输出
//
// Invoker 只执行一次调用，从不重试。
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"remanufacturing-scheduler/internal/types"
)

// DefaultTimeout 未配置超时时使用的调用时限
const DefaultTimeout = 30 * time.Second

// ErrorKind 调用失败的分类
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"   // 超过时限，进程已被终止
	KindExit      ErrorKind = "exit"      // 非零退出码
	KindTransport ErrorKind = "transport" // 无法启动进程、网络错误、远程服务返回错误状态
	KindMalformed ErrorKind = "malformed" // 输出不是合法 JSON
)

var (
	ErrTimeout   = errors.New("invoker: timeout")
	ErrExit      = errors.New("invoker: non-zero exit")
	ErrTransport = errors.New("invoker: transport failure")
	ErrMalformed = errors.New("invoker: malformed output")
)

// Error 描述一次失败的调用
type Error struct {
	Kind     ErrorKind
	Ref      string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("invoke %q: %s", e.Ref, e.Kind)
	if e.Kind == KindExit {
		msg += fmt.Sprintf(" (code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrTimeout) 等按分类匹配
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrExit:
		return e.Kind == KindExit
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrMalformed:
		return e.Kind == KindMalformed
	}
	return false
}

// Meta 调用的执行元数据
type Meta struct {
	ScriptOrEndpoint string          `json:"scriptOrEndpoint"`
	StartTime        time.Time       `json:"startTime"`
	EndTime          time.Time       `json:"endTime"`
	Status           types.RunStatus `json:"status"`
}

// Duration 返回调用耗时
func (m Meta) Duration() time.Duration { return m.EndTime.Sub(m.StartTime) }

// Invocation 是一次调用的结果
// 失败时 Result 为空，Diagnostics 与 Meta 仍然有效
type Invocation struct {
	Result      json.RawMessage
	Diagnostics string
	Meta        Meta
}

// Request 一次调用的输入
type Request struct {
	Stage   types.Stage
	Ref     string
	Payload []byte
	Timeout time.Duration
}

// Invoker 执行算法调用
// 返回的 Invocation 总是非 nil；失败时 error 为 *Error
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Invocation, error)
}

// Backend 是某一类算法引用的执行方式
type Backend interface {
	Invoke(ctx context.Context, req Request) (*Invocation, error)
}

// Router 根据算法引用选择后端
type Router struct {
	builtin Backend
	exec    Backend
	http    Backend
	logger  *slog.Logger
}

// NewRouter 创建路由，nil 后端会使用默认实现
func NewRouter(logger *slog.Logger, builtin, exec, http Backend) *Router {
	if builtin == nil {
		builtin = NewBuiltin()
	}
	if exec == nil {
		exec = NewExec(logger)
	}
	if http == nil {
		http = NewHTTP(logger, DefaultBreakerSettings())
	}
	return &Router{builtin: builtin, exec: exec, http: http, logger: logger.With("component", "invoker")}
}

// Invoke 调用算法
func (r *Router) Invoke(ctx context.Context, req Request) (*Invocation, error) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	ref := strings.TrimSpace(req.Ref)
	var backend Backend
	switch {
	case ref == "" || strings.HasPrefix(ref, "builtin:"):
		backend = r.builtin
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		backend = r.http
	default:
		backend = r.exec
	}
	req.Ref = ref

	inv, err := backend.Invoke(ctx, req)
	if err != nil {
		r.logger.Warn("算法调用失败", "stage", req.Stage, "ref", inv.Meta.ScriptOrEndpoint, "error", err)
		return inv, err
	}
	r.logger.Debug("算法调用完成", "stage", req.Stage, "ref", inv.Meta.ScriptOrEndpoint, "duration", inv.Meta.Duration())
	return inv, nil
}

// ParseOutput 解析算法输出
// 整体是合法 JSON 时直接使用；否则取最后一个非空行，要求是 JSON 对象
func ParseOutput(out []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, errors.New("empty output")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		if line[0] == '{' && json.Valid(line) {
			return json.RawMessage(line), nil
		}
		break
	}
	return nil, errors.New("output is not valid JSON")
}

func newInvocation(ref string, start time.Time) *Invocation {
	return &Invocation{Meta: Meta{ScriptOrEndpoint: ref, StartTime: start, Status: types.RunFailed}}
}

// succeed 标记成功并解析输出，输出无法解析时返回 KindMalformed
func (inv *Invocation) succeed(out []byte) error {
	inv.Meta.EndTime = time.Now()
	raw, err := ParseOutput(out)
	if err != nil {
		return &Error{Kind: KindMalformed, Ref: inv.Meta.ScriptOrEndpoint, Err: err}
	}
	inv.Result = raw
	inv.Meta.Status = types.RunSuccess
	return nil
}

func (inv *Invocation) fail(kind ErrorKind, exitCode int, err error) error {
	inv.Meta.EndTime = time.Now()
	inv.Meta.Status = types.RunFailed
	return &Error{Kind: kind, Ref: inv.Meta.ScriptOrEndpoint, ExitCode: exitCode, Err: err}
}
