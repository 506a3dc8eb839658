package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Exec 以子进程方式执行算法脚本
type Exec struct {
	logger *slog.Logger
	// waitDelay 进程被终止后等待输出管道关闭的时间
	waitDelay time.Duration
}

// NewExec 创建子进程后端
func NewExec(logger *slog.Logger) *Exec {
	return &Exec{logger: logger.With("component", "invoker_exec"), waitDelay: 2 * time.Second}
}

// Invoke 启动子进程，写入请求并等待结果，超时后终止进程
func (e *Exec) Invoke(ctx context.Context, req Request) (*Invocation, error) {
	ref := strings.TrimPrefix(req.Ref, "exec:")
	inv := newInvocation(ref, time.Now())

	args := strings.Fields(ref)
	if len(args) == 0 {
		return inv, inv.fail(KindTransport, 0, errors.New("empty command"))
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.WaitDelay = e.waitDelay
	cmd.Env = append(os.Environ(), "SCHED_STAGE="+string(req.Stage))
	cmd.Stdin = bytes.NewReader(req.Payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("启动算法进程", "stage", req.Stage, "command", args[0], "timeout", req.Timeout)
	err := cmd.Run()
	inv.Diagnostics = stderr.String()

	if timedOut(err, runCtx, ctx) {
		e.logger.Warn("算法进程超时，已终止", "stage", req.Stage, "command", args[0], "timeout", req.Timeout)
		return inv, inv.fail(KindTimeout, -1, fmt.Errorf("killed after %s", req.Timeout))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return inv, inv.fail(KindExit, exitErr.ExitCode(), err)
		}
		if ctx.Err() != nil {
			return inv, inv.fail(KindTransport, -1, ctx.Err())
		}
		return inv, inv.fail(KindTransport, -1, err)
	}
	if err := inv.succeed(stdout.Bytes()); err != nil {
		return inv, err
	}
	return inv, nil
}

// timedOut 只有进程以错误结束且截止时间已过时才算超时，
// 在截止前刚好正常退出的进程仍按成功处理
func timedOut(err error, runCtx, parent context.Context) bool {
	return err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil
}
