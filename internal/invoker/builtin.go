package invoker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remanufacturing-scheduler/internal/algorithm"
)

// Builtin 在进程内执行内置算法
type Builtin struct{}

// NewBuiltin 创建内置算法后端
func NewBuiltin() *Builtin { return &Builtin{} }

func (Builtin) Invoke(ctx context.Context, req Request) (*Invocation, error) {
	name := strings.TrimPrefix(req.Ref, "builtin:")
	if name == "" {
		name = algorithm.DefaultName
	}
	inv := newInvocation("builtin:"+name, time.Now())

	fn, ok := algorithm.Lookup(req.Stage, name)
	if !ok {
		return inv, inv.fail(KindTransport, 0, fmt.Errorf("unknown builtin algorithm %q for stage %s", name, req.Stage))
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	type output struct {
		data []byte
		err  error
	}
	done := make(chan output, 1)
	go func() {
		data, err := fn(runCtx, req.Payload)
		done <- output{data, err}
	}()

	select {
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return inv, inv.fail(KindTimeout, -1, fmt.Errorf("no result within %s", req.Timeout))
		}
		return inv, inv.fail(KindTransport, -1, runCtx.Err())
	case out := <-done:
		if out.err != nil {
			inv.Diagnostics = out.err.Error()
			return inv, inv.fail(KindExit, 1, out.err)
		}
		if err := inv.succeed(out.data); err != nil {
			return inv, err
		}
		return inv, nil
	}
}
