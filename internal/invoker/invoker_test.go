package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remanufacturing-scheduler/internal/types"
	"remanufacturing-scheduler/internal/util"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeScript 在临时目录中写入可执行脚本并返回路径
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "algo.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestParseOutput(t *testing.T) {
	raw, err := ParseOutput([]byte("  {\"a\":1}\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	raw, err = ParseOutput([]byte("loading model...\niteration 3\n{\"b\":2}\n\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2}`, string(raw))

	_, err = ParseOutput([]byte("{\"b\":2}\ndone"))
	assert.Error(t, err)
	_, err = ParseOutput(nil)
	assert.Error(t, err)
}

func TestExecEchoesStdin(t *testing.T) {
	script := writeScript(t, "cat")
	inv, err := NewExec(testLogger()).Invoke(context.Background(), Request{
		Stage:   types.StagePAP,
		Ref:     "exec:" + script,
		Payload: []byte(`{"orders":[]}`),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"orders":[]}`, string(inv.Result))
	assert.Equal(t, types.RunSuccess, inv.Meta.Status)
	assert.Equal(t, script, inv.Meta.ScriptOrEndpoint)
	assert.False(t, inv.Meta.EndTime.Before(inv.Meta.StartTime))
}

func TestExecLastLineAndDiagnostics(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo "stage=$SCHED_STAGE" >&2
echo "warming up"
echo '{"paretoSet":[],"selectedPlanId":null}'`)
	inv, err := NewExec(testLogger()).Invoke(context.Background(), Request{
		Stage:   types.StagePIPO,
		Ref:     script,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"paretoSet":[],"selectedPlanId":null}`, string(inv.Result))
	assert.Contains(t, inv.Diagnostics, "stage=pipo")
}

func TestExecFailures(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		timeout  time.Duration
		kind     error
		exitCode int
	}{
		{name: "非零退出", body: "echo boom >&2\nexit 3", timeout: 5 * time.Second, kind: ErrExit, exitCode: 3},
		{name: "输出不是JSON", body: "echo not json", timeout: 5 * time.Second, kind: ErrMalformed},
		{name: "超时", body: "exec sleep 5", timeout: 100 * time.Millisecond, kind: ErrTimeout, exitCode: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := writeScript(t, tt.body)
			start := time.Now()
			inv, err := NewExec(testLogger()).Invoke(context.Background(), Request{
				Stage:   types.StagePIPO,
				Ref:     script,
				Timeout: tt.timeout,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			require.NotNil(t, inv)
			assert.Nil(t, inv.Result)
			assert.Equal(t, types.RunFailed, inv.Meta.Status)
			assert.Less(t, time.Since(start), 4*time.Second)

			var invErr *Error
			require.ErrorAs(t, err, &invErr)
			if tt.exitCode != 0 {
				assert.Equal(t, tt.exitCode, invErr.ExitCode)
			}
		})
	}
}

func TestTimedOutRequiresRunError(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	parent := context.Background()
	runErr := errors.New("signal: killed")

	// 进程在截止前已正常退出
	assert.False(t, timedOut(nil, expired, parent))
	assert.True(t, timedOut(runErr, expired, parent))
	assert.False(t, timedOut(runErr, parent, parent), "deadline not reached")

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	assert.False(t, timedOut(runErr, expired, cancelled), "caller cancellation is a transport failure")
}

func TestExecMissingCommand(t *testing.T) {
	inv, err := NewExec(testLogger()).Invoke(context.Background(), Request{
		Ref:     filepath.Join(t.TempDir(), "does-not-exist"),
		Timeout: time.Second,
	})
	assert.ErrorIs(t, err, ErrTransport)
	require.NotNil(t, inv)

	_, err = NewExec(testLogger()).Invoke(context.Background(), Request{Ref: "exec:", Timeout: time.Second})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestHTTPEnvelope(t *testing.T) {
	var gotTrace, gotStage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get("X-Trace-ID")
		gotStage = r.Header.Get("X-Scheduling-Stage")
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result":      map[string]interface{}{"echo": body["now"]},
			"diagnostics": "ok",
		})
	}))
	defer srv.Close()

	ctx := util.ContextWithTraceID(context.Background(), "trace-123")
	inv, err := NewHTTP(testLogger(), DefaultBreakerSettings()).Invoke(ctx, Request{
		Stage:   types.StagePIP,
		Ref:     srv.URL,
		Payload: []byte(`{"now":42}`),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":42}`, string(inv.Result))
	assert.Equal(t, "ok", inv.Diagnostics)
	assert.Equal(t, "trace-123", gotTrace)
	assert.Equal(t, "pip", gotStage)
}

func TestHTTPRawBodyAndRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/raw":
			_, _ = w.Write([]byte(`{"batches":[],"etaList":[]}`))
		case "/error":
			_, _ = w.Write([]byte(`{"error":"solver infeasible","diagnostics":"trace"}`))
		default:
			http.Error(w, "down", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	h := NewHTTP(testLogger(), DefaultBreakerSettings())

	inv, err := h.Invoke(context.Background(), Request{Ref: srv.URL + "/raw", Timeout: time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `{"batches":[],"etaList":[]}`, string(inv.Result))

	inv, err = h.Invoke(context.Background(), Request{Ref: srv.URL + "/error", Timeout: time.Second})
	assert.ErrorIs(t, err, ErrExit)
	assert.Equal(t, "trace", inv.Diagnostics)

	_, err = h.Invoke(context.Background(), Request{Ref: srv.URL + "/down", Timeout: time.Second})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewHTTP(testLogger(), DefaultBreakerSettings()).Invoke(context.Background(), Request{
		Ref:     srv.URL,
		Timeout: 50 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHTTPBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	settings := DefaultBreakerSettings()
	settings.FailureThreshold = 2
	settings.Timeout = time.Minute
	h := NewHTTP(testLogger(), settings)

	for i := 0; i < 3; i++ {
		_, err := h.Invoke(context.Background(), Request{Ref: srv.URL, Timeout: time.Second})
		assert.ErrorIs(t, err, ErrTransport)
	}
	assert.Equal(t, int32(2), hits.Load(), "open breaker rejects without calling the endpoint")
}

func TestBuiltin(t *testing.T) {
	payload := []byte(`{"now":0,"orders":[{"orderId":"A"}],"config":{"qMin":1,"qMax":2}}`)
	inv, err := NewBuiltin().Invoke(context.Background(), Request{
		Stage:   types.StagePAP,
		Ref:     "builtin:edd",
		Payload: payload,
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "builtin:edd", inv.Meta.ScriptOrEndpoint)
	assert.Contains(t, string(inv.Result), `"orderIds":["A"]`)

	_, err = NewBuiltin().Invoke(context.Background(), Request{Stage: types.StagePAP, Ref: "builtin:genetic", Timeout: time.Second})
	assert.ErrorIs(t, err, ErrTransport)

	_, err = NewBuiltin().Invoke(context.Background(), Request{Stage: types.StagePAP, Ref: "builtin:", Payload: []byte("{"), Timeout: time.Second})
	assert.ErrorIs(t, err, ErrExit)
}

type recordingBackend struct{ refs []string }

func (b *recordingBackend) Invoke(_ context.Context, req Request) (*Invocation, error) {
	b.refs = append(b.refs, req.Ref)
	inv := newInvocation(req.Ref, time.Now())
	if req.Timeout != DefaultTimeout {
		return inv, inv.fail(KindTransport, 0, nil)
	}
	return inv, inv.succeed([]byte(`{}`))
}

func TestRouterSelectsBackend(t *testing.T) {
	builtin, exec, remote := &recordingBackend{}, &recordingBackend{}, &recordingBackend{}
	r := NewRouter(testLogger(), builtin, exec, remote)

	for _, ref := range []string{"", " builtin:edd ", "https://algo/pipo", "http://algo/pap", "python3 solver.py", "exec:./run.sh"} {
		_, err := r.Invoke(context.Background(), Request{Stage: types.StagePAP, Ref: ref})
		require.NoError(t, err, ref)
	}
	assert.Equal(t, []string{"", "builtin:edd"}, builtin.refs)
	assert.Equal(t, []string{"https://algo/pipo", "http://algo/pap"}, remote.refs)
	assert.Equal(t, []string{"python3 solver.py", "exec:./run.sh"}, exec.refs)
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindExit, Ref: "solver.py", ExitCode: 2}
	assert.Equal(t, `invoke "solver.py": exit (code 2)`, err.Error())
	assert.NotErrorIs(t, err, ErrTimeout)
}
