// Package rules 使用 expr 表达式控制阶段是否执行以及批次是否放行
package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"remanufacturing-scheduler/internal/types"
)

var (
	mu       sync.Mutex
	programs = map[string]*vm.Program{}
)

// Evaluate 执行规则，规则为空时返回 true
func Evaluate(rule string, env map[string]interface{}) (bool, error) {
	if rule == "" {
		return true, nil
	}
	program, err := compile(rule, env)
	if err != nil {
		return false, err
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("rule execution failed: %w", err)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("rule result is not a boolean")
	}
	return ok, nil
}

// Validate 检查规则能否在给定环境下编译
func Validate(rule string, env map[string]interface{}) error {
	if rule == "" {
		return nil
	}
	_, err := compile(rule, env)
	return err
}

func compile(rule string, env map[string]interface{}) (*vm.Program, error) {
	key := envKey(env) + "\x00" + rule
	mu.Lock()
	defer mu.Unlock()
	if p, ok := programs[key]; ok {
		return p, nil
	}
	p, err := expr.Compile(rule, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("rule compilation failed: %w", err)
	}
	programs[key] = p
	return p, nil
}

// envKey 区分门控与放行两类环境
func envKey(env map[string]interface{}) string {
	if _, ok := env["batch"]; ok {
		return "release"
	}
	return "gate"
}

// GateEnv 阶段门控规则的环境
//
//	pool_size  阶段当前订单数
//	now        当前时间 (Unix 毫秒)
//	q_min/q_max 批次策略
//	tick       工厂已执行的调度周期数
func GateEnv(poolSize int, now time.Time, policy types.BatchPolicy, tick int64) map[string]interface{} {
	return map[string]interface{}{
		"pool_size": poolSize,
		"now":       now.UnixMilli(),
		"q_min":     policy.QMin,
		"q_max":     policy.QMax,
		"tick":      tick,
	}
}

// ReleaseEnv PAP 批次放行规则的环境
// batch 包含 id、size、release_at；now 与 release_at 都是相对分钟
func ReleaseEnv(b types.Batch, now float64, policy types.BatchPolicy) map[string]interface{} {
	return map[string]interface{}{
		"batch": map[string]interface{}{
			"id":         b.ID,
			"size":       len(b.OrderIDs),
			"release_at": b.ReleaseAt,
		},
		"now":   now,
		"q_min": policy.QMin,
	}
}
