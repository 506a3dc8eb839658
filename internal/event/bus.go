package event

import (
	"sync"
	"time"

	"remanufacturing-scheduler/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 调度事件类型
const (
	StageStarted    EventType = "StageStarted"    // 阶段开始运行
	StageSucceeded  EventType = "StageSucceeded"  // 阶段运行成功，结果已写回订单池
	StageFailed     EventType = "StageFailed"     // 调用或校验失败，订单池未修改
	StageSkipped    EventType = "StageSkipped"    // 订单池为空或门控规则不满足
	StateChanged    EventType = "StateChanged"    // 阶段状态机变化
	OrdersReleased  EventType = "OrdersReleased"  // 订单进入下一阶段
	OpsReleased     EventType = "OpsReleased"     // PIPO 工序下发给订单生命周期服务
	OrdersCompleted EventType = "OrdersCompleted" // 订单完成调度，已移出订单池
)

// Event 事件负载，不同类型只填写相关字段
type Event struct {
	Type      EventType
	FactoryID string
	Stage     types.Stage
	RunID     string
	State     string                 // 状态机的新状态 (仅 StateChanged)
	Duration  time.Duration          // 阶段运行耗时
	Orders    []string               // 关联的订单
	Ops       []types.OperationBlock // 下发的工序 (仅 OpsReleased)
	Error     error                  // 错误信息 (仅 StageFailed)
	ErrorKind string
	Time      time.Time
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	inflight sync.WaitGroup
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被异步调用
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, handler := range b.handlers[e.Type] {
		b.inflight.Add(1)
		go func(h Handler) {
			defer b.inflight.Done()
			h(e)
		}(handler)
	}
}

// Wait 等待已发布事件的处理器全部执行完毕
func (b *Bus) Wait() {
	b.inflight.Wait()
}
