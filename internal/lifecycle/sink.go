// Package lifecycle 将 PIPO 下发的工序交给外部订单生命周期服务
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"remanufacturing-scheduler/internal/event"
	"remanufacturing-scheduler/internal/types"
)

// BusSink 通过进程内事件总线发布 OpsReleased 事件
type BusSink struct {
	bus *event.Bus
}

// NewBusSink 创建事件总线下发端
func NewBusSink(bus *event.Bus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Release(_ context.Context, factoryID string, ops []types.OperationBlock) error {
	orders := orderIDs(ops)
	s.bus.Publish(event.Event{
		Type:      event.OpsReleased,
		FactoryID: factoryID,
		Stage:     types.StagePIPO,
		Orders:    orders,
		Ops:       append([]types.OperationBlock(nil), ops...),
	})
	return nil
}

// Message 写入 Kafka 的工序下发消息
type Message struct {
	FactoryID  string               `json:"factoryId"`
	OrderID    string               `json:"orderId"`
	Operation  types.OperationBlock `json:"operation"`
	ReleasedAt time.Time            `json:"releasedAt"`
}

// Writer 是 KafkaSink 依赖的写入接口，由 *kafka.Writer 实现
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink 将每道下发工序写成一条 Kafka 消息，以订单号作为 key 保证同一订单有序
type KafkaSink struct {
	writer Writer
	topic  string
	now    func() time.Time
	logger *slog.Logger
}

// NewKafkaSink 创建写入 brokers/topic 的下发端
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaSinkWithWriter(w, topic, logger)
}

// NewKafkaSinkWithWriter 使用给定的 Writer 创建下发端
func NewKafkaSinkWithWriter(w Writer, topic string, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{
		writer: w,
		topic:  topic,
		now:    time.Now,
		logger: logger.With("component", "kafka_sink", "topic", topic),
	}
}

func (s *KafkaSink) Release(ctx context.Context, factoryID string, ops []types.OperationBlock) error {
	if len(ops) == 0 {
		return nil
	}
	at := s.now()
	msgs := make([]kafka.Message, 0, len(ops))
	for _, op := range ops {
		data, err := json.Marshal(Message{FactoryID: factoryID, OrderID: op.OrderID, Operation: op, ReleasedAt: at})
		if err != nil {
			return fmt.Errorf("failed to marshal operation %s: %w", op.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(factoryID + "/" + op.OrderID),
			Value: data,
			Headers: []kafka.Header{
				{Key: "factory-id", Value: []byte(factoryID)},
				{Key: "stage", Value: []byte(types.StagePIPO)},
			},
			Time: at,
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write %d operations: %w", len(msgs), err)
	}
	s.logger.Info("工序已下发", "factory_id", factoryID, "operations", len(msgs), "orders", strings.Join(orderIDs(ops), ","))
	return nil
}

// Close 关闭底层 writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func orderIDs(ops []types.OperationBlock) []string {
	seen := make(map[string]bool)
	var out []string
	for _, op := range ops {
		if !seen[op.OrderID] {
			seen[op.OrderID] = true
			out = append(out, op.OrderID)
		}
	}
	return out
}
