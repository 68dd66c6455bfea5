package service

import (
	"context"
	"sync"
	"time"

	"github.com/dujiao-next/transaction/internal/models"

	"github.com/google/uuid"
)

// 领域事件类型
const (
	EventChargeSucceeded   = "charge.succeeded"
	EventChargeFailed      = "charge.failed"
	EventChargeClosed      = "charge.closed"
	EventRefundSucceeded   = "refund.succeeded"
	EventRefundFailed      = "refund.failed"
	EventRefundClosed      = "refund.closed"
	EventTransferSucceeded = "transfer.succeeded"
	EventTransferFailed    = "transfer.failed"
)

// Event 领域事件，投递语义为至少一次，订阅方需幂等
type Event struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	EntityID   string           `json:"entity_id"`
	Channel    string           `json:"channel"`
	Amount     int64            `json:"amount"`
	OccurredAt time.Time        `json:"occurred_at"`
	Charge     *models.Charge   `json:"charge,omitempty"`
	Refund     *models.Refund   `json:"refund,omitempty"`
	Transfer   *models.Transfer `json:"transfer,omitempty"`
}

// EventHandler 事件订阅回调
type EventHandler func(ctx context.Context, event Event)

// EventBus 进程内事件总线：同步回调 + 可选的缓冲通道
type EventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
	sink     chan Event
	closed   bool
}

// NewEventBus 创建事件总线，buffer > 0 时开启通道输出
func NewEventBus(buffer int) *EventBus {
	bus := &EventBus{}
	if buffer > 0 {
		bus.sink = make(chan Event, buffer)
	}
	return bus
}

// Subscribe 注册订阅回调
func (b *EventBus) Subscribe(handler EventHandler) {
	if b == nil || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Events 通道输出，未开启时返回 nil
func (b *EventBus) Events() <-chan Event {
	if b == nil {
		return nil
	}
	return b.sink
}

// Publish 发布事件，回调 panic 不影响其他订阅方
func (b *EventBus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.dispatch(ctx, handler, event)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.sink == nil || b.closed {
		return
	}
	select {
	case b.sink <- event:
	default:
		serviceLogger("event_id", event.ID, "event_type", event.Type).Warnw("event_sink_full_dropped")
	}
}

func (b *EventBus) dispatch(ctx context.Context, handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			serviceLogger("event_id", event.ID, "event_type", event.Type).Errorw("event_handler_panic", "panic", r)
		}
	}()
	handler(ctx, event)
}

// Close 关闭通道输出
func (b *EventBus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.sink != nil {
		close(b.sink)
	}
}
