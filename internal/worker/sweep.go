package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dujiao-next/transaction/internal/logger"
)

const (
	sweepBatchSize     = 100
	staleRefundMinimum = 10 * time.Minute
)

// SweepService 未启用队列时单独运行的定时补偿服务
type SweepService struct {
	consumer *Consumer
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSweepService 创建定时补偿服务
func NewSweepService(consumer *Consumer) (*SweepService, error) {
	if consumer == nil {
		return nil, errors.New("consumer is nil")
	}
	return &SweepService{
		consumer: consumer,
		interval: consumer.sweepInterval(),
		stop:     make(chan struct{}),
	}, nil
}

// Name 服务名称
func (s *SweepService) Name() string {
	return "sweeper"
}

// Start 启动服务，阻塞至 ctx 结束或 Stop
func (s *SweepService) Start(ctx context.Context) error {
	if s == nil || s.consumer == nil {
		return errors.New("sweeper not initialized")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	runSweepLoop(ctx, s.consumer, s.interval)
	return nil
}

// Stop 停止服务
func (s *SweepService) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// runSweepLoop 定时关闭过期收单并补投积压退款，兜底丢失的延迟任务
func runSweepLoop(ctx context.Context, consumer *Consumer, interval time.Duration) {
	if consumer == nil || interval <= 0 {
		return
	}
	consumer.sweepOnce(ctx, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			consumer.sweepOnce(ctx, interval)
		}
	}
}

func (c *Consumer) sweepInterval() time.Duration {
	if c == nil || c.Container == nil || c.Config == nil {
		return time.Minute
	}
	return c.Config.Transaction.SweepInterval()
}

func (c *Consumer) sweepOnce(ctx context.Context, interval time.Duration) {
	if c == nil || c.Container == nil {
		return
	}
	if c.ChargeService != nil {
		closed, err := c.ChargeService.ExpireOverdue(ctx, sweepBatchSize)
		if err != nil {
			logger.Warnw("worker_sweep_expire_failed", "error", err)
		} else if closed > 0 {
			logger.Infow("worker_sweep_expired_charges", "count", closed)
		}
	}
	if c.RefundService != nil {
		olderThan := 10 * interval
		if olderThan < staleRefundMinimum {
			olderThan = staleRefundMinimum
		}
		requeued, err := c.RefundService.RedispatchStale(ctx, olderThan, sweepBatchSize)
		if err != nil {
			logger.Warnw("worker_sweep_stale_refunds_failed", "error", err)
		} else if requeued > 0 {
			logger.Infow("worker_sweep_requeued_refunds", "count", requeued)
		}
	}
}
