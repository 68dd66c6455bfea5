package worker

import (
	"context"
	"errors"

	"github.com/dujiao-next/transaction/internal/logger"
	"github.com/dujiao-next/transaction/internal/provider"
	"github.com/dujiao-next/transaction/internal/queue"
	"github.com/dujiao-next/transaction/internal/service"

	"github.com/hibiken/asynq"
)

// Consumer 异步任务消费者
type Consumer struct {
	*provider.Container
}

// NewConsumer 创建消费者
func NewConsumer(c *provider.Container) *Consumer {
	return &Consumer{
		Container: c,
	}
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(queue.TaskChargeRedispatch, c.handleChargeRedispatch)
	mux.HandleFunc(queue.TaskRefundRedispatch, c.handleRefundRedispatch)
	mux.HandleFunc(queue.TaskTransferRedispatch, c.handleTransferRedispatch)
	mux.HandleFunc(queue.TaskChargeExpire, c.handleChargeExpire)
}

// lastAttempt 当前是否为最后一次投递；非 asynq 上下文视为还有重试机会
func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried >= maxRetry
}

func (c *Consumer) handleChargeRedispatch(ctx context.Context, task *asynq.Task) error {
	if c == nil || c.ChargeService == nil {
		logger.Warnw("worker_charge_redispatch_skip_service_nil")
		return nil
	}
	var payload queue.ChargeRedispatchPayload
	if err := queue.DecodePayload(task, &payload); err != nil {
		logger.Warnw("worker_charge_redispatch_unmarshal_failed", "error", err)
		return err
	}
	if payload.ChargeID == "" {
		logger.Debugw("worker_charge_redispatch_skip_invalid_payload")
		return nil
	}
	last := lastAttempt(ctx)
	if err := c.ChargeService.Redispatch(ctx, payload.ChargeID, last); err != nil {
		logger.Warnw("worker_charge_redispatch_failed", "charge_id", payload.ChargeID, "last_attempt", last, "error", err)
		return err
	}
	return nil
}

func (c *Consumer) handleRefundRedispatch(ctx context.Context, task *asynq.Task) error {
	if c == nil || c.RefundService == nil {
		logger.Warnw("worker_refund_redispatch_skip_service_nil")
		return nil
	}
	var payload queue.RefundRedispatchPayload
	if err := queue.DecodePayload(task, &payload); err != nil {
		logger.Warnw("worker_refund_redispatch_unmarshal_failed", "error", err)
		return err
	}
	if payload.RefundID == "" {
		logger.Debugw("worker_refund_redispatch_skip_invalid_payload")
		return nil
	}
	last := lastAttempt(ctx)
	if err := c.RefundService.Redispatch(ctx, payload.RefundID, last); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			logger.Debugw("worker_refund_redispatch_skip_not_found", "refund_id", payload.RefundID)
			return nil
		}
		logger.Warnw("worker_refund_redispatch_failed", "refund_id", payload.RefundID, "last_attempt", last, "error", err)
		return err
	}
	return nil
}

func (c *Consumer) handleTransferRedispatch(ctx context.Context, task *asynq.Task) error {
	if c == nil || c.TransferService == nil {
		logger.Warnw("worker_transfer_redispatch_skip_service_nil")
		return nil
	}
	var payload queue.TransferRedispatchPayload
	if err := queue.DecodePayload(task, &payload); err != nil {
		logger.Warnw("worker_transfer_redispatch_unmarshal_failed", "error", err)
		return err
	}
	if payload.TransferID == "" {
		logger.Debugw("worker_transfer_redispatch_skip_invalid_payload")
		return nil
	}
	last := lastAttempt(ctx)
	if err := c.TransferService.Redispatch(ctx, payload.TransferID, last); err != nil {
		logger.Warnw("worker_transfer_redispatch_failed", "transfer_id", payload.TransferID, "last_attempt", last, "error", err)
		return err
	}
	return nil
}

func (c *Consumer) handleChargeExpire(ctx context.Context, task *asynq.Task) error {
	if c == nil || c.ChargeService == nil {
		logger.Warnw("worker_charge_expire_skip_service_nil")
		return nil
	}
	var payload queue.ChargeExpirePayload
	if err := queue.DecodePayload(task, &payload); err != nil {
		logger.Warnw("worker_charge_expire_unmarshal_failed", "error", err)
		return err
	}
	if payload.ChargeID == "" {
		logger.Debugw("worker_charge_expire_skip_invalid_payload")
		return nil
	}
	if err := c.ChargeService.Expire(ctx, payload.ChargeID); err != nil {
		// 渠道关单失败交给重试，最终由定时扫描兜底
		logger.Warnw("worker_charge_expire_failed", "charge_id", payload.ChargeID, "error", err)
		return err
	}
	return nil
}
