package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dujiao-next/transaction/internal/cache"
	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/models"
	"github.com/dujiao-next/transaction/internal/payment"
)

// Reconciler 网关通知对账：验签、定位实体、推进状态，幂等由各 Mark 操作的状态检查保证
type Reconciler struct {
	gateways  *payment.Registry
	charges   *ChargeService
	refunds   *RefundService
	transfers *TransferService
	lockTTL   time.Duration
}

// NewReconciler 创建通知对账器
func NewReconciler(gateways *payment.Registry, charges *ChargeService, refunds *RefundService, transfers *TransferService, opts Options) *Reconciler {
	return &Reconciler{
		gateways:  gateways,
		charges:   charges,
		refunds:   refunds,
		transfers: transfers,
		lockTTL:   opts.NotifyLockTTL,
	}
}

// NotifyOutcome 通知处理结果
type NotifyOutcome struct {
	Ack          payment.Ack
	Notification *payment.Notification
	Applied      bool
}

// Handle 处理一条网关通知；返回错误时 Ack 为渠道失败应答，网关会重新投递
func (r *Reconciler) Handle(ctx context.Context, channel string, req payment.NotifyRequest) (NotifyOutcome, error) {
	gw, err := r.gateways.Get(channel)
	if err != nil {
		return NotifyOutcome{Ack: payment.Ack{
			StatusCode:  http.StatusNotFound,
			ContentType: "text/plain; charset=utf-8",
			Body:        []byte("unknown channel"),
		}}, err
	}
	log := serviceLogger("channel", channel, "kind", req.Kind)

	notification, err := gw.Verify(ctx, req)
	if err != nil {
		log.Warnw("notify_verify_failed", "error", err)
		return NotifyOutcome{Ack: gw.Failure("verify failed")}, err
	}
	log = log.With("order_id", notification.OrderID, "status", notification.Status)

	lock, err := cache.AcquireLock(ctx, cache.NotifyLockKey(channel, notification.Kind, notification.OrderID), r.lockTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			log.Infow("notify_concurrent_delivery")
			return NotifyOutcome{Ack: gw.Failure("busy"), Notification: notification}, err
		}
		// 锁只是减少并发，正确性由条件更新保证
		log.Warnw("notify_lock_failed", "error", err)
	}
	defer func() {
		if unlockErr := lock.Unlock(context.WithoutCancel(ctx)); unlockErr != nil {
			log.Warnw("notify_unlock_failed", "error", unlockErr)
		}
	}()

	applied, err := r.apply(ctx, notification)
	outcome := NotifyOutcome{Notification: notification, Applied: applied}
	switch {
	case err == nil:
		log.Infow("notify_processed", "applied", applied)
		outcome.Ack = gw.Success()
		return outcome, nil
	case errors.Is(err, ErrInvalidOperation):
		// 状态冲突重投也无法推进，应答成功并记录
		log.Errorw("notify_state_conflict", "error", err)
		outcome.Ack = gw.Success()
		return outcome, nil
	default:
		log.Warnw("notify_apply_failed", "error", err)
		outcome.Ack = gw.Failure(err.Error())
		return outcome, err
	}
}

func (r *Reconciler) apply(ctx context.Context, n *payment.Notification) (bool, error) {
	switch n.Kind {
	case constants.NotifyKindRefund:
		return r.applyRefund(ctx, n)
	case constants.NotifyKindTransfer:
		return r.applyTransfer(ctx, n)
	default:
		return r.applyCharge(ctx, n)
	}
}

func (r *Reconciler) applyCharge(ctx context.Context, n *payment.Notification) (bool, error) {
	switch n.Status {
	case payment.NotifyStatusSuccess:
		charge, err := r.charges.Get(ctx, n.OrderID)
		if err != nil {
			return false, err
		}
		if n.Amount > 0 && n.Amount != charge.TotalAmount {
			return false, fmt.Errorf("%w: charge %s expect %d got %d", ErrNotifyAmountMismatch, charge.ID, charge.TotalAmount, n.Amount)
		}
		return r.charges.MarkSucceeded(ctx, n.OrderID, n.TransactionNo, n.Raw, n.Payer)
	case payment.NotifyStatusFailed:
		return r.charges.MarkFailed(ctx, n.OrderID, failureCode(n), n.FailureMsg, n.Raw)
	case payment.NotifyStatusClosed:
		return r.charges.MarkClosed(ctx, n.OrderID, constants.ChargeStateClosed)
	case payment.NotifyStatusRevoked:
		return r.charges.MarkClosed(ctx, n.OrderID, constants.ChargeStateRevoked)
	default:
		_, err := r.charges.Get(ctx, n.OrderID)
		return false, err
	}
}

func (r *Reconciler) applyRefund(ctx context.Context, n *payment.Notification) (bool, error) {
	switch n.Status {
	case payment.NotifyStatusSuccess:
		return r.refunds.MarkSucceeded(ctx, n.OrderID, n.TransactionNo, n.Raw)
	case payment.NotifyStatusFailed:
		return r.refunds.MarkFailed(ctx, n.OrderID, failureCode(n), n.FailureMsg, n.Raw)
	case payment.NotifyStatusClosed:
		return r.refunds.MarkClosed(ctx, n.OrderID, failureCode(n), n.FailureMsg, n.Raw)
	case payment.NotifyStatusProcessing:
		return r.refunds.MarkProcessing(ctx, n.OrderID, n.TransactionNo, n.Raw)
	default:
		_, err := r.refunds.Get(ctx, n.OrderID)
		return false, err
	}
}

func (r *Reconciler) applyTransfer(ctx context.Context, n *payment.Notification) (bool, error) {
	switch n.Status {
	case payment.NotifyStatusSuccess:
		return r.transfers.MarkSucceeded(ctx, n.OrderID, n.TransactionNo, n.Raw)
	case payment.NotifyStatusFailed, payment.NotifyStatusClosed:
		return r.transfers.MarkFailed(ctx, n.OrderID, failureCode(n), n.FailureMsg, n.Raw)
	default:
		_, err := r.transfers.Get(ctx, n.OrderID)
		return false, err
	}
}

// HandleReturn 处理浏览器同步跳转：验签后若已支付则推进状态，返回对应收单
func (r *Reconciler) HandleReturn(ctx context.Context, channel string, req payment.NotifyRequest) (*models.Charge, error) {
	req.Kind = constants.NotifyKindCharge
	gw, err := r.gateways.Get(channel)
	if err != nil {
		return nil, err
	}
	notification, err := gw.Verify(ctx, req)
	if err != nil {
		serviceLogger("channel", channel).Warnw("charge_return_verify_failed", "error", err)
		return nil, err
	}
	if notification.Status == payment.NotifyStatusSuccess {
		if _, err := r.applyCharge(ctx, notification); err != nil && !errors.Is(err, ErrInvalidOperation) {
			return nil, err
		}
	}
	return r.charges.Get(ctx, notification.OrderID)
}

func failureCode(n *payment.Notification) string {
	if n.FailureCode != "" {
		return n.FailureCode
	}
	return constants.FailureCodeFail
}
