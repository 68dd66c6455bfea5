package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/dujiao-next/transaction/internal/cache"
	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/payment"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func chargeNotify(t *testing.T, n payment.Notification) payment.NotifyRequest {
	t.Helper()
	n.Kind = constants.NotifyKindCharge
	return payment.NotifyRequest{Kind: constants.NotifyKindCharge, Body: notifyBody(t, n)}
}

func TestReconcilerConcurrentSuccessPublishesOnce(t *testing.T) {
	env := setupTransactionServiceTest(t)
	ctx := context.Background()
	charge := env.createCharge(t, 1000)

	req := chargeNotify(t, payment.Notification{
		OrderID:       charge.ID,
		TransactionNo: "2024ALI001",
		Status:        payment.NotifyStatusSuccess,
		Amount:        1000,
	})
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 2; i++ {
		group.Go(func() error {
			outcome, err := env.reconciler.Handle(gctx, constants.ChannelAlipay, req)
			if err != nil {
				return err
			}
			if string(outcome.Ack.Body) != "success" {
				return errors.New("unexpected ack " + string(outcome.Ack.Body))
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	require.Equal(t, 1, env.recorder.count(EventChargeSucceeded))

	paid, err := env.charges.Get(ctx, charge.ID)
	require.NoError(t, err)
	require.Equal(t, constants.ChargeStateSuccess, paid.State)
	require.Equal(t, "2024ALI001", paid.TransactionNo)
}

func TestReconcilerRejectsBadNotifications(t *testing.T) {
	env := setupTransactionServiceTest(t)
	ctx := context.Background()
	charge := env.createCharge(t, 1000)

	t.Run("unknown channel", func(t *testing.T) {
		outcome, err := env.reconciler.Handle(ctx, "paypal", payment.NotifyRequest{})
		requireErrorIs(t, err, ErrUnknownChannel)
		require.Equal(t, http.StatusNotFound, outcome.Ack.StatusCode)
	})

	t.Run("bad signature", func(t *testing.T) {
		outcome, err := env.reconciler.Handle(ctx, constants.ChannelAlipay, payment.NotifyRequest{Body: []byte("not-json")})
		requireErrorIs(t, err, ErrGateway)
		require.Equal(t, "fail", string(outcome.Ack.Body))
	})

	t.Run("unknown order", func(t *testing.T) {
		outcome, err := env.reconciler.Handle(ctx, constants.ChannelAlipay, chargeNotify(t, payment.Notification{
			OrderID: "missing",
			Status:  payment.NotifyStatusSuccess,
		}))
		requireErrorIs(t, err, ErrChargeNotFound)
		require.Equal(t, "fail", string(outcome.Ack.Body))
	})

	t.Run("amount mismatch", func(t *testing.T) {
		outcome, err := env.reconciler.Handle(ctx, constants.ChannelAlipay, chargeNotify(t, payment.Notification{
			OrderID: charge.ID,
			Status:  payment.NotifyStatusSuccess,
			Amount:  1,
		}))
		requireErrorIs(t, err, ErrNotifyAmountMismatch)
		require.Equal(t, "fail", string(outcome.Ack.Body))
	})

	pending, err := env.charges.Get(ctx, charge.ID)
	require.NoError(t, err)
	require.Equal(t, constants.ChargeStatePending, pending.State)
	require.Zero(t, env.recorder.count(EventChargeSucceeded))
}

func TestReconcilerAcksStateConflict(t *testing.T) {
	env := setupTransactionServiceTest(t)
	ctx := context.Background()
	charge := env.createPaidCharge(t, 1000)

	outcome, err := env.reconciler.Handle(ctx, constants.ChannelAlipay, chargeNotify(t, payment.Notification{
		OrderID:     charge.ID,
		Status:      payment.NotifyStatusFailed,
		FailureCode: "TRADE_ERROR",
	}))
	require.NoError(t, err)
	require.False(t, outcome.Applied)
	require.Equal(t, "success", string(outcome.Ack.Body))

	latest, err := env.charges.Get(ctx, charge.ID)
	require.NoError(t, err)
	require.Equal(t, constants.ChargeStateSuccess, latest.State)
}

func TestReconcilerChargeFailureAndClose(t *testing.T) {
	env := setupTransactionServiceTest(t)
	ctx := context.Background()

	failed := env.createCharge(t, 100)
	outcome, err := env.reconciler.Handle(ctx, constants.ChannelAlipay, chargeNotify(t, payment.Notification{
		OrderID:    failed.ID,
		Status:     payment.NotifyStatusFailed,
		FailureMsg: "insufficient balance",
	}))
	require.NoError(t, err)
	require.True(t, outcome.Applied)
	latest, err := env.charges.Get(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, constants.ChargeStatePayError, latest.State)
	require.Equal(t, constants.FailureCodeFail, latest.FailureCode)
	require.Equal(t, "insufficient balance", latest.FailureMsg)

	revoked := env.createCharge(t, 100)
	_, err = env.reconciler.Handle(ctx, constants.ChannelAlipay, chargeNotify(t, payment.Notification{
		OrderID: revoked.ID,
		Status:  payment.NotifyStatusRevoked,
	}))
	require.NoError(t, err)
	latest, err = env.charges.Get(ctx, revoked.ID)
	require.NoError(t, err)
	require.Equal(t, constants.ChargeStateRevoked, latest.State)

	waiting := env.createCharge(t, 100)
	outcome, err = env.reconciler.Handle(ctx, constants.ChannelAlipay, chargeNotify(t, payment.Notification{
		OrderID: waiting.ID,
		Status:  payment.NotifyStatusPending,
	}))
	require.NoError(t, err)
	require.False(t, outcome.Applied)
}

func TestReconcilerRefundNotification(t *testing.T) {
	env := setupTransactionServiceTest(t)
	ctx := context.Background()
	charge := env.createPaidCharge(t, 1000)
	refund, err := env.refunds.Create(ctx, CreateRefundInput{ChargeID: charge.ID, Amount: 600})
	require.NoError(t, err)
	require.Equal(t, constants.RefundStatusProcessing, refund.Status)

	req := payment.NotifyRequest{
		Kind: constants.NotifyKindRefund,
		Body: notifyBody(t, payment.Notification{
			Kind:          constants.NotifyKindRefund,
			OrderID:       refund.ID,
			TransactionNo: "RF2024001",
			Status:        payment.NotifyStatusSuccess,
		}),
	}
	outcome, err := env.reconciler.Handle(ctx, constants.ChannelAlipay, req)
	require.NoError(t, err)
	require.True(t, outcome.Applied)

	succeeded, err := env.refunds.Get(ctx, refund.ID)
	require.NoError(t, err)
	require.Equal(t, constants.RefundStatusSuccess, succeeded.Status)
	require.Equal(t, "RF2024001", succeeded.TransactionNo)
	require.Equal(t, 1, env.recorder.count(EventRefundSucceeded))

	_, err = env.reconciler.Handle(ctx, constants.ChannelAlipay, req)
	require.NoError(t, err)
	require.Equal(t, 1, env.recorder.count(EventRefundSucceeded))
}

func TestReconcilerTransferNotification(t *testing.T) {
	env := setupTransactionServiceTest(t)
	ctx := context.Background()
	transfer := createTestTransfer(t, env)

	_, err := env.reconciler.Handle(ctx, constants.ChannelWechat, payment.NotifyRequest{
		Kind: constants.NotifyKindTransfer,
		Body: notifyBody(t, payment.Notification{
			Kind:        constants.NotifyKindTransfer,
			OrderID:     transfer.ID,
			Status:      payment.NotifyStatusFailed,
			FailureCode: "NAME_MISMATCH",
		}),
	})
	require.NoError(t, err)

	failed, err := env.transfers.Get(ctx, transfer.ID)
	require.NoError(t, err)
	require.Equal(t, constants.TransferStatusAbnormal, failed.Status)
	require.Equal(t, "NAME_MISMATCH", failed.FailureCode)
}

func TestReconcilerBusyWhenLockHeld(t *testing.T) {
	env := setupTransactionServiceTest(t)
	useMiniredis(t)
	ctx := context.Background()
	charge := env.createCharge(t, 1000)

	held, err := cache.AcquireLock(ctx, cache.NotifyLockKey(constants.ChannelAlipay, constants.NotifyKindCharge, charge.ID), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	req := chargeNotify(t, payment.Notification{OrderID: charge.ID, Status: payment.NotifyStatusSuccess})
	outcome, err := env.reconciler.Handle(ctx, constants.ChannelAlipay, req)
	requireErrorIs(t, err, cache.ErrLockHeld)
	require.Equal(t, "fail", string(outcome.Ack.Body))

	require.NoError(t, held.Unlock(ctx))
	outcome, err = env.reconciler.Handle(ctx, constants.ChannelAlipay, req)
	require.NoError(t, err)
	require.True(t, outcome.Applied)
	require.Equal(t, 1, env.recorder.count(EventChargeSucceeded))
}

func TestReconcilerHandleReturn(t *testing.T) {
	env := setupTransactionServiceTest(t)
	ctx := context.Background()
	charge := env.createCharge(t, 1000)

	returned, err := env.reconciler.HandleReturn(ctx, constants.ChannelAlipay, payment.NotifyRequest{
		Body: notifyBody(t, payment.Notification{OrderID: charge.ID, Status: payment.NotifyStatusSuccess, TransactionNo: "TX-RETURN"}),
	})
	require.NoError(t, err)
	require.Equal(t, constants.ChargeStateSuccess, returned.State)
	require.Equal(t, "https://shop.example.com/orders/1", returned.ReturnURL())

	_, err = env.reconciler.HandleReturn(ctx, constants.ChannelAlipay, payment.NotifyRequest{Body: []byte("{")})
	requireErrorIs(t, err, ErrGateway)
}
