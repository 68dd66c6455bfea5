package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dujiao-next/transaction/internal/cache"
	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/models"
	"github.com/dujiao-next/transaction/internal/payment"
	"github.com/dujiao-next/transaction/internal/queue"
	"github.com/dujiao-next/transaction/internal/repository"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RefundService 退款服务
type RefundService struct {
	chargeRepo repository.ChargeRepository
	refundRepo repository.RefundRepository
	gateways   *payment.Registry
	scheduler  TaskScheduler
	events     *EventBus
	ids        *models.IDGenerator
	opts       Options
	now        func() time.Time
}

// NewRefundService 创建退款服务
func NewRefundService(chargeRepo repository.ChargeRepository, refundRepo repository.RefundRepository, gateways *payment.Registry, scheduler TaskScheduler, events *EventBus, opts Options) *RefundService {
	return &RefundService{
		chargeRepo: chargeRepo,
		refundRepo: refundRepo,
		gateways:   gateways,
		scheduler:  scheduler,
		events:     events,
		ids: models.NewDatetimeIDGenerator(func(ctx context.Context, id string) (bool, error) {
			return refundRepo.Exists(id)
		}),
		opts: opts.normalized(),
		now:  time.Now,
	}
}

// CreateRefundInput 创建退款请求，金额单位为分
type CreateRefundInput struct {
	ChargeID string
	Amount   int64
	Reason   string
}

func refundLogger(kv ...interface{}) *zap.SugaredLogger {
	return serviceLogger(kv...)
}

// Create 创建退款：同一事务内插入退款并累加收单已退金额，提交后同步请求渠道
func (s *RefundService) Create(ctx context.Context, input CreateRefundInput) (*models.Refund, error) {
	if input.Amount <= 0 {
		return nil, ErrAmountInvalid
	}
	refund := &models.Refund{
		ChargeID: strings.TrimSpace(input.ChargeID),
		Amount:   input.Amount,
		Reason:   truncate(input.Reason, 255),
		Status:   constants.RefundStatusPending,
	}
	charge, err := s.insert(ctx, refund)
	if err != nil {
		return nil, err
	}
	s.invalidateChargeCache(ctx, charge.ID)
	refundLogger("refund_id", refund.ID, "charge_id", charge.ID, "channel", charge.Channel).
		Infow("refund_created", "amount", refund.Amount)

	timedOut, err := s.dispatch(ctx, charge, refund, false)
	if err != nil {
		return nil, err
	}
	if timedOut {
		s.scheduleRedispatch(refund.ID)
	}
	return s.Get(ctx, refund.ID)
}

// insert 换号重试插入退款，每次尝试使用独立事务
func (s *RefundService) insert(ctx context.Context, refund *models.Refund) (*models.Charge, error) {
	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		id, err := s.ids.Next(ctx)
		if err != nil {
			return nil, err
		}
		refund.ID = id
		charge, inserted, err := s.insertOnce(refund)
		if err == nil {
			return charge, nil
		}
		lastErr = err
		if inserted {
			return nil, err
		}
		// 并发插入撞号时换号重试，其余错误直接返回
		taken, existsErr := s.refundRepo.Exists(id)
		if existsErr != nil || !taken {
			return nil, err
		}
	}
	return nil, lastErr
}

// insertOnce 锁定收单后插入退款并累加已退金额；inserted 为 false 表示失败发生在插入退款记录时
func (s *RefundService) insertOnce(refund *models.Refund) (*models.Charge, bool, error) {
	var charge *models.Charge
	inserted := true
	err := models.DB.Transaction(func(tx *gorm.DB) error {
		chargeRepo := s.chargeRepo.WithTx(tx)
		refundRepo := s.refundRepo.WithTx(tx)

		locked, err := chargeRepo.GetByIDForUpdate(refund.ChargeID)
		if err != nil {
			return err
		}
		if locked == nil {
			return ErrChargeNotFound
		}
		if !locked.Paid() {
			return ErrChargeNotPaid
		}
		refundable := locked.RefundableAmount()
		if refundable <= 0 {
			return ErrChargeNotRefundable
		}
		if refund.Amount > refundable {
			return ErrRefundAmountExceeded
		}
		if err := refundRepo.Create(refund); err != nil {
			inserted = false
			return err
		}
		ok, err := chargeRepo.IncreaseRefunded(locked.ID, refund.Amount)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRefundAmountExceeded
		}
		charge = locked
		return nil
	})
	if err != nil {
		return nil, inserted, err
	}
	return charge, true, nil
}

// dispatch 请求渠道退款并按受理结果推进状态，非最后一次尝试的超时只返回 true
func (s *RefundService) dispatch(ctx context.Context, charge *models.Charge, refund *models.Refund, lastAttempt bool) (bool, error) {
	log := refundLogger("refund_id", refund.ID, "charge_id", charge.ID, "channel", charge.Channel)
	var result *payment.RefundResult
	gw, err := s.gateways.Get(charge.Channel)
	if err == nil {
		dctx, cancel := s.opts.withDispatchTimeout(ctx)
		result, err = gw.Refund(dctx, s.buildRefundOrder(charge, refund))
		cancel()
	}
	if err != nil {
		timeout := payment.IsTimeout(err)
		if timeout && !lastAttempt {
			log.Warnw("refund_dispatch_timeout", "error", err)
			return true, nil
		}
		code := constants.FailureCodeFail
		if timeout {
			code = constants.FailureCodeTimeout
		}
		log.Warnw("refund_dispatch_failed", "error", err)
		_, markErr := s.MarkFailed(ctx, refund.ID, code, err.Error(), nil)
		if errors.Is(markErr, ErrInvalidOperation) {
			return false, nil
		}
		return false, markErr
	}
	return false, s.applyResult(ctx, refund.ID, result)
}

func (s *RefundService) buildRefundOrder(charge *models.Charge, refund *models.Refund) payment.RefundOrder {
	return payment.RefundOrder{
		RefundID:            refund.ID,
		ChargeID:            charge.ID,
		ChargeTransactionNo: charge.TransactionNo,
		Amount:              refund.Amount,
		TotalAmount:         charge.TotalAmount,
		Currency:            charge.Currency,
		Reason:              refund.Reason,
		NotifyURL:           s.opts.callbackURL("/transaction/notify/refund/%s", charge.Channel),
	}
}

func (s *RefundService) applyResult(ctx context.Context, id string, result *payment.RefundResult) error {
	if result == nil {
		return nil
	}
	var err error
	switch result.Status {
	case constants.RefundStatusSuccess:
		_, err = s.MarkSucceeded(ctx, id, result.TransactionNo, result.Raw)
	case constants.RefundStatusProcessing:
		_, err = s.MarkProcessing(ctx, id, result.TransactionNo, result.Raw)
	case constants.RefundStatusClosed:
		_, err = s.MarkClosed(ctx, id, constants.FailureCodeFail, "refund closed by gateway", result.Raw)
	case constants.RefundStatusAbnormal:
		_, err = s.MarkFailed(ctx, id, constants.FailureCodeFail, "refund abnormal", result.Raw)
	}
	if errors.Is(err, ErrInvalidOperation) {
		refundLogger("refund_id", id).Warnw("refund_dispatch_result_ignored", "status", result.Status, "error", err)
		return nil
	}
	return err
}

func (s *RefundService) scheduleRedispatch(id string) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.EnqueueRefundRedispatch(queue.RefundRedispatchPayload{RefundID: id}, s.opts.RedispatchDelay); err != nil {
		refundLogger("refund_id", id).Errorw("refund_redispatch_enqueue_failed", "error", err)
	}
}

// Redispatch 重新请求渠道退款，仅处理仍待受理的退款；退款号即渠道幂等键
func (s *RefundService) Redispatch(ctx context.Context, id string, lastAttempt bool) error {
	refund, err := s.refundRepo.GetByID(id)
	if err != nil {
		return err
	}
	if refund == nil || refund.Status != constants.RefundStatusPending {
		return nil
	}
	charge, err := s.chargeRepo.GetByID(refund.ChargeID)
	if err != nil {
		return err
	}
	if charge == nil {
		return ErrChargeNotFound
	}
	timedOut, err := s.dispatch(ctx, charge, refund, lastAttempt)
	if err != nil {
		return err
	}
	if timedOut {
		return fmt.Errorf("refund %s redispatch: %w", refund.ID, context.DeadlineExceeded)
	}
	return nil
}

// MarkSucceeded 标记退款成功；已成功时幂等返回，已关闭或异常的退款拒绝
func (s *RefundService) MarkSucceeded(ctx context.Context, id, transactionNo string, extra map[string]interface{}) (bool, error) {
	refund, err := s.refundRepo.GetByID(id)
	if err != nil {
		return false, err
	}
	if refund == nil {
		return false, ErrRefundNotFound
	}
	if refund.Succeed() {
		return true, nil
	}
	if refund.Terminal() {
		return false, ErrRefundAlreadyTerminal
	}

	fields := map[string]interface{}{
		"status":       constants.RefundStatusSuccess,
		"success_time": s.now(),
		"failure_code": "",
		"failure_msg":  "",
	}
	if txNo := strings.TrimSpace(transactionNo); txNo != "" {
		fields["transaction_no"] = txNo
	}
	if len(extra) > 0 {
		fields["extra"] = datatypes.JSONMap(extra)
	}
	ok, err := s.refundRepo.Transition(id, []string{constants.RefundStatusPending, constants.RefundStatusProcessing}, fields)
	if err != nil {
		return false, err
	}
	if !ok {
		latest, err := s.refundRepo.GetByID(id)
		if err != nil {
			return false, err
		}
		if latest.Succeed() {
			return true, nil
		}
		return false, ErrRefundAlreadyTerminal
	}

	updated, err := s.refundRepo.GetByID(id)
	if err != nil {
		return true, err
	}
	s.invalidateChargeCache(ctx, refund.ChargeID)
	refundLogger("refund_id", id, "charge_id", refund.ChargeID).Infow("refund_mark_succeeded", "transaction_no", transactionNo)
	s.events.Publish(ctx, Event{
		Type:     EventRefundSucceeded,
		EntityID: id,
		Amount:   refund.Amount,
		Refund:   updated,
	})
	return true, nil
}

// MarkProcessing 渠道已受理、结果异步返回
func (s *RefundService) MarkProcessing(ctx context.Context, id, transactionNo string, extra map[string]interface{}) (bool, error) {
	refund, err := s.refundRepo.GetByID(id)
	if err != nil {
		return false, err
	}
	if refund == nil {
		return false, ErrRefundNotFound
	}
	if refund.Status == constants.RefundStatusProcessing {
		return true, nil
	}
	if refund.Status != constants.RefundStatusPending {
		return false, nil
	}
	fields := map[string]interface{}{
		"status": constants.RefundStatusProcessing,
	}
	if txNo := strings.TrimSpace(transactionNo); txNo != "" {
		fields["transaction_no"] = txNo
	}
	if len(extra) > 0 {
		fields["extra"] = datatypes.JSONMap(extra)
	}
	ok, err := s.refundRepo.Transition(id, []string{constants.RefundStatusPending}, fields)
	if err != nil {
		return false, err
	}
	if ok {
		refundLogger("refund_id", id, "charge_id", refund.ChargeID).Infow("refund_mark_processing")
	}
	return ok, nil
}

// MarkFailed 退款异常，回退收单已退金额
func (s *RefundService) MarkFailed(ctx context.Context, id, code, desc string, extra map[string]interface{}) (bool, error) {
	return s.markUnsuccessful(ctx, id, constants.RefundStatusAbnormal, EventRefundFailed, code, desc, extra)
}

// MarkClosed 退款关闭，回退收单已退金额
func (s *RefundService) MarkClosed(ctx context.Context, id, code, desc string, extra map[string]interface{}) (bool, error) {
	return s.markUnsuccessful(ctx, id, constants.RefundStatusClosed, EventRefundClosed, code, desc, extra)
}

// markUnsuccessful 退款进入非成功终态与收单已退金额回退在同一事务内完成
func (s *RefundService) markUnsuccessful(ctx context.Context, id, status, eventType, code, desc string, extra map[string]interface{}) (bool, error) {
	var (
		refund  *models.Refund
		applied bool
	)
	err := models.DB.Transaction(func(tx *gorm.DB) error {
		chargeRepo := s.chargeRepo.WithTx(tx)
		refundRepo := s.refundRepo.WithTx(tx)

		current, err := refundRepo.GetByID(id)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrRefundNotFound
		}
		refund = current
		switch {
		case current.Status == status:
			return nil
		case current.Succeed():
			return ErrRefundAlreadySucceeded
		case current.Terminal():
			return nil
		}

		fields := map[string]interface{}{
			"status":       status,
			"failure_code": truncate(code, 64),
			"failure_msg":  truncate(desc, 255),
		}
		if len(extra) > 0 {
			fields["extra"] = datatypes.JSONMap(extra)
		}
		ok, err := refundRepo.Transition(id, []string{constants.RefundStatusPending, constants.RefundStatusProcessing}, fields)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		compensated, err := chargeRepo.DecreaseRefunded(current.ChargeID, current.Amount)
		if err != nil {
			return err
		}
		if !compensated {
			return fmt.Errorf("%w: refund %s charge %s", ErrRefundCompensationFailed, id, current.ChargeID)
		}
		applied = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRefundCompensationFailed) {
			refundLogger("refund_id", id).Errorw("refund_compensation_failed", "error", err)
		}
		return false, err
	}
	if !applied {
		latest, err := s.refundRepo.GetByID(id)
		if err != nil {
			return false, err
		}
		return latest != nil && latest.Status == status, nil
	}

	updated, err := s.refundRepo.GetByID(id)
	if err != nil {
		return true, err
	}
	s.invalidateChargeCache(ctx, refund.ChargeID)
	refundLogger("refund_id", id, "charge_id", refund.ChargeID).
		Warnw("refund_mark_"+strings.ToLower(status), "failure_code", code, "failure_msg", desc)
	s.events.Publish(ctx, Event{
		Type:     eventType,
		EntityID: id,
		Amount:   refund.Amount,
		Refund:   updated,
	})
	return true, nil
}

// Get 获取退款
func (s *RefundService) Get(ctx context.Context, id string) (*models.Refund, error) {
	refund, err := s.refundRepo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return nil, ErrRefundNotFound
	}
	return refund, nil
}

// ListByCharge 收单下的退款记录
func (s *RefundService) ListByCharge(ctx context.Context, chargeID string) ([]models.Refund, error) {
	charge, err := s.chargeRepo.GetByID(chargeID)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, ErrChargeNotFound
	}
	return s.refundRepo.ListByChargeID(chargeID)
}

// RedispatchStale 补投长时间未受理的退款，返回补投数量；未配置队列时直接重发
func (s *RefundService) RedispatchStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	refunds, err := s.refundRepo.ListStalePending(s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	if s.scheduler != nil {
		for i := range refunds {
			s.scheduleRedispatch(refunds[i].ID)
		}
		return len(refunds), nil
	}
	sent := 0
	for i := range refunds {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := s.Redispatch(ctx, refunds[i].ID, false); err != nil {
			refundLogger("refund_id", refunds[i].ID).Warnw("refund_stale_redispatch_failed", "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *RefundService) invalidateChargeCache(ctx context.Context, chargeID string) {
	if s.opts.QueryCacheTTL <= 0 {
		return
	}
	if err := cache.InvalidateCharge(ctx, chargeID); err != nil {
		refundLogger("charge_id", chargeID).Warnw("charge_cache_invalidate_failed", "error", err)
	}
}
