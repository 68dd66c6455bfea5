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
)

// ChargeService 收单服务
type ChargeService struct {
	chargeRepo repository.ChargeRepository
	refundSvc  *RefundService
	gateways   *payment.Registry
	scheduler  TaskScheduler
	events     *EventBus
	sources    *SourceRegistry
	ids        *models.IDGenerator
	opts       Options
	now        func() time.Time
}

// NewChargeService 创建收单服务
func NewChargeService(chargeRepo repository.ChargeRepository, refundSvc *RefundService, gateways *payment.Registry, scheduler TaskScheduler, events *EventBus, sources *SourceRegistry, opts Options) *ChargeService {
	s := &ChargeService{
		chargeRepo: chargeRepo,
		refundSvc:  refundSvc,
		gateways:   gateways,
		scheduler:  scheduler,
		events:     events,
		sources:    sources,
		opts:       opts.normalized(),
		now:        time.Now,
	}
	s.ids = models.NewUnixIDGenerator(func(ctx context.Context, id string) (bool, error) {
		return chargeRepo.Exists(id)
	})
	sources.Register(constants.SourceTypeTransactionCharge, func(ctx context.Context, id string) (interface{}, error) {
		charge, err := chargeRepo.GetByID(id)
		if err != nil || charge == nil {
			return nil, err
		}
		return charge, nil
	})
	return s
}

// CreateChargeInput 创建收单请求，金额单位为分
type CreateChargeInput struct {
	Channel    string
	TradeType  string
	Amount     int64
	Currency   string
	Subject    string
	Body       string
	ClientIP   string
	Metadata   map[string]interface{}
	Source     SourceRef
	ExpireTime *time.Time
}

func chargeLogger(kv ...interface{}) *zap.SugaredLogger {
	return serviceLogger(kv...)
}

// Create 创建收单，带交易类型时同步预下单；渠道拒绝转为失败状态，超时保持待支付并延迟重发
func (s *ChargeService) Create(ctx context.Context, input CreateChargeInput) (*models.Charge, error) {
	if input.Amount <= 0 {
		return nil, ErrAmountInvalid
	}
	channel := strings.ToLower(strings.TrimSpace(input.Channel))
	if channel == "" {
		return nil, ErrChannelRequired
	}
	gw, err := s.gateways.Get(channel)
	if err != nil {
		return nil, err
	}
	subject := strings.TrimSpace(input.Subject)
	if subject == "" {
		return nil, ErrSubjectRequired
	}
	currency, err := normalizeCurrency(input.Currency, s.opts.DefaultCurrency)
	if err != nil {
		return nil, err
	}
	tradeType := strings.ToLower(strings.TrimSpace(input.TradeType))
	if tradeType != "" {
		if err := checkTradeType(gw, tradeType); err != nil {
			return nil, err
		}
	}

	now := s.now()
	expireTime := now.Add(s.opts.ExpireAfter)
	if input.ExpireTime != nil && input.ExpireTime.After(now) {
		expireTime = *input.ExpireTime
	}
	charge := &models.Charge{
		Channel:     channel,
		Type:        tradeType,
		SourceType:  strings.TrimSpace(input.Source.Type),
		SourceID:    strings.TrimSpace(input.Source.ID),
		Subject:     truncate(subject, 255),
		Body:        strings.TrimSpace(input.Body),
		TotalAmount: input.Amount,
		Currency:    currency,
		State:       constants.ChargeStatePending,
		ClientIP:    strings.TrimSpace(input.ClientIP),
		Metadata:    datatypes.JSONMap(input.Metadata),
		ExpireTime:  &expireTime,
	}
	if err := s.insert(ctx, charge); err != nil {
		return nil, err
	}
	log := chargeLogger("charge_id", charge.ID, "channel", channel, "trade_type", charge.Type)
	log.Infow("charge_created", "amount", charge.TotalAmount, "currency", charge.Currency)

	if s.scheduler != nil {
		delay := time.Until(expireTime)
		if err := s.scheduler.EnqueueChargeExpire(queue.ChargeExpirePayload{ChargeID: charge.ID}, delay); err != nil {
			log.Warnw("charge_expire_enqueue_failed", "error", err)
		}
	}

	if charge.Type != "" {
		timedOut, err := s.dispatch(ctx, charge, gw, false)
		if err != nil {
			return nil, err
		}
		if timedOut {
			s.scheduleRedispatch(charge.ID)
		}
	}
	return s.Get(ctx, charge.ID)
}

func (s *ChargeService) insert(ctx context.Context, charge *models.Charge) error {
	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		id, err := s.ids.Next(ctx)
		if err != nil {
			return err
		}
		charge.ID = id
		if lastErr = s.chargeRepo.Create(charge); lastErr == nil {
			return nil
		}
		// 并发插入撞号时换号重试，其余错误直接返回
		taken, err := s.chargeRepo.Exists(id)
		if err != nil || !taken {
			return lastErr
		}
	}
	return lastErr
}

// checkTradeType 交易类型须为已知类型且被渠道支持
func checkTradeType(gw payment.Gateway, tradeType string) error {
	if !constants.IsTradeType(tradeType) || !payment.SupportsTradeType(gw, tradeType) {
		return fmt.Errorf("%w: %s", ErrTradeTypeInvalid, tradeType)
	}
	return nil
}

// Prepay 对待支付收单按指定交易类型预下单
func (s *ChargeService) Prepay(ctx context.Context, id, tradeType string) (*models.Charge, error) {
	tradeType = strings.ToLower(strings.TrimSpace(tradeType))
	if tradeType == "" {
		return nil, ErrTradeTypeRequired
	}
	charge, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if charge.Paid() {
		return nil, ErrChargeAlreadyPaid
	}
	if charge.State != constants.ChargeStatePending {
		return nil, ErrChargeNotPending
	}
	gw, err := s.gateways.Get(charge.Channel)
	if err != nil {
		return nil, err
	}
	if err := checkTradeType(gw, tradeType); err != nil {
		return nil, err
	}
	charge.Type = tradeType
	timedOut, err := s.dispatch(ctx, charge, gw, false)
	if err != nil {
		return nil, err
	}
	if timedOut {
		s.scheduleRedispatch(charge.ID)
	}
	return s.Get(ctx, charge.ID)
}

// dispatch 调用渠道预下单并写回支付凭证；非最后一次尝试的超时只返回 true，由调用方安排重发
func (s *ChargeService) dispatch(ctx context.Context, charge *models.Charge, gw payment.Gateway, lastAttempt bool) (bool, error) {
	log := chargeLogger("charge_id", charge.ID, "channel", charge.Channel, "trade_type", charge.Type)
	dctx, cancel := s.opts.withDispatchTimeout(ctx)
	credential, err := gw.Pay(dctx, charge.Type, s.buildPayOrder(charge))
	cancel()
	if err != nil {
		if errors.Is(err, payment.ErrTradeTypeUnsupported) {
			// 交易类型属于调用方参数错误，收单保持待支付
			log.Warnw("charge_dispatch_trade_type_unsupported", "error", err)
			return false, fmt.Errorf("%w: %w", ErrTradeTypeInvalid, err)
		}
		timeout := payment.IsTimeout(err)
		if timeout && !lastAttempt {
			log.Warnw("charge_dispatch_timeout", "error", err)
			return true, nil
		}
		code := constants.FailureCodeFail
		if timeout {
			code = constants.FailureCodeTimeout
		}
		log.Warnw("charge_dispatch_failed", "error", err)
		_, markErr := s.MarkFailed(ctx, charge.ID, code, err.Error(), nil)
		if markErr != nil && !errors.Is(markErr, ErrChargeAlreadyPaid) {
			return false, markErr
		}
		return false, nil
	}

	ok, err := s.chargeRepo.Transition(charge.ID, []string{constants.ChargeStatePending}, map[string]interface{}{
		"type":       charge.Type,
		"credential": datatypes.JSONMap(credential),
	})
	if err != nil {
		return false, err
	}
	if !ok {
		// 预下单期间已收到终态通知，凭证作废
		log.Infow("charge_dispatch_result_discarded")
	}
	s.invalidateCache(ctx, charge.ID)
	return false, nil
}

func (s *ChargeService) buildPayOrder(charge *models.Charge) payment.PayOrder {
	return payment.PayOrder{
		OrderID:    charge.ID,
		Amount:     charge.TotalAmount,
		Currency:   charge.Currency,
		Subject:    charge.Subject,
		Body:       charge.Body,
		ClientIP:   charge.ClientIP,
		ExpireTime: charge.ExpireTime,
		NotifyURL:  s.opts.callbackURL("/transaction/notify/charge/%s", charge.Channel),
		ReturnURL:  s.opts.callbackURL("/transaction/callback/charge/%s", charge.Channel),
		Metadata:   charge.Metadata,
	}
}

func (s *ChargeService) scheduleRedispatch(id string) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.EnqueueChargeRedispatch(queue.ChargeRedispatchPayload{ChargeID: id}, s.opts.RedispatchDelay); err != nil {
		chargeLogger("charge_id", id).Errorw("charge_redispatch_enqueue_failed", "error", err)
	}
}

// Redispatch 重新预下单，仅处理仍待支付且尚无凭证的收单；最后一次仍超时则置为失败
func (s *ChargeService) Redispatch(ctx context.Context, id string, lastAttempt bool) error {
	charge, err := s.chargeRepo.GetByID(id)
	if err != nil {
		return err
	}
	if charge == nil || charge.State != constants.ChargeStatePending || charge.Type == "" || len(charge.Credential) > 0 {
		return nil
	}
	gw, err := s.gateways.Get(charge.Channel)
	if err != nil {
		return err
	}
	timedOut, err := s.dispatch(ctx, charge, gw, lastAttempt)
	if err != nil {
		return err
	}
	if timedOut {
		return fmt.Errorf("charge %s redispatch: %w", charge.ID, context.DeadlineExceeded)
	}
	chargeLogger("charge_id", charge.ID, "channel", charge.Channel).Infow("charge_redispatched")
	return nil
}

// MarkSucceeded 标记支付成功，已支付时直接返回 true 且不重复发布事件
func (s *ChargeService) MarkSucceeded(ctx context.Context, id, transactionNo string, extra, payer map[string]interface{}) (bool, error) {
	charge, err := s.chargeRepo.GetByID(id)
	if err != nil {
		return false, err
	}
	if charge == nil {
		return false, ErrChargeNotFound
	}
	if charge.Paid() {
		return true, nil
	}
	if charge.State != constants.ChargeStatePending {
		chargeLogger("charge_id", id, "state", charge.State).Errorw("charge_paid_after_terminal", "transaction_no", transactionNo)
		return false, fmt.Errorf("%w: state %s", ErrChargeNotPending, charge.State)
	}

	now := s.now()
	fields := map[string]interface{}{
		"state":          constants.ChargeStateSuccess,
		"transaction_no": strings.TrimSpace(transactionNo),
		"success_time":   now,
		"credential":     nil,
		"failure_code":   "",
		"failure_msg":    "",
	}
	if len(extra) > 0 {
		fields["extra"] = datatypes.JSONMap(extra)
	}
	if len(payer) > 0 {
		fields["payer"] = datatypes.JSONMap(payer)
	}
	ok, err := s.chargeRepo.Transition(id, []string{constants.ChargeStatePending}, fields)
	if err != nil {
		return false, err
	}
	if !ok {
		// 并发通知已抢先落库
		latest, err := s.chargeRepo.GetByID(id)
		if err != nil {
			return false, err
		}
		if latest.Paid() {
			return true, nil
		}
		return false, fmt.Errorf("%w: state %s", ErrChargeNotPending, latest.State)
	}

	s.invalidateCache(ctx, id)
	updated, err := s.chargeRepo.GetByID(id)
	if err != nil {
		return true, err
	}
	chargeLogger("charge_id", id, "channel", charge.Channel).Infow("charge_mark_succeeded", "transaction_no", transactionNo)
	s.events.Publish(ctx, Event{
		Type:     EventChargeSucceeded,
		EntityID: id,
		Channel:  charge.Channel,
		Amount:   charge.TotalAmount,
		Charge:   updated,
	})
	return true, nil
}

// MarkFailed 标记支付失败；已支付的收单拒绝，已失败的收单幂等返回
func (s *ChargeService) MarkFailed(ctx context.Context, id, code, desc string, extra map[string]interface{}) (bool, error) {
	charge, err := s.chargeRepo.GetByID(id)
	if err != nil {
		return false, err
	}
	if charge == nil {
		return false, ErrChargeNotFound
	}
	switch {
	case charge.Paid():
		return false, ErrChargeAlreadyPaid
	case charge.State == constants.ChargeStatePayError:
		return true, nil
	case charge.State != constants.ChargeStatePending:
		return false, nil
	}

	fields := map[string]interface{}{
		"state":        constants.ChargeStatePayError,
		"credential":   nil,
		"failure_code": truncate(code, 64),
		"failure_msg":  truncate(desc, 255),
	}
	if len(extra) > 0 {
		fields["extra"] = datatypes.JSONMap(extra)
	}
	ok, err := s.chargeRepo.Transition(id, []string{constants.ChargeStatePending}, fields)
	if err != nil {
		return false, err
	}
	if !ok {
		latest, err := s.chargeRepo.GetByID(id)
		if err != nil {
			return false, err
		}
		if latest.Paid() {
			return false, ErrChargeAlreadyPaid
		}
		return latest.State == constants.ChargeStatePayError, nil
	}

	s.invalidateCache(ctx, id)
	updated, err := s.chargeRepo.GetByID(id)
	if err != nil {
		return true, err
	}
	chargeLogger("charge_id", id, "channel", charge.Channel).Warnw("charge_mark_failed", "failure_code", code, "failure_msg", desc)
	s.events.Publish(ctx, Event{
		Type:     EventChargeFailed,
		EntityID: id,
		Channel:  charge.Channel,
		Amount:   charge.TotalAmount,
		Charge:   updated,
	})
	return true, nil
}

// MarkClosed 将待支付收单置为关闭或撤销
func (s *ChargeService) MarkClosed(ctx context.Context, id, state string) (bool, error) {
	state = strings.ToUpper(strings.TrimSpace(state))
	if state != constants.ChargeStateClosed && state != constants.ChargeStateRevoked {
		return false, fmt.Errorf("%w: close state %s", ErrValidation, state)
	}
	charge, err := s.chargeRepo.GetByID(id)
	if err != nil {
		return false, err
	}
	if charge == nil {
		return false, ErrChargeNotFound
	}
	switch {
	case charge.Paid():
		return false, ErrChargeAlreadyPaid
	case charge.State == state:
		return true, nil
	case charge.State != constants.ChargeStatePending:
		return false, nil
	}

	ok, err := s.chargeRepo.Transition(id, []string{constants.ChargeStatePending}, map[string]interface{}{
		"state":      state,
		"credential": nil,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		latest, err := s.chargeRepo.GetByID(id)
		if err != nil {
			return false, err
		}
		if latest.Paid() {
			return false, ErrChargeAlreadyPaid
		}
		return latest.State == state, nil
	}

	s.invalidateCache(ctx, id)
	updated, err := s.chargeRepo.GetByID(id)
	if err != nil {
		return true, err
	}
	chargeLogger("charge_id", id, "channel", charge.Channel).Infow("charge_mark_closed", "state", state)
	s.events.Publish(ctx, Event{
		Type:     EventChargeClosed,
		EntityID: id,
		Channel:  charge.Channel,
		Amount:   charge.TotalAmount,
		Charge:   updated,
	})
	return true, nil
}

// Close 关闭未支付收单：先请求渠道关单，再落库
func (s *ChargeService) Close(ctx context.Context, id string) (*models.Charge, error) {
	charge, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if charge.Paid() {
		return nil, ErrChargeAlreadyPaid
	}
	if charge.State == constants.ChargeStateClosed {
		return charge, nil
	}
	if charge.State != constants.ChargeStatePending {
		return nil, ErrChargeNotPending
	}
	gw, err := s.gateways.Get(charge.Channel)
	if err != nil {
		return nil, err
	}
	// 未预下单的收单渠道侧无订单，无需关单
	if charge.Type != "" {
		dctx, cancel := s.opts.withDispatchTimeout(ctx)
		err = gw.Close(dctx, charge.ID)
		cancel()
		if err != nil {
			chargeLogger("charge_id", id, "channel", charge.Channel).Warnw("charge_gateway_close_failed", "error", err)
			return nil, err
		}
	}
	if _, err := s.MarkClosed(ctx, id, constants.ChargeStateClosed); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Expire 关闭已过期的待支付收单，未过期或非待支付时忽略
func (s *ChargeService) Expire(ctx context.Context, id string) error {
	charge, err := s.chargeRepo.GetByID(id)
	if err != nil {
		return err
	}
	if charge == nil || charge.State != constants.ChargeStatePending {
		return nil
	}
	if charge.ExpireTime != nil && charge.ExpireTime.After(s.now()) {
		return nil
	}
	_, err = s.Close(ctx, id)
	if errors.Is(err, ErrInvalidOperation) {
		return nil
	}
	return err
}

// ExpireOverdue 批量关闭过期收单，返回处理数量
func (s *ChargeService) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	charges, err := s.chargeRepo.ListExpiredPending(s.now(), limit)
	if err != nil {
		return 0, err
	}
	closed := 0
	for i := range charges {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		if err := s.Expire(ctx, charges[i].ID); err != nil {
			chargeLogger("charge_id", charges[i].ID).Warnw("charge_expire_failed", "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

// Refund 对已支付收单发起剩余可退金额的全额退款
func (s *ChargeService) Refund(ctx context.Context, id, reason string) (*models.Refund, error) {
	charge, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !charge.Paid() {
		return nil, ErrChargeNotPaid
	}
	amount := charge.RefundableAmount()
	if amount <= 0 {
		return nil, ErrChargeNotRefundable
	}
	return s.refundSvc.Create(ctx, CreateRefundInput{
		ChargeID: charge.ID,
		Amount:   amount,
		Reason:   reason,
	})
}

// Get 获取收单
func (s *ChargeService) Get(ctx context.Context, id string) (*models.Charge, error) {
	charge, err := s.chargeRepo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, ErrChargeNotFound
	}
	return charge, nil
}

// Query 对外查询收单，命中缓存时不访问数据库
func (s *ChargeService) Query(ctx context.Context, id string) (*models.Charge, error) {
	if s.opts.QueryCacheTTL > 0 {
		cached, hit, err := cache.GetCharge(ctx, id)
		if err != nil {
			chargeLogger("charge_id", id).Warnw("charge_cache_get_failed", "error", err)
		} else if hit {
			return cached, nil
		}
	}
	charge, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := cache.SetCharge(ctx, charge, s.opts.QueryCacheTTL); err != nil {
		chargeLogger("charge_id", id).Warnw("charge_cache_set_failed", "error", err)
	}
	return charge, nil
}

// List 分页查询收单
func (s *ChargeService) List(ctx context.Context, filter repository.ChargeListFilter) ([]models.Charge, int64, error) {
	return s.chargeRepo.List(filter)
}

// ResolveSource 加载收单的触发源对象
func (s *ChargeService) ResolveSource(ctx context.Context, charge *models.Charge) (interface{}, error) {
	if charge == nil {
		return nil, ErrChargeNotFound
	}
	return s.sources.Resolve(ctx, SourceRef{Type: charge.SourceType, ID: charge.SourceID})
}

func (s *ChargeService) invalidateCache(ctx context.Context, id string) {
	if s.opts.QueryCacheTTL <= 0 {
		return
	}
	if err := cache.InvalidateCharge(ctx, id); err != nil {
		chargeLogger("charge_id", id).Warnw("charge_cache_invalidate_failed", "error", err)
	}
}
