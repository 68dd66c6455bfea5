package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/models"
	"github.com/dujiao-next/transaction/internal/payment"
	"github.com/dujiao-next/transaction/internal/queue"
	"github.com/dujiao-next/transaction/internal/repository"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// TransferService 企业付款服务
type TransferService struct {
	transferRepo repository.TransferRepository
	gateways     *payment.Registry
	scheduler    TaskScheduler
	events       *EventBus
	ids          *models.IDGenerator
	opts         Options
	now          func() time.Time
}

// NewTransferService 创建企业付款服务
func NewTransferService(transferRepo repository.TransferRepository, gateways *payment.Registry, scheduler TaskScheduler, events *EventBus, opts Options) *TransferService {
	return &TransferService{
		transferRepo: transferRepo,
		gateways:     gateways,
		scheduler:    scheduler,
		events:       events,
		ids: models.NewUnixIDGenerator(func(ctx context.Context, id string) (bool, error) {
			return transferRepo.Exists(id)
		}),
		opts: opts.normalized(),
		now:  time.Now,
	}
}

// CreateTransferInput 创建企业付款请求，金额单位为分
type CreateTransferInput struct {
	Channel     string
	Amount      int64
	Currency    string
	Recipient   models.Recipient
	Description string
	Metadata    map[string]interface{}
	Source      SourceRef
}

func transferLogger(kv ...interface{}) *zap.SugaredLogger {
	return serviceLogger(kv...)
}

// Create 创建企业付款并同步请求渠道
func (s *TransferService) Create(ctx context.Context, input CreateTransferInput) (*models.Transfer, error) {
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
	recipient := models.Recipient{
		Account:     strings.TrimSpace(input.Recipient.Account),
		AccountType: strings.TrimSpace(input.Recipient.AccountType),
		Name:        strings.TrimSpace(input.Recipient.Name),
	}
	if recipient.Account == "" {
		return nil, ErrRecipientInvalid
	}
	currency, err := normalizeCurrency(input.Currency, s.opts.DefaultCurrency)
	if err != nil {
		return nil, err
	}

	transfer := &models.Transfer{
		Channel:     channel,
		Status:      constants.TransferStatusPending,
		SourceType:  strings.TrimSpace(input.Source.Type),
		SourceID:    strings.TrimSpace(input.Source.ID),
		Amount:      input.Amount,
		Currency:    currency,
		Recipient:   recipient.ToJSON(),
		Description: truncate(input.Description, 255),
		Metadata:    datatypes.JSONMap(input.Metadata),
	}
	if err := s.insert(ctx, transfer); err != nil {
		return nil, err
	}
	transferLogger("transfer_id", transfer.ID, "channel", channel).Infow("transfer_created", "amount", transfer.Amount)

	timedOut, err := s.dispatch(ctx, transfer, gw, false)
	if err != nil {
		return nil, err
	}
	if timedOut {
		s.scheduleRedispatch(transfer.ID)
	}
	return s.Get(ctx, transfer.ID)
}

func (s *TransferService) insert(ctx context.Context, transfer *models.Transfer) error {
	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		id, err := s.ids.Next(ctx)
		if err != nil {
			return err
		}
		transfer.ID = id
		if lastErr = s.transferRepo.Create(transfer); lastErr == nil {
			return nil
		}
		taken, err := s.transferRepo.Exists(id)
		if err != nil || !taken {
			return lastErr
		}
	}
	return lastErr
}

func (s *TransferService) dispatch(ctx context.Context, transfer *models.Transfer, gw payment.Gateway, lastAttempt bool) (bool, error) {
	log := transferLogger("transfer_id", transfer.ID, "channel", transfer.Channel)
	recipient := models.RecipientFromJSON(transfer.Recipient)
	dctx, cancel := s.opts.withDispatchTimeout(ctx)
	result, err := gw.Transfer(dctx, payment.TransferOrder{
		TransferID:       transfer.ID,
		Amount:           transfer.Amount,
		Currency:         transfer.Currency,
		Description:      transfer.Description,
		RecipientAccount: recipient.Account,
		RecipientType:    recipient.AccountType,
		RecipientName:    recipient.Name,
		NotifyURL:        s.opts.callbackURL("/transaction/notify/transfer/%s", transfer.Channel),
	})
	cancel()
	if err != nil {
		timeout := payment.IsTimeout(err)
		if timeout && !lastAttempt {
			log.Warnw("transfer_dispatch_timeout", "error", err)
			return true, nil
		}
		code := constants.FailureCodeFail
		if timeout {
			code = constants.FailureCodeTimeout
		}
		log.Warnw("transfer_dispatch_failed", "error", err)
		_, markErr := s.MarkFailed(ctx, transfer.ID, code, err.Error(), nil)
		if errors.Is(markErr, ErrInvalidOperation) {
			return false, nil
		}
		return false, markErr
	}
	if result == nil {
		return false, nil
	}

	switch result.Status {
	case constants.TransferStatusSuccess:
		_, err = s.MarkSucceeded(ctx, transfer.ID, result.TransactionNo, result.Raw)
	case constants.TransferStatusAbnormal:
		_, err = s.MarkFailed(ctx, transfer.ID, constants.FailureCodeFail, "transfer abnormal", result.Raw)
	default:
		// 渠道已受理，等待异步通知
		fields := map[string]interface{}{}
		if txNo := strings.TrimSpace(result.TransactionNo); txNo != "" {
			fields["transaction_no"] = txNo
		}
		if len(result.Raw) > 0 {
			fields["extra"] = datatypes.JSONMap(result.Raw)
		}
		_, err = s.transferRepo.Transition(transfer.ID, []string{constants.TransferStatusPending}, fields)
		log.Infow("transfer_accepted", "transaction_no", result.TransactionNo)
	}
	if errors.Is(err, ErrInvalidOperation) {
		return false, nil
	}
	return false, err
}

func (s *TransferService) scheduleRedispatch(id string) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.EnqueueTransferRedispatch(queue.TransferRedispatchPayload{TransferID: id}, s.opts.RedispatchDelay); err != nil {
		transferLogger("transfer_id", id).Errorw("transfer_redispatch_enqueue_failed", "error", err)
	}
}

// Redispatch 重新请求渠道付款，已被渠道受理的付款不再重发
func (s *TransferService) Redispatch(ctx context.Context, id string, lastAttempt bool) error {
	transfer, err := s.transferRepo.GetByID(id)
	if err != nil {
		return err
	}
	if transfer == nil || transfer.Status != constants.TransferStatusPending || transfer.TransactionNo != "" {
		return nil
	}
	gw, err := s.gateways.Get(transfer.Channel)
	if err != nil {
		return err
	}
	timedOut, err := s.dispatch(ctx, transfer, gw, lastAttempt)
	if err != nil {
		return err
	}
	if timedOut {
		return fmt.Errorf("transfer %s redispatch: %w", transfer.ID, context.DeadlineExceeded)
	}
	return nil
}

// MarkSucceeded 标记付款成功，已成功时幂等返回
func (s *TransferService) MarkSucceeded(ctx context.Context, id, transactionNo string, extra map[string]interface{}) (bool, error) {
	transfer, err := s.transferRepo.GetByID(id)
	if err != nil {
		return false, err
	}
	if transfer == nil {
		return false, ErrTransferNotFound
	}
	switch transfer.Status {
	case constants.TransferStatusSuccess:
		return true, nil
	case constants.TransferStatusAbnormal:
		return false, ErrTransferAlreadyAbnormal
	}

	fields := map[string]interface{}{
		"status":         constants.TransferStatusSuccess,
		"transferred_at": s.now(),
	}
	if txNo := strings.TrimSpace(transactionNo); txNo != "" {
		fields["transaction_no"] = txNo
	}
	if len(extra) > 0 {
		fields["extra"] = datatypes.JSONMap(extra)
	}
	ok, err := s.transferRepo.Transition(id, []string{constants.TransferStatusPending}, fields)
	if err != nil {
		return false, err
	}
	if !ok {
		latest, err := s.transferRepo.GetByID(id)
		if err != nil {
			return false, err
		}
		if latest.Paid() {
			return true, nil
		}
		return false, ErrTransferAlreadyAbnormal
	}
	return true, s.publish(ctx, id, EventTransferSucceeded, "transfer_mark_succeeded")
}

// MarkFailed 标记付款异常，已成功的付款拒绝
func (s *TransferService) MarkFailed(ctx context.Context, id, code, desc string, extra map[string]interface{}) (bool, error) {
	transfer, err := s.transferRepo.GetByID(id)
	if err != nil {
		return false, err
	}
	if transfer == nil {
		return false, ErrTransferNotFound
	}
	switch transfer.Status {
	case constants.TransferStatusAbnormal:
		return true, nil
	case constants.TransferStatusSuccess:
		return false, ErrTransferAlreadyPaid
	}

	fields := map[string]interface{}{
		"status":       constants.TransferStatusAbnormal,
		"failure_code": truncate(code, 64),
		"failure_msg":  truncate(desc, 255),
	}
	if len(extra) > 0 {
		fields["extra"] = datatypes.JSONMap(extra)
	}
	ok, err := s.transferRepo.Transition(id, []string{constants.TransferStatusPending}, fields)
	if err != nil {
		return false, err
	}
	if !ok {
		latest, err := s.transferRepo.GetByID(id)
		if err != nil {
			return false, err
		}
		if latest.Paid() {
			return false, ErrTransferAlreadyPaid
		}
		return true, nil
	}
	return true, s.publish(ctx, id, EventTransferFailed, "transfer_mark_failed")
}

func (s *TransferService) publish(ctx context.Context, id, eventType, logEvent string) error {
	updated, err := s.transferRepo.GetByID(id)
	if err != nil {
		return err
	}
	if updated == nil {
		return ErrTransferNotFound
	}
	transferLogger("transfer_id", id, "channel", updated.Channel).Infow(logEvent,
		"status", updated.Status,
		"failure_code", updated.FailureCode,
	)
	s.events.Publish(ctx, Event{
		Type:     eventType,
		EntityID: id,
		Channel:  updated.Channel,
		Amount:   updated.Amount,
		Transfer: updated,
	})
	return nil
}

// Get 获取企业付款
func (s *TransferService) Get(ctx context.Context, id string) (*models.Transfer, error) {
	transfer, err := s.transferRepo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if transfer == nil {
		return nil, ErrTransferNotFound
	}
	return transfer, nil
}

// List 分页查询企业付款
func (s *TransferService) List(ctx context.Context, filter repository.TransferListFilter) ([]models.Transfer, int64, error) {
	return s.transferRepo.List(filter)
}
