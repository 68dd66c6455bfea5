package service

import (
	"errors"
	"fmt"

	"github.com/dujiao-next/transaction/internal/payment"
)

// 错误分类
var (
	// ErrValidation 参数校验失败
	ErrValidation = errors.New("validation failed")
	// ErrInvalidOperation 当前状态不允许该操作
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrGateway 渠道调用失败
	ErrGateway = payment.ErrGateway
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
	// ErrUnknownChannel 未知渠道
	ErrUnknownChannel = payment.ErrUnknownChannel
)

// 具体错误，均包裹上面的分类
var (
	ErrAmountInvalid        = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrChannelRequired      = fmt.Errorf("%w: channel is required", ErrValidation)
	ErrSubjectRequired      = fmt.Errorf("%w: subject is required", ErrValidation)
	ErrCurrencyInvalid      = fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
	ErrTradeTypeRequired    = fmt.Errorf("%w: trade type is required", ErrValidation)
	ErrTradeTypeInvalid     = fmt.Errorf("%w: trade type is not supported by channel", ErrValidation)
	ErrRecipientInvalid     = fmt.Errorf("%w: recipient account is required", ErrValidation)
	ErrNotifyAmountMismatch = fmt.Errorf("%w: notified amount mismatch", ErrValidation)

	ErrChargeNotFound   = fmt.Errorf("%w: charge", ErrNotFound)
	ErrRefundNotFound   = fmt.Errorf("%w: refund", ErrNotFound)
	ErrTransferNotFound = fmt.Errorf("%w: transfer", ErrNotFound)
	ErrSourceNotFound   = fmt.Errorf("%w: source", ErrNotFound)
	ErrSourceUnknown    = fmt.Errorf("%w: source type not registered", ErrNotFound)

	ErrChargeNotPaid           = fmt.Errorf("%w: charge is not paid", ErrInvalidOperation)
	ErrChargeNotRefundable     = fmt.Errorf("%w: charge has no refundable amount", ErrInvalidOperation)
	ErrChargeAlreadyPaid       = fmt.Errorf("%w: charge is already paid", ErrInvalidOperation)
	ErrChargeNotPending        = fmt.Errorf("%w: charge is not pending", ErrInvalidOperation)
	ErrRefundAmountExceeded    = fmt.Errorf("%w: refund amount exceeds refundable amount", ErrInvalidOperation)
	ErrRefundAlreadyTerminal   = fmt.Errorf("%w: refund is already closed", ErrInvalidOperation)
	ErrRefundAlreadySucceeded  = fmt.Errorf("%w: refund is already succeeded", ErrInvalidOperation)
	ErrTransferAlreadyPaid     = fmt.Errorf("%w: transfer is already succeeded", ErrInvalidOperation)
	ErrTransferAlreadyAbnormal = fmt.Errorf("%w: transfer is already abnormal", ErrInvalidOperation)
)

// ErrRefundCompensationFailed 退款回退收单已退金额失败，事务已回滚
var ErrRefundCompensationFailed = errors.New("refund compensation failed")
