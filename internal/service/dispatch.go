package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/logger"
	"github.com/dujiao-next/transaction/internal/queue"

	"go.uber.org/zap"
)

const (
	defaultExpireAfter     = time.Hour
	defaultDispatchTimeout = 5 * time.Second
	defaultRedispatchDelay = 30 * time.Second
	maxCreateAttempts      = 3
)

// TaskScheduler 延迟任务投递能力，*queue.Client 实现该接口
type TaskScheduler interface {
	EnqueueChargeRedispatch(payload queue.ChargeRedispatchPayload, delay time.Duration) error
	EnqueueRefundRedispatch(payload queue.RefundRedispatchPayload, delay time.Duration) error
	EnqueueTransferRedispatch(payload queue.TransferRedispatchPayload, delay time.Duration) error
	EnqueueChargeExpire(payload queue.ChargeExpirePayload, delay time.Duration) error
}

// Options 交易服务运行参数
type Options struct {
	DefaultCurrency string
	ExpireAfter     time.Duration
	DispatchTimeout time.Duration
	RedispatchDelay time.Duration
	QueryCacheTTL   time.Duration
	NotifyLockTTL   time.Duration
	PublicBaseURL   string
}

func (o Options) normalized() Options {
	if strings.TrimSpace(o.DefaultCurrency) == "" {
		o.DefaultCurrency = constants.DefaultCurrency
	}
	if o.ExpireAfter <= 0 {
		o.ExpireAfter = defaultExpireAfter
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = defaultDispatchTimeout
	}
	if o.RedispatchDelay <= 0 {
		o.RedispatchDelay = defaultRedispatchDelay
	}
	o.PublicBaseURL = strings.TrimRight(strings.TrimSpace(o.PublicBaseURL), "/")
	return o
}

// callbackURL 拼接对外回调地址，未配置公网地址时交由渠道配置兜底
func (o Options) callbackURL(format string, args ...interface{}) string {
	if o.PublicBaseURL == "" {
		return ""
	}
	return o.PublicBaseURL + fmt.Sprintf(format, args...)
}

func (o Options) withDispatchTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.DispatchTimeout)
}

func serviceLogger(kv ...interface{}) *zap.SugaredLogger {
	if len(kv) == 0 {
		return logger.S()
	}
	return logger.SW(kv...)
}

func truncate(text string, limit int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit])
}

func normalizeCurrency(currency, fallback string) (string, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = fallback
	}
	if len(currency) != 3 {
		return "", ErrCurrencyInvalid
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return "", ErrCurrencyInvalid
		}
	}
	return currency, nil
}
