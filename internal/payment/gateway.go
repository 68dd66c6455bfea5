package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrGateway 网关调用失败（验签失败、响应异常、网络错误、超时）
	ErrGateway = errors.New("gateway error")
	// ErrUnknownChannel 未注册的交易渠道
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrTradeTypeUnsupported 渠道不支持的交易类型
	ErrTradeTypeUnsupported = errors.New("trade type unsupported")
)

// 通知归一化状态
const (
	NotifyStatusSuccess    = "SUCCESS"
	NotifyStatusFailed     = "FAILED"
	NotifyStatusClosed     = "CLOSED"
	NotifyStatusRevoked    = "REVOKED"
	NotifyStatusProcessing = "PROCESSING"
	NotifyStatusPending    = "PENDING"
)

// Credential 客户端支付凭证，形态由渠道决定
type Credential map[string]interface{}

// PayOrder 下单参数，金额单位为分
type PayOrder struct {
	OrderID    string
	Amount     int64
	Currency   string
	Subject    string
	Body       string
	ClientIP   string
	ExpireTime *time.Time
	NotifyURL  string
	ReturnURL  string
	Metadata   map[string]interface{}
}

// RefundOrder 退款参数
type RefundOrder struct {
	RefundID            string
	ChargeID            string
	ChargeTransactionNo string
	Amount              int64
	TotalAmount         int64
	Currency            string
	Reason              string
	NotifyURL           string
}

// RefundResult 退款受理结果，Status 取值为退款状态常量
type RefundResult struct {
	Status        string
	TransactionNo string
	Raw           map[string]interface{}
}

// TransferOrder 企业付款参数
type TransferOrder struct {
	TransferID       string
	Amount           int64
	Currency         string
	Description      string
	RecipientAccount string
	RecipientType    string
	RecipientName    string
	NotifyURL        string
}

// TransferResult 付款受理结果，Status 取值为付款状态常量
type TransferResult struct {
	Status        string
	TransactionNo string
	Raw           map[string]interface{}
}

// NotifyRequest 网关回调原始请求
type NotifyRequest struct {
	Kind    string
	Headers http.Header
	Body    []byte
	Form    url.Values
}

// Notification 验签后归一化的通知
type Notification struct {
	Kind          string
	OrderID       string
	TransactionNo string
	Status        string
	FailureCode   string
	FailureMsg    string
	Amount        int64
	Payer         map[string]interface{}
	Raw           map[string]interface{}
}

// Ack 回复网关的应答
type Ack struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Gateway 支付渠道能力
type Gateway interface {
	Channel() string
	Pay(ctx context.Context, tradeType string, order PayOrder) (Credential, error)
	Verify(ctx context.Context, req NotifyRequest) (*Notification, error)
	Refund(ctx context.Context, order RefundOrder) (*RefundResult, error)
	Transfer(ctx context.Context, order TransferOrder) (*TransferResult, error)
	Close(ctx context.Context, chargeID string) error
	Success() Ack
	Failure(reason string) Ack
}

// TradeTypeSupporter 声明所支持交易类型的渠道
type TradeTypeSupporter interface {
	SupportsTradeType(tradeType string) bool
}

// SupportsTradeType 渠道未声明时视为支持，由 Pay 返回 ErrTradeTypeUnsupported 兜底
func SupportsTradeType(gw Gateway, tradeType string) bool {
	if supporter, ok := gw.(TradeTypeSupporter); ok {
		return supporter.SupportsTradeType(tradeType)
	}
	return true
}

// Registry 渠道到网关实现的映射
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRegistry 创建网关注册表
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, gw := range gateways {
		r.Register(gw)
	}
	return r
}

// Register 注册网关，同渠道后注册的覆盖先注册的
func (r *Registry) Register(gw Gateway) {
	if gw == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[normalizeChannel(gw.Channel())] = gw
}

// Get 获取渠道网关
func (r *Registry) Get(channel string) (Gateway, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[normalizeChannel(channel)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return gw, nil
}

// Channels 已注册渠道
func (r *Registry) Channels() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := make([]string, 0, len(r.gateways))
	for channel := range r.gateways {
		channels = append(channels, channel)
	}
	return channels
}

// Wrap 对注册表中的每个网关套一层装饰
func (r *Registry) Wrap(decorate func(Gateway) Gateway) {
	if r == nil || decorate == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel, gw := range r.gateways {
		r.gateways[channel] = decorate(gw)
	}
}

// WrapError 将渠道包内错误统一包装为 ErrGateway
func WrapError(channel, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrGateway) || errors.Is(err, ErrTradeTypeUnsupported) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", ErrGateway, channel, op, err)
}

// IsTimeout 是否为超时类错误，超时不视为渠道拒绝
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func normalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}
