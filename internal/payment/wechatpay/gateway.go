package wechatpay

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/payment"

	"github.com/google/uuid"
	"github.com/wechatpay-apiv3/wechatpay-go/core"
	"github.com/wechatpay-apiv3/wechatpay-go/core/auth/verifiers"
	"github.com/wechatpay-apiv3/wechatpay-go/core/downloader"
	"github.com/wechatpay-apiv3/wechatpay-go/core/notify"
	"github.com/wechatpay-apiv3/wechatpay-go/utils"
)

// Option 网关可选项
type Option func(*Gateway)

// WithHTTPClient 指定底层 HTTP 客户端
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = client
	}
}

// WithNotifyHandler 指定回调验签处理器，默认使用平台证书下载器
func WithNotifyHandler(handler *notify.Handler) Option {
	return func(g *Gateway) {
		g.handler = handler
	}
}

// Gateway 微信支付渠道实现
type Gateway struct {
	cfg        *Config
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	client     *core.Client

	handlerMu sync.Mutex
	handler   *notify.Handler
	now       func() time.Time
}

// NewGateway 创建微信支付网关
func NewGateway(ctx context.Context, cfg Config, opts ...Option) (*Gateway, error) {
	cfg.normalize()
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	privateKey, err := parsePrivateKey(cfg.MerchantPrivateKey)
	if err != nil {
		return nil, err
	}
	g := &Gateway{cfg: &cfg, privateKey: privateKey, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := createAPIClient(ctx, g.cfg, privateKey, g.httpClient)
	if err != nil {
		return nil, err
	}
	g.client = client
	return g, nil
}

// Channel 渠道标识
func (g *Gateway) Channel() string {
	return constants.ChannelWechat
}

// Pay 下单并返回客户端凭证
func (g *Gateway) Pay(ctx context.Context, tradeType string, order payment.PayOrder) (payment.Credential, error) {
	credential, err := g.pay(ctx, strings.ToLower(strings.TrimSpace(tradeType)), order)
	return credential, payment.WrapError(constants.ChannelWechat, "pay", err)
}

func (g *Gateway) pay(ctx context.Context, tradeType string, order payment.PayOrder) (payment.Credential, error) {
	if strings.TrimSpace(order.OrderID) == "" || order.Amount <= 0 {
		return nil, fmt.Errorf("%w: order_id/amount is required", ErrConfigInvalid)
	}
	currency := pickFirstNonEmpty(order.Currency, constants.DefaultCurrency)
	payload := map[string]interface{}{
		"appid":        g.cfg.AppID,
		"mchid":        g.cfg.MerchantID,
		"description":  buildDescription(order.Subject, order.OrderID),
		"out_trade_no": order.OrderID,
		"notify_url":   pickFirstNonEmpty(order.NotifyURL, g.cfg.NotifyURL),
		"amount": map[string]interface{}{
			"total":    order.Amount,
			"currency": currency,
		},
	}
	if order.ExpireTime != nil {
		payload["time_expire"] = order.ExpireTime.Format(time.RFC3339)
	}
	clientIP := normalizeClientIP(order.ClientIP)

	switch tradeType {
	case constants.TradeTypeWeb, constants.TradeTypeScan:
		payload["scene_info"] = map[string]interface{}{"payer_client_ip": clientIP}
		raw, err := doPostJSON(ctx, g.client, g.cfg.BaseURL+pathNative, payload)
		if err != nil {
			return nil, err
		}
		codeURL := readString(raw, "code_url")
		if codeURL == "" {
			return nil, fmt.Errorf("%w: missing code_url", ErrResponseInvalid)
		}
		return payment.Credential{"code_url": codeURL}, nil
	case constants.TradeTypeWap:
		h5Info := map[string]interface{}{"type": g.cfg.H5Type}
		if g.cfg.H5WapName != "" {
			h5Info["app_name"] = g.cfg.H5WapName
		}
		if g.cfg.H5WapURL != "" {
			h5Info["app_url"] = g.cfg.H5WapURL
		}
		payload["scene_info"] = map[string]interface{}{
			"payer_client_ip": clientIP,
			"h5_info":         h5Info,
		}
		raw, err := doPostJSON(ctx, g.client, g.cfg.BaseURL+pathH5, payload)
		if err != nil {
			return nil, err
		}
		h5URL := readString(raw, "h5_url")
		if h5URL == "" {
			return nil, fmt.Errorf("%w: missing h5_url", ErrResponseInvalid)
		}
		return payment.Credential{
			"url": appendRedirectURL(h5URL, pickFirstNonEmpty(order.ReturnURL, g.cfg.H5RedirectURL)),
		}, nil
	case constants.TradeTypeApp:
		raw, err := doPostJSON(ctx, g.client, g.cfg.BaseURL+pathApp, payload)
		if err != nil {
			return nil, err
		}
		prepayID := readString(raw, "prepay_id")
		if prepayID == "" {
			return nil, fmt.Errorf("%w: missing prepay_id", ErrResponseInvalid)
		}
		return g.appCredential(prepayID)
	case constants.TradeTypeMini:
		openID := metadataString(order.Metadata, "openid")
		if openID == "" {
			return nil, fmt.Errorf("%w: metadata.openid is required for mini", ErrConfigInvalid)
		}
		payload["payer"] = map[string]interface{}{"openid": openID}
		raw, err := doPostJSON(ctx, g.client, g.cfg.BaseURL+pathJSAPI, payload)
		if err != nil {
			return nil, err
		}
		prepayID := readString(raw, "prepay_id")
		if prepayID == "" {
			return nil, fmt.Errorf("%w: missing prepay_id", ErrResponseInvalid)
		}
		return g.jsapiCredential(prepayID)
	default:
		return nil, fmt.Errorf("%w: wechat %s", payment.ErrTradeTypeUnsupported, tradeType)
	}
}

// SupportsTradeType 微信支付支持全部交易类型
func (g *Gateway) SupportsTradeType(tradeType string) bool {
	return constants.IsTradeType(tradeType)
}

func (g *Gateway) appCredential(prepayID string) (payment.Credential, error) {
	timestamp := strconv.FormatInt(g.now().Unix(), 10)
	nonce := newNonce()
	message := g.cfg.AppID + "\n" + timestamp + "\n" + nonce + "\n" + prepayID + "\n"
	sign, err := utils.SignSHA256WithRSA(message, g.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: sign app params failed", ErrConfigInvalid)
	}
	return payment.Credential{
		"appid":     g.cfg.AppID,
		"partnerid": g.cfg.MerchantID,
		"prepayid":  prepayID,
		"package":   "Sign=WXPay",
		"noncestr":  nonce,
		"timestamp": timestamp,
		"sign":      sign,
	}, nil
}

func (g *Gateway) jsapiCredential(prepayID string) (payment.Credential, error) {
	timestamp := strconv.FormatInt(g.now().Unix(), 10)
	nonce := newNonce()
	pkg := "prepay_id=" + prepayID
	message := g.cfg.AppID + "\n" + timestamp + "\n" + nonce + "\n" + pkg + "\n"
	sign, err := utils.SignSHA256WithRSA(message, g.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: sign jsapi params failed", ErrConfigInvalid)
	}
	return payment.Credential{
		"appId":     g.cfg.AppID,
		"timeStamp": timestamp,
		"nonceStr":  nonce,
		"package":   pkg,
		"signType":  "RSA",
		"paySign":   sign,
	}, nil
}

// Refund 申请退款
func (g *Gateway) Refund(ctx context.Context, order payment.RefundOrder) (*payment.RefundResult, error) {
	payload := map[string]interface{}{
		"out_refund_no": order.RefundID,
		"amount": map[string]interface{}{
			"refund":   order.Amount,
			"total":    order.TotalAmount,
			"currency": pickFirstNonEmpty(order.Currency, constants.DefaultCurrency),
		},
	}
	if order.ChargeTransactionNo != "" {
		payload["transaction_id"] = order.ChargeTransactionNo
	} else {
		payload["out_trade_no"] = order.ChargeID
	}
	if reason := strings.TrimSpace(order.Reason); reason != "" {
		payload["reason"] = reason
	}
	if notifyURL := pickFirstNonEmpty(order.NotifyURL, g.cfg.RefundNotifyURL); notifyURL != "" {
		payload["notify_url"] = notifyURL
	}
	raw, err := doPostJSON(ctx, g.client, g.cfg.BaseURL+pathRefund, payload)
	if err != nil {
		return nil, payment.WrapError(constants.ChannelWechat, "refund", err)
	}
	status, ok := refundStatus(readString(raw, "status"))
	if !ok {
		return nil, payment.WrapError(constants.ChannelWechat, "refund", fmt.Errorf("%w: unsupported refund status", ErrResponseInvalid))
	}
	return &payment.RefundResult{
		Status:        status,
		TransactionNo: readString(raw, "refund_id"),
		Raw:           raw,
	}, nil
}

// Transfer 发起单明细商家转账批次，结果以批次回调为准
func (g *Gateway) Transfer(ctx context.Context, order payment.TransferOrder) (*payment.TransferResult, error) {
	if order.RecipientAccount == "" {
		return nil, payment.WrapError(constants.ChannelWechat, "transfer", fmt.Errorf("%w: recipient openid is required", ErrConfigInvalid))
	}
	remark := pickFirstNonEmpty(order.Description, "企业付款")
	payload := map[string]interface{}{
		"appid":        g.cfg.AppID,
		"out_batch_no": order.TransferID,
		"batch_name":   remark,
		"batch_remark": remark,
		"total_amount": order.Amount,
		"total_num":    1,
		"transfer_detail_list": []map[string]interface{}{
			{
				"out_detail_no":   order.TransferID,
				"transfer_amount": order.Amount,
				"transfer_remark": remark,
				"openid":          order.RecipientAccount,
			},
		},
	}
	if notifyURL := pickFirstNonEmpty(order.NotifyURL, g.cfg.TransferNotifyURL); notifyURL != "" {
		payload["notify_url"] = notifyURL
	}
	raw, err := doPostJSON(ctx, g.client, g.cfg.BaseURL+pathTransfer, payload)
	if err != nil {
		return nil, payment.WrapError(constants.ChannelWechat, "transfer", err)
	}
	result := &payment.TransferResult{
		Status:        constants.TransferStatusPending,
		TransactionNo: readString(raw, "batch_id"),
		Raw:           raw,
	}
	if strings.EqualFold(readString(raw, "batch_status"), "CLOSED") {
		return nil, payment.WrapError(constants.ChannelWechat, "transfer", fmt.Errorf("%w: batch closed", ErrResponseInvalid))
	}
	return result, nil
}

// Close 关闭未支付订单
func (g *Gateway) Close(ctx context.Context, chargeID string) error {
	requestURL := g.cfg.BaseURL + fmt.Sprintf(pathClose, url.PathEscape(chargeID))
	err := doPostNoContent(ctx, g.client, requestURL, map[string]interface{}{"mchid": g.cfg.MerchantID})
	return payment.WrapError(constants.ChannelWechat, "close", err)
}

// Verify 验签解密回调报文
func (g *Gateway) Verify(ctx context.Context, req payment.NotifyRequest) (*payment.Notification, error) {
	notification, err := g.verify(ctx, req)
	return notification, payment.WrapError(constants.ChannelWechat, "verify", err)
}

func (g *Gateway) verify(ctx context.Context, req payment.NotifyRequest) (*payment.Notification, error) {
	if len(req.Body) == 0 {
		return nil, fmt.Errorf("%w: empty notify body", ErrResponseInvalid)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	handler, err := g.notifyHandler(ctx)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://notify.wechat.local/callback", bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: build notify request failed", ErrResponseInvalid)
	}
	for key, values := range req.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	content := map[string]interface{}{}
	notifyReq, err := handler.ParseNotifyRequest(ctx, httpReq, &content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	raw := map[string]interface{}{"resource": content}
	if notifyReq != nil {
		raw["id"] = notifyReq.ID
		raw["event_type"] = notifyReq.EventType
	}

	switch req.Kind {
	case constants.NotifyKindRefund:
		status, ok := refundStatus(readString(content, "refund_status"))
		if !ok {
			return nil, fmt.Errorf("%w: unsupported refund_status", ErrResponseInvalid)
		}
		notification := &payment.Notification{
			Kind:          constants.NotifyKindRefund,
			OrderID:       readString(content, "out_refund_no"),
			TransactionNo: readString(content, "refund_id"),
			Status:        refundNotifyStatus(status),
			Raw:           raw,
		}
		if amount, ok := readInt64(content, "amount", "refund"); ok {
			notification.Amount = amount
		}
		if notification.Status == payment.NotifyStatusFailed {
			notification.FailureCode = status
			notification.FailureMsg = "退款异常"
		}
		return requireOrderID(notification)
	case constants.NotifyKindTransfer:
		notification := &payment.Notification{
			Kind:          constants.NotifyKindTransfer,
			OrderID:       readString(content, "out_batch_no"),
			TransactionNo: readString(content, "batch_id"),
			Status:        payment.NotifyStatusPending,
			Raw:           raw,
		}
		successNum, _ := readInt64(content, "success_num")
		switch strings.ToUpper(readString(content, "batch_status")) {
		case "FINISHED":
			if successNum > 0 {
				notification.Status = payment.NotifyStatusSuccess
			} else {
				notification.Status = payment.NotifyStatusFailed
				notification.FailureCode = constants.FailureCodeFail
				notification.FailureMsg = "转账明细失败"
			}
		case "CLOSED":
			notification.Status = payment.NotifyStatusFailed
			notification.FailureCode = pickFirstNonEmpty(readString(content, "close_reason"), constants.FailureCodeFail)
			notification.FailureMsg = "转账批次已关闭"
		}
		return requireOrderID(notification)
	default:
		notification := &payment.Notification{
			Kind:          constants.NotifyKindCharge,
			OrderID:       readString(content, "out_trade_no"),
			TransactionNo: readString(content, "transaction_id"),
			Status:        tradeStateToNotify(readString(content, "trade_state")),
			Raw:           raw,
		}
		if amount, ok := readInt64(content, "amount", "total"); ok {
			notification.Amount = amount
		}
		if openID := readString(content, "payer", "openid"); openID != "" {
			notification.Payer = map[string]interface{}{"openid": openID}
		}
		if notification.Status == payment.NotifyStatusFailed {
			notification.FailureCode = readString(content, "trade_state")
			notification.FailureMsg = readString(content, "trade_state_desc")
		}
		return requireOrderID(notification)
	}
}

func (g *Gateway) notifyHandler(ctx context.Context) (*notify.Handler, error) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	if g.handler != nil {
		return g.handler, nil
	}
	mgr := downloader.MgrInstance()
	if !mgr.HasDownloader(ctx, g.cfg.MerchantID) {
		if err := mgr.RegisterDownloaderWithPrivateKey(ctx, g.privateKey, g.cfg.MerchantSerialNo, g.cfg.MerchantID, g.cfg.APIV3Key); err != nil {
			return nil, fmt.Errorf("%w: register certificate downloader failed: %w", ErrRequestFailed, err)
		}
	}
	verifier := verifiers.NewSHA256WithRSAVerifier(mgr.GetCertificateVisitor(g.cfg.MerchantID))
	handler, err := notify.NewRSANotifyHandler(g.cfg.APIV3Key, verifier)
	if err != nil {
		return nil, fmt.Errorf("%w: init notify handler failed", ErrConfigInvalid)
	}
	g.handler = handler
	return handler, nil
}

// Success 通知处理成功应答
func (g *Gateway) Success() payment.Ack {
	return jsonAck(http.StatusOK, "SUCCESS", "成功")
}

// Failure 通知处理失败应答，非 2xx 触发微信重发
func (g *Gateway) Failure(reason string) payment.Ack {
	return jsonAck(http.StatusInternalServerError, "FAIL", pickFirstNonEmpty(reason, "失败"))
}

func jsonAck(status int, code, message string) payment.Ack {
	body, _ := json.Marshal(map[string]string{"code": code, "message": message})
	return payment.Ack{StatusCode: status, ContentType: "application/json; charset=utf-8", Body: body}
}

func refundStatus(raw string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS":
		return constants.RefundStatusSuccess, true
	case "PROCESSING":
		return constants.RefundStatusProcessing, true
	case "CLOSED":
		return constants.RefundStatusClosed, true
	case "ABNORMAL":
		return constants.RefundStatusAbnormal, true
	default:
		return "", false
	}
}

func refundNotifyStatus(status string) string {
	switch status {
	case constants.RefundStatusSuccess:
		return payment.NotifyStatusSuccess
	case constants.RefundStatusClosed:
		return payment.NotifyStatusClosed
	case constants.RefundStatusAbnormal:
		return payment.NotifyStatusFailed
	default:
		return payment.NotifyStatusProcessing
	}
}

func tradeStateToNotify(state string) string {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "SUCCESS", "REFUND":
		return payment.NotifyStatusSuccess
	case "CLOSED":
		return payment.NotifyStatusClosed
	case "REVOKED":
		return payment.NotifyStatusRevoked
	case "PAYERROR":
		return payment.NotifyStatusFailed
	default:
		return payment.NotifyStatusPending
	}
}

func requireOrderID(notification *payment.Notification) (*payment.Notification, error) {
	if notification.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is empty", ErrResponseInvalid)
	}
	return notification, nil
}

func buildDescription(description string, orderID string) string {
	description = strings.TrimSpace(description)
	if description != "" {
		return description
	}
	return "订单 " + strings.TrimSpace(orderID)
}

func metadataString(metadata map[string]interface{}, key string) string {
	if metadata == nil {
		return ""
	}
	if value, ok := metadata[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
