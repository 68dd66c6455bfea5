package alipay

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/payment"
)

// Gateway 支付宝渠道实现
type Gateway struct {
	cfg    *Config
	client *http.Client
}

// NewGateway 创建支付宝网关，client 为空时使用默认客户端
func NewGateway(cfg Config, client *http.Client) (*Gateway, error) {
	cfg.normalize()
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Gateway{cfg: &cfg, client: client}, nil
}

// Channel 渠道标识
func (g *Gateway) Channel() string {
	return constants.ChannelAlipay
}

// Pay 下单并返回客户端凭证
func (g *Gateway) Pay(ctx context.Context, tradeType string, order payment.PayOrder) (payment.Credential, error) {
	credential, err := g.pay(ctx, strings.ToLower(strings.TrimSpace(tradeType)), order)
	return credential, payment.WrapError(constants.ChannelAlipay, "pay", err)
}

func (g *Gateway) pay(ctx context.Context, tradeType string, order payment.PayOrder) (payment.Credential, error) {
	if strings.TrimSpace(order.OrderID) == "" || order.Amount <= 0 {
		return nil, fmt.Errorf("%w: order_id/amount is required", ErrConfigInvalid)
	}
	biz := map[string]interface{}{
		"out_trade_no": order.OrderID,
		"total_amount": FormatAmount(order.Amount),
		"subject":      pickSubject(order),
	}
	if body := strings.TrimSpace(order.Body); body != "" {
		biz["body"] = body
	}
	if order.ExpireTime != nil {
		biz["time_expire"] = order.ExpireTime.Format("2006-01-02 15:04:05")
	}
	notifyURL := firstNonEmpty(order.NotifyURL, g.cfg.NotifyURL)
	returnURL := firstNonEmpty(order.ReturnURL, g.cfg.ReturnURL)

	switch tradeType {
	case constants.TradeTypeWeb, constants.TradeTypeWap:
		method := MethodPagePay
		biz["product_code"] = "FAST_INSTANT_TRADE_PAY"
		if tradeType == constants.TradeTypeWap {
			method = MethodWapPay
			biz["product_code"] = "QUICK_WAP_WAY"
			if returnURL != "" {
				biz["quit_url"] = returnURL
			}
		}
		params, err := BuildParams(g.cfg, method, biz, map[string]string{
			"notify_url": notifyURL,
			"return_url": returnURL,
		})
		if err != nil {
			return nil, err
		}
		return payment.Credential{
			"url":  buildGatewayPayURL(g.cfg.GatewayURL, params),
			"html": buildAutoSubmitForm(g.cfg.GatewayURL, params),
		}, nil
	case constants.TradeTypeApp:
		biz["product_code"] = "QUICK_MSECURITY_PAY"
		params, err := BuildParams(g.cfg, MethodAppPay, biz, map[string]string{"notify_url": notifyURL})
		if err != nil {
			return nil, err
		}
		credential := payment.Credential{}
		for key, value := range params {
			credential[key] = value
		}
		credential["order_string"] = encodeParams(params).Encode()
		return credential, nil
	case constants.TradeTypeScan:
		biz["product_code"] = "FACE_TO_FACE_PAYMENT"
		resp, err := Invoke(ctx, g.client, g.cfg, MethodPrecreate, biz, map[string]string{"notify_url": notifyURL})
		if err != nil {
			return nil, err
		}
		if !resp.Success() {
			return nil, fmt.Errorf("%w: %s", ErrResponseInvalid, resp.Message())
		}
		qrCode := strings.TrimSpace(readString(resp.Node, "qr_code"))
		if qrCode == "" {
			return nil, fmt.Errorf("%w: qr_code is empty", ErrResponseInvalid)
		}
		return payment.Credential{
			"qr_code":      qrCode,
			"out_trade_no": firstNonEmpty(readString(resp.Node, "out_trade_no"), order.OrderID),
		}, nil
	default:
		return nil, fmt.Errorf("%w: alipay %s", payment.ErrTradeTypeUnsupported, tradeType)
	}
}

// SupportsTradeType 支付宝不支持小程序支付
func (g *Gateway) SupportsTradeType(tradeType string) bool {
	switch tradeType {
	case constants.TradeTypeWeb, constants.TradeTypeWap, constants.TradeTypeApp, constants.TradeTypeScan:
		return true
	}
	return false
}

// Verify 验签并解析异步通知
func (g *Gateway) Verify(_ context.Context, req payment.NotifyRequest) (*payment.Notification, error) {
	notification, err := g.verify(req)
	return notification, payment.WrapError(constants.ChannelAlipay, "verify", err)
}

func (g *Gateway) verify(req payment.NotifyRequest) (*payment.Notification, error) {
	form := req.Form
	if len(form) == 0 && len(req.Body) > 0 {
		parsed, err := url.ParseQuery(string(req.Body))
		if err != nil {
			return nil, fmt.Errorf("%w: parse notify body failed", ErrSignatureInvalid)
		}
		form = parsed
	}
	if err := VerifyCallback(g.cfg, form); err != nil {
		return nil, err
	}
	if appID := strings.TrimSpace(form.Get("app_id")); appID != "" && appID != g.cfg.AppID {
		return nil, fmt.Errorf("%w: app_id mismatch", ErrSignatureInvalid)
	}
	raw := flattenForm(form)

	switch req.Kind {
	case constants.NotifyKindRefund:
		notification := &payment.Notification{
			Kind:          constants.NotifyKindRefund,
			OrderID:       strings.TrimSpace(form.Get("out_biz_no")),
			TransactionNo: strings.TrimSpace(form.Get("trade_no")),
			Status:        payment.NotifyStatusPending,
			Raw:           raw,
		}
		if refundFee := strings.TrimSpace(form.Get("refund_fee")); refundFee != "" {
			notification.Status = payment.NotifyStatusSuccess
			if amount, err := ParseAmount(refundFee); err == nil {
				notification.Amount = amount
			}
		}
		return requireOrderID(notification)
	case constants.NotifyKindTransfer:
		return parseTransferNotify(form.Get("biz_content"), raw)
	default:
		notification := &payment.Notification{
			Kind:          constants.NotifyKindCharge,
			OrderID:       strings.TrimSpace(form.Get("out_trade_no")),
			TransactionNo: strings.TrimSpace(form.Get("trade_no")),
			Status:        tradeStatusToNotify(form.Get("trade_status")),
			Payer: map[string]interface{}{
				"buyer_id":       strings.TrimSpace(form.Get("buyer_id")),
				"buyer_logon_id": strings.TrimSpace(form.Get("buyer_logon_id")),
			},
			Raw: raw,
		}
		if amount, err := ParseAmount(form.Get("total_amount")); err == nil {
			notification.Amount = amount
		}
		return requireOrderID(notification)
	}
}

// Refund 发起退款，同步受理成功即视为退款成功
func (g *Gateway) Refund(ctx context.Context, order payment.RefundOrder) (*payment.RefundResult, error) {
	biz := map[string]interface{}{
		"out_trade_no":   order.ChargeID,
		"refund_amount":  FormatAmount(order.Amount),
		"refund_reason":  order.Reason,
		"out_request_no": order.RefundID,
	}
	if order.ChargeTransactionNo != "" {
		biz["trade_no"] = order.ChargeTransactionNo
	}
	if order.Currency != "" {
		biz["refund_currency"] = order.Currency
	}
	resp, err := Invoke(ctx, g.client, g.cfg, MethodRefund, biz, nil)
	if err != nil {
		return nil, payment.WrapError(constants.ChannelAlipay, "refund", err)
	}
	if !resp.Success() {
		return nil, payment.WrapError(constants.ChannelAlipay, "refund", fmt.Errorf("%w: %s", ErrResponseInvalid, resp.Message()))
	}
	return &payment.RefundResult{
		Status:        constants.RefundStatusSuccess,
		TransactionNo: strings.TrimSpace(readString(resp.Node, "trade_no")),
		Raw:           resp.Node,
	}, nil
}

// Transfer 单笔转账到支付宝账户
func (g *Gateway) Transfer(ctx context.Context, order payment.TransferOrder) (*payment.TransferResult, error) {
	identityType := order.RecipientType
	if identityType == "" {
		identityType = constants.AccountTypeAlipayLogonID
	}
	payee := map[string]interface{}{
		"identity":      order.RecipientAccount,
		"identity_type": identityType,
	}
	if order.RecipientName != "" {
		payee["name"] = order.RecipientName
	}
	biz := map[string]interface{}{
		"out_biz_no":   order.TransferID,
		"trans_amount": FormatAmount(order.Amount),
		"product_code": "TRANS_ACCOUNT_NO_PWD",
		"biz_scene":    "DIRECT_TRANSFER",
		"order_title":  firstNonEmpty(order.Description, "企业付款 "+order.TransferID),
		"payee_info":   payee,
	}
	resp, err := Invoke(ctx, g.client, g.cfg, MethodTransfer, biz, nil)
	if err != nil {
		return nil, payment.WrapError(constants.ChannelAlipay, "transfer", err)
	}
	if !resp.Success() {
		return nil, payment.WrapError(constants.ChannelAlipay, "transfer", fmt.Errorf("%w: %s", ErrResponseInvalid, resp.Message()))
	}
	result := &payment.TransferResult{
		Status:        constants.TransferStatusPending,
		TransactionNo: strings.TrimSpace(readString(resp.Node, "order_id")),
		Raw:           resp.Node,
	}
	switch strings.ToUpper(strings.TrimSpace(readString(resp.Node, "status"))) {
	case "SUCCESS":
		result.Status = constants.TransferStatusSuccess
	case "FAIL":
		return nil, payment.WrapError(constants.ChannelAlipay, "transfer", fmt.Errorf("%w: transfer status FAIL", ErrResponseInvalid))
	}
	return result, nil
}

// Close 关闭未支付交易，交易在支付宝侧不存在时视为已关闭
func (g *Gateway) Close(ctx context.Context, chargeID string) error {
	resp, err := Invoke(ctx, g.client, g.cfg, MethodClose, map[string]interface{}{"out_trade_no": chargeID}, nil)
	if err != nil {
		return payment.WrapError(constants.ChannelAlipay, "close", err)
	}
	if resp.Success() || resp.SubCode() == tradeNotExistCode {
		return nil
	}
	return payment.WrapError(constants.ChannelAlipay, "close", fmt.Errorf("%w: %s", ErrResponseInvalid, resp.Message()))
}

// Success 通知处理成功应答
func (g *Gateway) Success() payment.Ack {
	return payment.Ack{StatusCode: http.StatusOK, ContentType: "text/plain; charset=utf-8", Body: []byte(constants.AlipayCallbackSuccess)}
}

// Failure 通知处理失败应答，支付宝会按策略重发
func (g *Gateway) Failure(string) payment.Ack {
	return payment.Ack{StatusCode: http.StatusOK, ContentType: "text/plain; charset=utf-8", Body: []byte(constants.AlipayCallbackFail)}
}

func parseTransferNotify(bizContent string, raw map[string]interface{}) (*payment.Notification, error) {
	biz := map[string]interface{}{}
	if err := json.Unmarshal([]byte(bizContent), &biz); err != nil {
		return nil, fmt.Errorf("%w: decode biz_content failed", ErrResponseInvalid)
	}
	raw["biz_content"] = biz
	notification := &payment.Notification{
		Kind:          constants.NotifyKindTransfer,
		OrderID:       strings.TrimSpace(readString(biz, "out_biz_no")),
		TransactionNo: strings.TrimSpace(readString(biz, "order_id")),
		Status:        payment.NotifyStatusPending,
		Raw:           raw,
	}
	switch strings.ToUpper(strings.TrimSpace(readString(biz, "status"))) {
	case "SUCCESS":
		notification.Status = payment.NotifyStatusSuccess
	case "FAIL", "CLOSED", "REFUND":
		notification.Status = payment.NotifyStatusFailed
		notification.FailureCode = firstNonEmpty(readString(biz, "error_code"), constants.FailureCodeFail)
		notification.FailureMsg = readString(biz, "fail_reason")
	}
	return requireOrderID(notification)
}

func tradeStatusToNotify(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case constants.AlipayTradeStatusSuccess, constants.AlipayTradeStatusFinished:
		return payment.NotifyStatusSuccess
	case constants.AlipayTradeStatusClosed:
		return payment.NotifyStatusClosed
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

func buildAutoSubmitForm(gatewayURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<form id="alipaysubmit" name="alipaysubmit" action="`)
	b.WriteString(html.EscapeString(gatewayURL + "?charset=utf-8"))
	b.WriteString(`" method="POST">`)
	for _, key := range keys {
		value := strings.TrimSpace(params[key])
		if value == "" {
			continue
		}
		b.WriteString(`<input type="hidden" name="`)
		b.WriteString(html.EscapeString(key))
		b.WriteString(`" value="`)
		b.WriteString(html.EscapeString(value))
		b.WriteString(`"/>`)
	}
	b.WriteString(`<input type="submit" value="ok" style="display:none;"></form>`)
	b.WriteString(`<script>document.forms['alipaysubmit'].submit();</script>`)
	return b.String()
}

func flattenForm(form url.Values) map[string]interface{} {
	raw := make(map[string]interface{}, len(form))
	for key := range form {
		raw[key] = form.Get(key)
	}
	return raw
}

func pickSubject(order payment.PayOrder) string {
	return firstNonEmpty(order.Subject, order.OrderID)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
