package transaction

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/http/handlers/shared"
	"github.com/dujiao-next/transaction/internal/http/response"
	"github.com/dujiao-next/transaction/internal/payment"
	"github.com/dujiao-next/transaction/internal/service"

	"github.com/gin-gonic/gin"
)

// 网关通知报文上限
const maxNotifyBodyBytes = 1 << 20

const callbackLogValueLimit = 512

// NotifyCharge 收单异步通知
func (h *Handler) NotifyCharge(c *gin.Context) {
	h.handleNotify(c, constants.NotifyKindCharge)
}

// NotifyRefund 退款异步通知
func (h *Handler) NotifyRefund(c *gin.Context) {
	h.handleNotify(c, constants.NotifyKindRefund)
}

// NotifyTransfer 企业付款异步通知
func (h *Handler) NotifyTransfer(c *gin.Context) {
	h.handleNotify(c, constants.NotifyKindTransfer)
}

func (h *Handler) handleNotify(c *gin.Context, kind string) {
	channel := strings.ToLower(strings.TrimSpace(c.Param("channel")))
	log := shared.RequestLog(c).With("channel", channel, "kind", kind)
	log.Infow("notify_received",
		"method", c.Request.Method,
		"client_ip", c.ClientIP(),
		"content_type", strings.TrimSpace(c.GetHeader("Content-Type")),
	)

	req, err := readNotifyRequest(c, kind)
	if err != nil {
		log.Warnw("notify_read_failed", "error", err)
		h.Metrics.ObserveNotify(channel, kind, "bad_request")
		c.String(http.StatusBadRequest, "bad request")
		return
	}

	outcome, err := h.Reconciler.Handle(c.Request.Context(), channel, req)
	h.Metrics.ObserveNotify(channel, kind, notifyOutcomeLabel(outcome, err))
	if err != nil {
		log.Warnw("notify_rejected",
			"error", err,
			"raw_body", callbackRawBodyForLog(req.Body),
		)
	}
	writeAck(c, outcome.Ack)
}

func notifyOutcomeLabel(outcome service.NotifyOutcome, err error) string {
	switch {
	case err == nil && outcome.Applied:
		return "applied"
	case err == nil:
		return "duplicate"
	case errors.Is(err, service.ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, service.ErrNotFound):
		return "not_found"
	case errors.Is(err, service.ErrGateway):
		return "verify_failed"
	default:
		return "error"
	}
}

// readNotifyRequest 读取原始报文，表单同时从 query 与 body 解析
func readNotifyRequest(c *gin.Context, kind string) (payment.NotifyRequest, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotifyBodyBytes))
	if err != nil {
		return payment.NotifyRequest{}, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if err := c.Request.ParseForm(); err != nil {
		return payment.NotifyRequest{}, err
	}
	return payment.NotifyRequest{
		Kind:    kind,
		Headers: c.Request.Header.Clone(),
		Body:    body,
		Form:    c.Request.Form,
	}, nil
}

func writeAck(c *gin.Context, ack payment.Ack) {
	status := ack.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	contentType := ack.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	c.Data(status, contentType, ack.Body)
}

// CallbackCharge 浏览器同步跳转：有 return_url 时重定向，否则返回收单状态
func (h *Handler) CallbackCharge(c *gin.Context) {
	channel := strings.ToLower(strings.TrimSpace(c.Param("channel")))
	req, err := readNotifyRequest(c, constants.NotifyKindCharge)
	if err != nil {
		shared.RespondError(c, response.CodeBadRequest, "请求参数错误", err)
		return
	}
	charge, err := h.Reconciler.HandleReturn(c.Request.Context(), channel, req)
	if err != nil {
		respondWithMappedError(c, err, callbackErrorRules, response.CodeInternal, "支付结果校验失败")
		return
	}
	if returnURL := charge.ReturnURL(); returnURL != "" {
		c.Redirect(http.StatusFound, returnURL)
		return
	}
	response.Success(c, newChargeStatus(charge))
}

// SuccessCharge 支付完成页：已支付且有 return_url 时重定向，否则返回收单状态
func (h *Handler) SuccessCharge(c *gin.Context) {
	charge, err := h.ChargeService.Query(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		respondTransactionError(c, err, "获取收单失败")
		return
	}
	if returnURL := charge.ReturnURL(); charge.Paid() && returnURL != "" {
		c.Redirect(http.StatusFound, returnURL)
		return
	}
	response.Success(c, newChargeStatus(charge))
}

func truncateCallbackLogValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) <= callbackLogValueLimit {
		return raw
	}
	return raw[:callbackLogValueLimit] + "...(truncated)"
}

func callbackRawBodyForLog(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return truncateCallbackLogValue(string(body))
}
