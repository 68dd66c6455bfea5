package transaction

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dujiao-next/transaction/internal/http/handlers/shared"
	"github.com/dujiao-next/transaction/internal/http/response"
	"github.com/dujiao-next/transaction/internal/models"
	"github.com/dujiao-next/transaction/internal/repository"
	"github.com/dujiao-next/transaction/internal/service"

	"github.com/gin-gonic/gin"
)

// CreateChargeRequest 创建收单请求，金额单位为分
type CreateChargeRequest struct {
	Channel    string                 `json:"channel" binding:"required"`
	TradeType  string                 `json:"type"`
	Amount     int64                  `json:"amount" binding:"required"`
	Currency   string                 `json:"currency"`
	Subject    string                 `json:"subject" binding:"required"`
	Body       string                 `json:"body"`
	ClientIP   string                 `json:"client_ip"`
	Metadata   map[string]interface{} `json:"metadata"`
	SourceType string                 `json:"source_type"`
	SourceID   string                 `json:"source_id"`
	ExpireTime *time.Time             `json:"expire_time"`
}

// PrepayChargeRequest 预下单请求
type PrepayChargeRequest struct {
	TradeType string `json:"type" binding:"required"`
}

// RefundChargeRequest 退款请求，未指定金额时退还剩余可退金额
type RefundChargeRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

// ChargeStatus 对外收单状态
type ChargeStatus struct {
	ID             string     `json:"id"`
	Channel        string     `json:"channel"`
	State          string     `json:"state"`
	StateDesc      string     `json:"state_desc"`
	Paid           bool       `json:"paid"`
	TotalAmount    int64      `json:"total_amount"`
	RefundedAmount int64      `json:"refunded_amount"`
	Currency       string     `json:"currency"`
	TransactionNo  string     `json:"transaction_no"`
	SuccessTime    *time.Time `json:"success_time"`
}

// ChargeDetail 运营端收单详情
type ChargeDetail struct {
	models.Charge
	StateDesc        string      `json:"state_desc"`
	RefundableAmount int64       `json:"refundable_amount"`
	Source           interface{} `json:"source,omitempty"`
}

func newChargeStatus(charge *models.Charge) ChargeStatus {
	return ChargeStatus{
		ID:             charge.ID,
		Channel:        charge.Channel,
		State:          charge.State,
		StateDesc:      charge.StateDescription(),
		Paid:           charge.Paid(),
		TotalAmount:    charge.TotalAmount,
		RefundedAmount: charge.RefundedAmount,
		Currency:       charge.Currency,
		TransactionNo:  charge.TransactionNo,
		SuccessTime:    charge.SuccessTime,
	}
}

// QueryCharge 公开查询收单状态
func (h *Handler) QueryCharge(c *gin.Context) {
	charge, err := h.ChargeService.Query(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		respondTransactionError(c, err, "获取收单失败")
		return
	}
	response.Success(c, newChargeStatus(charge))
}

// CreateCharge 创建收单
func (h *Handler) CreateCharge(c *gin.Context) {
	var req CreateChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		shared.RespondError(c, response.CodeBadRequest, "请求参数错误", err)
		return
	}
	clientIP := strings.TrimSpace(req.ClientIP)
	if clientIP == "" {
		clientIP = c.ClientIP()
	}
	charge, err := h.ChargeService.Create(c.Request.Context(), service.CreateChargeInput{
		Channel:    req.Channel,
		TradeType:  req.TradeType,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Subject:    req.Subject,
		Body:       req.Body,
		ClientIP:   clientIP,
		Metadata:   req.Metadata,
		Source:     service.SourceRef{Type: req.SourceType, ID: req.SourceID},
		ExpireTime: req.ExpireTime,
	})
	if err != nil {
		respondTransactionError(c, err, "创建收单失败")
		return
	}
	response.Success(c, charge)
}

// ListCharges 分页查询收单
func (h *Handler) ListCharges(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	page, pageSize = shared.NormalizePagination(page, pageSize)

	createdFrom, err := parseTimeNullable(strings.TrimSpace(c.Query("created_from")))
	if err != nil {
		shared.RespondError(c, response.CodeBadRequest, "created_from 格式错误", err)
		return
	}
	createdTo, err := parseTimeNullable(strings.TrimSpace(c.Query("created_to")))
	if err != nil {
		shared.RespondError(c, response.CodeBadRequest, "created_to 格式错误", err)
		return
	}

	charges, total, err := h.ChargeService.List(c.Request.Context(), repository.ChargeListFilter{
		Page:          page,
		PageSize:      pageSize,
		Channel:       strings.ToLower(strings.TrimSpace(c.Query("channel"))),
		State:         strings.ToUpper(strings.TrimSpace(c.Query("state"))),
		SourceType:    strings.TrimSpace(c.Query("source_type")),
		SourceID:      strings.TrimSpace(c.Query("source_id")),
		Search:        strings.TrimSpace(c.Query("search")),
		MetadataKey:   strings.TrimSpace(c.Query("metadata_key")),
		MetadataValue: strings.TrimSpace(c.Query("metadata_value")),
		CreatedFrom:   createdFrom,
		CreatedTo:     createdTo,
	})
	if err != nil {
		shared.RespondError(c, response.CodeInternal, "获取收单列表失败", err)
		return
	}
	response.SuccessWithPage(c, charges, shared.BuildPagination(page, pageSize, total))
}

// GetCharge 收单详情，附带可解析的触发源
func (h *Handler) GetCharge(c *gin.Context) {
	charge, err := h.ChargeService.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		respondTransactionError(c, err, "获取收单失败")
		return
	}
	detail := ChargeDetail{
		Charge:           *charge,
		StateDesc:        charge.StateDescription(),
		RefundableAmount: charge.RefundableAmount(),
	}
	source, err := h.ChargeService.ResolveSource(c.Request.Context(), charge)
	switch {
	case err == nil:
		detail.Source = source
	case !errors.Is(err, service.ErrNotFound):
		shared.RequestLog(c).Warnw("charge_source_resolve_failed", "charge_id", charge.ID, "error", err)
	}
	response.Success(c, detail)
}

// PrepayCharge 对未指定交易类型的收单预下单
func (h *Handler) PrepayCharge(c *gin.Context) {
	var req PrepayChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		shared.RespondError(c, response.CodeBadRequest, "请求参数错误", err)
		return
	}
	charge, err := h.ChargeService.Prepay(c.Request.Context(), strings.TrimSpace(c.Param("id")), req.TradeType)
	if err != nil {
		respondTransactionError(c, err, "预下单失败")
		return
	}
	response.Success(c, charge)
}

// RefundCharge 发起退款
func (h *Handler) RefundCharge(c *gin.Context) {
	var req RefundChargeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			shared.RespondError(c, response.CodeBadRequest, "请求参数错误", err)
			return
		}
	}
	id := strings.TrimSpace(c.Param("id"))
	var (
		refund *models.Refund
		err    error
	)
	// 传入金额即按指定金额退款，非正数由退款校验拒绝
	if req.Amount != nil {
		refund, err = h.RefundService.Create(c.Request.Context(), service.CreateRefundInput{
			ChargeID: id,
			Amount:   *req.Amount,
			Reason:   req.Reason,
		})
	} else {
		refund, err = h.ChargeService.Refund(c.Request.Context(), id, req.Reason)
	}
	if err != nil {
		respondTransactionError(c, err, "发起退款失败")
		return
	}
	response.Success(c, refund)
}

// CloseCharge 关闭待支付收单
func (h *Handler) CloseCharge(c *gin.Context) {
	charge, err := h.ChargeService.Close(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		respondTransactionError(c, err, "关闭收单失败")
		return
	}
	response.Success(c, charge)
}

// ListChargeRefunds 收单下的退款记录
func (h *Handler) ListChargeRefunds(c *gin.Context) {
	refunds, err := h.RefundService.ListByCharge(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		respondTransactionError(c, err, "获取退款记录失败")
		return
	}
	response.Success(c, refunds)
}

// GetRefund 退款详情
func (h *Handler) GetRefund(c *gin.Context) {
	refund, err := h.RefundService.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		respondTransactionError(c, err, "获取退款失败")
		return
	}
	response.Success(c, refund)
}

func parseTimeNullable(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
