package transaction

import (
	"strconv"
	"strings"

	"github.com/dujiao-next/transaction/internal/http/handlers/shared"
	"github.com/dujiao-next/transaction/internal/http/response"
	"github.com/dujiao-next/transaction/internal/models"
	"github.com/dujiao-next/transaction/internal/repository"
	"github.com/dujiao-next/transaction/internal/service"

	"github.com/gin-gonic/gin"
)

// CreateTransferRequest 创建企业付款请求，金额单位为分
type CreateTransferRequest struct {
	Channel     string                 `json:"channel" binding:"required"`
	Amount      int64                  `json:"amount" binding:"required"`
	Currency    string                 `json:"currency"`
	Recipient   models.Recipient       `json:"recipient"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata"`
	SourceType  string                 `json:"source_type"`
	SourceID    string                 `json:"source_id"`
}

// CreateTransfer 创建企业付款
func (h *Handler) CreateTransfer(c *gin.Context) {
	var req CreateTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		shared.RespondError(c, response.CodeBadRequest, "请求参数错误", err)
		return
	}
	transfer, err := h.TransferService.Create(c.Request.Context(), service.CreateTransferInput{
		Channel:     req.Channel,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Recipient:   req.Recipient,
		Description: req.Description,
		Metadata:    req.Metadata,
		Source:      service.SourceRef{Type: req.SourceType, ID: req.SourceID},
	})
	if err != nil {
		respondTransactionError(c, err, "创建企业付款失败")
		return
	}
	response.Success(c, transfer)
}

// ListTransfers 分页查询企业付款
func (h *Handler) ListTransfers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	page, pageSize = shared.NormalizePagination(page, pageSize)

	transfers, total, err := h.TransferService.List(c.Request.Context(), repository.TransferListFilter{
		Page:       page,
		PageSize:   pageSize,
		Channel:    strings.ToLower(strings.TrimSpace(c.Query("channel"))),
		Status:     strings.ToUpper(strings.TrimSpace(c.Query("status"))),
		SourceType: strings.TrimSpace(c.Query("source_type")),
		SourceID:   strings.TrimSpace(c.Query("source_id")),
	})
	if err != nil {
		shared.RespondError(c, response.CodeInternal, "获取企业付款列表失败", err)
		return
	}
	response.SuccessWithPage(c, transfers, shared.BuildPagination(page, pageSize, total))
}

// GetTransfer 企业付款详情
func (h *Handler) GetTransfer(c *gin.Context) {
	transfer, err := h.TransferService.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		respondTransactionError(c, err, "获取企业付款失败")
		return
	}
	response.Success(c, transfer)
}
