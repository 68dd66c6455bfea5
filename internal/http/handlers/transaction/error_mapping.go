package transaction

import (
	"errors"

	"github.com/dujiao-next/transaction/internal/http/handlers/shared"
	"github.com/dujiao-next/transaction/internal/http/response"
	"github.com/dujiao-next/transaction/internal/service"

	"github.com/gin-gonic/gin"
)

// mappedHandlerError 定义业务错误到接口错误响应的映射关系。
type mappedHandlerError struct {
	target error
	code   int
	msg    string
}

func respondWithMappedError(c *gin.Context, err error, rules []mappedHandlerError, fallbackCode int, fallbackMsg string) {
	for _, rule := range rules {
		if errors.Is(err, rule.target) {
			msg := rule.msg
			if msg == "" {
				msg = err.Error()
			}
			shared.RespondError(c, rule.code, msg, nil)
			return
		}
	}
	shared.RespondError(c, fallbackCode, fallbackMsg, err)
}

// 校验类错误直接回显具体原因
var transactionErrorRules = []mappedHandlerError{
	{target: service.ErrValidation, code: response.CodeBadRequest},
	{target: service.ErrUnknownChannel, code: response.CodeBadRequest, msg: "交易渠道未启用"},
	{target: service.ErrNotFound, code: response.CodeNotFound},
	{target: service.ErrInvalidOperation, code: response.CodeConflict},
	{target: service.ErrGateway, code: response.CodeBadGateway, msg: "支付网关请求失败"},
}

func respondTransactionError(c *gin.Context, err error, fallbackMsg string) {
	respondWithMappedError(c, err, transactionErrorRules, response.CodeInternal, fallbackMsg)
}

// 同步跳转验签失败属于请求问题，不按网关故障返回
var callbackErrorRules = []mappedHandlerError{
	{target: service.ErrUnknownChannel, code: response.CodeNotFound, msg: "交易渠道未启用"},
	{target: service.ErrGateway, code: response.CodeBadRequest, msg: "支付结果校验失败"},
	{target: service.ErrNotFound, code: response.CodeNotFound},
}
