package constants

// 交易渠道常量
const (
	ChannelWechat = "wechat"
	ChannelAlipay = "alipay"
)

// 交易类型常量（渠道子类型）
const (
	TradeTypeWeb  = "web"
	TradeTypeWap  = "wap"
	TradeTypeApp  = "app"
	TradeTypeScan = "scan"
	TradeTypeMini = "mini"
)

// IsTradeType 是否为已知交易类型
func IsTradeType(tradeType string) bool {
	switch tradeType {
	case TradeTypeWeb, TradeTypeWap, TradeTypeApp, TradeTypeScan, TradeTypeMini:
		return true
	}
	return false
}

// 收单状态常量
const (
	ChargeStatePending  = "PENDING"
	ChargeStateSuccess  = "SUCCESS"
	ChargeStateClosed   = "CLOSED"
	ChargeStateRevoked  = "REVOKED"
	ChargeStatePayError = "PAYERROR"
	ChargeStateRefund   = "REFUND"
)

// 退款状态常量
const (
	RefundStatusPending    = "PENDING"
	RefundStatusProcessing = "PROCESSING"
	RefundStatusSuccess    = "SUCCESS"
	RefundStatusClosed     = "CLOSED"
	RefundStatusAbnormal   = "ABNORMAL"
)

// 企业付款状态常量
const (
	TransferStatusPending  = "PENDING"
	TransferStatusSuccess  = "SUCCESS"
	TransferStatusAbnormal = "ABNORMAL"
)

// 默认币种
const DefaultCurrency = "CNY"

// 失败码
const (
	FailureCodeFail    = "FAIL"
	FailureCodeTimeout = "TIMEOUT"
)

// 收款账户类型
const (
	AccountTypeAlipayLogonID = "ALIPAY_LOGON_ID"
	AccountTypeAlipayUserID  = "ALIPAY_USER_ID"
	AccountTypeWechatOpenID  = "OPENID"
)

// 支付宝状态与应答常量
const (
	AlipayTradeStatusSuccess      = "TRADE_SUCCESS"
	AlipayTradeStatusFinished     = "TRADE_FINISHED"
	AlipayTradeStatusClosed       = "TRADE_CLOSED"
	AlipayTradeStatusWaitBuyerPay = "WAIT_BUYER_PAY"
	AlipayCallbackSuccess         = "success"
	AlipayCallbackFail            = "fail"
)

// 通知类型
const (
	NotifyKindCharge   = "charge"
	NotifyKindRefund   = "refund"
	NotifyKindTransfer = "transfer"
)

// 队列任务常量
const (
	QueueDefault           = "default"
	QueueCritical          = "critical"
	TaskChargeRedispatch   = "transaction:charge_redispatch"
	TaskRefundRedispatch   = "transaction:refund_redispatch"
	TaskTransferRedispatch = "transaction:transfer_redispatch"
	TaskChargeExpire       = "transaction:charge_expire"
)

// 内置触发源类型
const SourceTypeTransactionCharge = "transaction_charge"
