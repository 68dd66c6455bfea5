package models

import (
	"strings"
	"time"

	"github.com/dujiao-next/transaction/internal/constants"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Charge 收单记录
type Charge struct {
	ID             string            `gorm:"primaryKey;size:32" json:"id"`                       // 收单流水号
	Channel        string            `gorm:"size:32;index;not null" json:"channel"`              // 交易渠道
	Type           string            `gorm:"size:16" json:"type"`                                // 交易类型
	TransactionNo  string            `gorm:"size:64;index" json:"transaction_no"`                // 支付网关交易号
	SourceID       string            `gorm:"size:64;index:idx_charge_source" json:"source_id"`   // 触发源ID
	SourceType     string            `gorm:"size:64;index:idx_charge_source" json:"source_type"` // 触发源类型
	Subject        string            `gorm:"size:255" json:"subject"`                            // 支付标题
	Body           string            `gorm:"type:text" json:"body"`                              // 描述
	TotalAmount    int64             `gorm:"not null" json:"total_amount"`                       // 支付金额（分）
	RefundedAmount int64             `gorm:"not null;default:0" json:"refunded_amount"`          // 已退金额（分）
	Currency       string            `gorm:"size:3;not null;default:CNY" json:"currency"`        // 币种
	State          string            `gorm:"size:16;index;not null" json:"state"`                // 交易状态
	ClientIP       string            `gorm:"size:64" json:"client_ip"`                           // 客户端IP
	Payer          datatypes.JSONMap `gorm:"type:json" json:"payer"`                             // 支付者信息
	Metadata       datatypes.JSONMap `gorm:"type:json" json:"metadata"`                          // 元数据
	Credential     datatypes.JSONMap `gorm:"type:json" json:"credential"`                        // 客户端支付凭证
	Extra          datatypes.JSONMap `gorm:"type:json" json:"extra"`                             // 渠道返回的额外信息
	FailureCode    string            `gorm:"size:64" json:"failure_code"`                        // 失败码
	FailureMsg     string            `gorm:"size:255" json:"failure_msg"`                        // 失败描述
	ExpireTime     *time.Time        `gorm:"index" json:"expire_time"`                           // 交易结束时间
	SuccessTime    *time.Time        `json:"success_time"`                                       // 支付完成时间
	CreatedAt      time.Time         `gorm:"index" json:"created_at"`                            // 创建时间
	UpdatedAt      time.Time         `json:"updated_at"`                                         // 更新时间
	DeletedAt      gorm.DeletedAt    `gorm:"index" json:"-"`                                     // 软删除时间
	Refunds        []Refund          `gorm:"foreignKey:ChargeID" json:"refunds,omitempty"`       // 退款记录
}

// TableName 指定表名
func (Charge) TableName() string {
	return "transaction_charges"
}

var chargeStateDescriptions = map[string]string{
	constants.ChargeStatePending:  "未支付",
	constants.ChargeStateSuccess:  "支付成功",
	constants.ChargeStateClosed:   "已关闭",
	constants.ChargeStateRevoked:  "已撤销",
	constants.ChargeStatePayError: "支付失败",
	constants.ChargeStateRefund:   "转入退款",
}

// Paid 是否已付款
func (c *Charge) Paid() bool {
	if c == nil {
		return false
	}
	return c.State == constants.ChargeStateSuccess || c.State == constants.ChargeStateRefund
}

// RefundableAmount 可退金额
func (c *Charge) RefundableAmount() int64 {
	if c == nil {
		return 0
	}
	return RefundableAmount(c.TotalAmount, c.RefundedAmount)
}

// StateDescription 交易状态描述
func (c *Charge) StateDescription() string {
	if c == nil {
		return ""
	}
	return ChargeStateDescription(c.State)
}

// ReturnURL 元数据中的同步跳转地址
func (c *Charge) ReturnURL() string {
	if c == nil {
		return ""
	}
	return MetadataString(c.Metadata, "return_url")
}

// ChargeStateDescription 状态描述查表
func ChargeStateDescription(state string) string {
	if desc, ok := chargeStateDescriptions[strings.ToUpper(strings.TrimSpace(state))]; ok {
		return desc
	}
	return "未知状态"
}

// MetadataString 读取 JSON 字段中的字符串
func MetadataString(bag datatypes.JSONMap, key string) string {
	if bag == nil {
		return ""
	}
	value, ok := bag[key]
	if !ok || value == nil {
		return ""
	}
	if str, ok := value.(string); ok {
		return strings.TrimSpace(str)
	}
	return ""
}
