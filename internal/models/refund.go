package models

import (
	"time"

	"github.com/dujiao-next/transaction/internal/constants"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Refund 退款记录
type Refund struct {
	ID            string            `gorm:"primaryKey;size:32" json:"id"`            // 退款流水号
	ChargeID      string            `gorm:"size:32;index;not null" json:"charge_id"` // 收单流水号
	TransactionNo string            `gorm:"size:64;index" json:"transaction_no"`     // 网关流水号
	Amount        int64             `gorm:"not null" json:"amount"`                  // 退款金额（分）
	Reason        string            `gorm:"size:255" json:"reason"`                  // 退款描述
	Status        string            `gorm:"size:16;index;not null" json:"status"`    // 退款状态
	FailureCode   string            `gorm:"size:64" json:"failure_code"`             // 失败码
	FailureMsg    string            `gorm:"size:255" json:"failure_msg"`             // 失败描述
	Extra         datatypes.JSONMap `gorm:"type:json" json:"extra"`                  // 渠道返回的额外信息
	SuccessTime   *time.Time        `json:"success_time"`                            // 退款成功时间
	CreatedAt     time.Time         `gorm:"index" json:"created_at"`                 // 创建时间
	UpdatedAt     time.Time         `json:"updated_at"`                              // 更新时间
	DeletedAt     gorm.DeletedAt    `gorm:"index" json:"-"`                          // 软删除时间
	Charge        *Charge           `gorm:"foreignKey:ChargeID" json:"charge,omitempty"`
}

// TableName 指定表名
func (Refund) TableName() string {
	return "transaction_refunds"
}

// Succeed 退款是否成功
func (r *Refund) Succeed() bool {
	return r != nil && r.Status == constants.RefundStatusSuccess
}

// Terminal 是否处于终态
func (r *Refund) Terminal() bool {
	if r == nil {
		return false
	}
	switch r.Status {
	case constants.RefundStatusSuccess, constants.RefundStatusClosed, constants.RefundStatusAbnormal:
		return true
	default:
		return false
	}
}
