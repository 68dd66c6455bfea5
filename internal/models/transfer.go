package models

import (
	"time"

	"github.com/dujiao-next/transaction/internal/constants"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Transfer 企业付款记录，处理提现
type Transfer struct {
	ID            string            `gorm:"primaryKey;size:32" json:"id"`                         // 付款单ID
	Channel       string            `gorm:"size:32;index;not null" json:"channel"`                // 付款渠道
	Status        string            `gorm:"size:16;index;not null" json:"status"`                 // 状态
	SourceID      string            `gorm:"size:64;index:idx_transfer_source" json:"source_id"`   // 触发源ID
	SourceType    string            `gorm:"size:64;index:idx_transfer_source" json:"source_type"` // 触发源类型
	Amount        int64             `gorm:"not null" json:"amount"`                               // 金额（分）
	Currency      string            `gorm:"size:3;not null;default:CNY" json:"currency"`          // 币种
	Recipient     datatypes.JSONMap `gorm:"type:json" json:"recipient"`                           // 收款方信息
	Description   string            `gorm:"size:255" json:"description"`                          // 描述
	TransactionNo string            `gorm:"size:64;index" json:"transaction_no"`                  // 网关交易号
	FailureCode   string            `gorm:"size:64" json:"failure_code"`                          // 失败码
	FailureMsg    string            `gorm:"size:255" json:"failure_msg"`                          // 失败详情
	Metadata      datatypes.JSONMap `gorm:"type:json" json:"metadata"`                            // 元数据
	Extra         datatypes.JSONMap `gorm:"type:json" json:"extra"`                               // 扩展数据
	TransferredAt *time.Time        `json:"transferred_at"`                                       // 交易成功时间
	CreatedAt     time.Time         `gorm:"index" json:"created_at"`                              // 创建时间
	UpdatedAt     time.Time         `json:"updated_at"`                                           // 更新时间
	DeletedAt     gorm.DeletedAt    `gorm:"index" json:"-"`                                       // 软删除时间
}

// TableName 指定表名
func (Transfer) TableName() string {
	return "transaction_transfer"
}

// Paid 是否已经转账
func (t *Transfer) Paid() bool {
	return t != nil && t.Status == constants.TransferStatusSuccess
}

// Recipient 收款方描述
type Recipient struct {
	Account     string `json:"account"`
	AccountType string `json:"account_type"`
	Name        string `json:"name"`
}

// ToJSON 转换为 JSON 字段
func (r Recipient) ToJSON() datatypes.JSONMap {
	return datatypes.JSONMap{
		"account":      r.Account,
		"account_type": r.AccountType,
		"name":         r.Name,
	}
}

// RecipientFromJSON 从 JSON 字段解析收款方
func RecipientFromJSON(bag datatypes.JSONMap) Recipient {
	return Recipient{
		Account:     MetadataString(bag, "account"),
		AccountType: MetadataString(bag, "account_type"),
		Name:        MetadataString(bag, "name"),
	}
}
