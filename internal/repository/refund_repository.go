package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/models"

	"gorm.io/gorm"
)

// RefundRepository 退款数据访问接口
type RefundRepository interface {
	Create(refund *models.Refund) error
	GetByID(id string) (*models.Refund, error)
	Exists(id string) (bool, error)
	Transition(id string, from []string, fields map[string]interface{}) (bool, error)
	ListByChargeID(chargeID string) ([]models.Refund, error)
	ListStalePending(before time.Time, limit int) ([]models.Refund, error)
	WithTx(tx *gorm.DB) *GormRefundRepository
}

// GormRefundRepository GORM 实现
type GormRefundRepository struct {
	db *gorm.DB
}

// NewRefundRepository 创建退款仓库
func NewRefundRepository(db *gorm.DB) *GormRefundRepository {
	return &GormRefundRepository{db: db}
}

// WithTx 绑定事务
func (r *GormRefundRepository) WithTx(tx *gorm.DB) *GormRefundRepository {
	if tx == nil {
		return r
	}
	return &GormRefundRepository{db: tx}
}

// Create 创建退款
func (r *GormRefundRepository) Create(refund *models.Refund) error {
	return r.db.Create(refund).Error
}

// GetByID 根据流水号获取退款
func (r *GormRefundRepository) GetByID(id string) (*models.Refund, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var refund models.Refund
	if err := r.db.Where("id = ?", id).First(&refund).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &refund, nil
}

// Exists 流水号是否已被占用
func (r *GormRefundRepository) Exists(id string) (bool, error) {
	var count int64
	if err := r.db.Unscoped().Model(&models.Refund{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Transition 条件更新：仅当当前状态处于 from 中时写入 fields
func (r *GormRefundRepository) Transition(id string, from []string, fields map[string]interface{}) (bool, error) {
	if len(from) == 0 || len(fields) == 0 {
		return false, nil
	}
	result := r.db.Model(&models.Refund{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(fields)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListByChargeID 获取收单下的退款记录
func (r *GormRefundRepository) ListByChargeID(chargeID string) ([]models.Refund, error) {
	var refunds []models.Refund
	if err := r.db.Where("charge_id = ?", chargeID).Order("created_at desc").Find(&refunds).Error; err != nil {
		return nil, err
	}
	return refunds, nil
}

// ListStalePending 获取长时间停留在待处理的退款
func (r *GormRefundRepository) ListStalePending(before time.Time, limit int) ([]models.Refund, error) {
	query := r.db.Where("status = ? AND created_at <= ?", constants.RefundStatusPending, before).
		Order("created_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var refunds []models.Refund
	if err := query.Find(&refunds).Error; err != nil {
		return nil, err
	}
	return refunds, nil
}
