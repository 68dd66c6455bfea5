package repository

import (
	"errors"
	"strings"

	"github.com/dujiao-next/transaction/internal/models"

	"gorm.io/gorm"
)

// TransferRepository 企业付款数据访问接口
type TransferRepository interface {
	Create(transfer *models.Transfer) error
	GetByID(id string) (*models.Transfer, error)
	Exists(id string) (bool, error)
	Transition(id string, from []string, fields map[string]interface{}) (bool, error)
	List(filter TransferListFilter) ([]models.Transfer, int64, error)
	WithTx(tx *gorm.DB) *GormTransferRepository
}

// GormTransferRepository GORM 实现
type GormTransferRepository struct {
	db *gorm.DB
}

// NewTransferRepository 创建企业付款仓库
func NewTransferRepository(db *gorm.DB) *GormTransferRepository {
	return &GormTransferRepository{db: db}
}

// WithTx 绑定事务
func (r *GormTransferRepository) WithTx(tx *gorm.DB) *GormTransferRepository {
	if tx == nil {
		return r
	}
	return &GormTransferRepository{db: tx}
}

// Create 创建付款单
func (r *GormTransferRepository) Create(transfer *models.Transfer) error {
	return r.db.Create(transfer).Error
}

// GetByID 根据付款单号获取
func (r *GormTransferRepository) GetByID(id string) (*models.Transfer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var transfer models.Transfer
	if err := r.db.Where("id = ?", id).First(&transfer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &transfer, nil
}

// Exists 付款单号是否已被占用
func (r *GormTransferRepository) Exists(id string) (bool, error) {
	var count int64
	if err := r.db.Unscoped().Model(&models.Transfer{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Transition 条件更新：仅当当前状态处于 from 中时写入 fields
func (r *GormTransferRepository) Transition(id string, from []string, fields map[string]interface{}) (bool, error) {
	if len(from) == 0 || len(fields) == 0 {
		return false, nil
	}
	result := r.db.Model(&models.Transfer{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(fields)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// List 付款单列表
func (r *GormTransferRepository) List(filter TransferListFilter) ([]models.Transfer, int64, error) {
	query := r.db.Model(&models.Transfer{})
	if filter.Channel != "" {
		query = query.Where("channel = ?", filter.Channel)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.SourceType != "" {
		query = query.Where("source_type = ?", filter.SourceType)
	}
	if filter.SourceID != "" {
		query = query.Where("source_id = ?", filter.SourceID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query = applyPagination(query, filter.Page, filter.PageSize)

	var transfers []models.Transfer
	if err := query.Order("created_at desc").Find(&transfers).Error; err != nil {
		return nil, 0, err
	}
	return transfers, total, nil
}
