package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChargeRepository 收单数据访问接口
type ChargeRepository interface {
	Create(charge *models.Charge) error
	GetByID(id string) (*models.Charge, error)
	GetByIDForUpdate(id string) (*models.Charge, error)
	Exists(id string) (bool, error)
	UpdateFields(id string, fields map[string]interface{}) error
	Transition(id string, from []string, fields map[string]interface{}) (bool, error)
	IncreaseRefunded(id string, amount int64) (bool, error)
	DecreaseRefunded(id string, amount int64) (bool, error)
	ListExpiredPending(now time.Time, limit int) ([]models.Charge, error)
	List(filter ChargeListFilter) ([]models.Charge, int64, error)
	WithTx(tx *gorm.DB) *GormChargeRepository
}

// GormChargeRepository GORM 实现
type GormChargeRepository struct {
	db *gorm.DB
}

// NewChargeRepository 创建收单仓库
func NewChargeRepository(db *gorm.DB) *GormChargeRepository {
	return &GormChargeRepository{db: db}
}

// WithTx 绑定事务
func (r *GormChargeRepository) WithTx(tx *gorm.DB) *GormChargeRepository {
	if tx == nil {
		return r
	}
	return &GormChargeRepository{db: tx}
}

// Create 创建收单
func (r *GormChargeRepository) Create(charge *models.Charge) error {
	return r.db.Create(charge).Error
}

// GetByID 根据流水号获取收单
func (r *GormChargeRepository) GetByID(id string) (*models.Charge, error) {
	return r.first(r.db, id)
}

// GetByIDForUpdate 加行锁读取收单，需在事务内调用
func (r *GormChargeRepository) GetByIDForUpdate(id string) (*models.Charge, error) {
	return r.first(r.db.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *GormChargeRepository) first(query *gorm.DB, id string) (*models.Charge, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var charge models.Charge
	if err := query.Where("id = ?", id).First(&charge).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &charge, nil
}

// Exists 流水号是否已被占用（包含软删除记录）
func (r *GormChargeRepository) Exists(id string) (bool, error) {
	var count int64
	if err := r.db.Unscoped().Model(&models.Charge{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateFields 无条件更新字段，仅用于不涉及状态的列
func (r *GormChargeRepository) UpdateFields(id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	return r.db.Model(&models.Charge{}).Where("id = ?", id).Updates(fields).Error
}

// Transition 条件更新：仅当当前状态处于 from 中时写入 fields
func (r *GormChargeRepository) Transition(id string, from []string, fields map[string]interface{}) (bool, error) {
	if len(from) == 0 || len(fields) == 0 {
		return false, nil
	}
	result := r.db.Model(&models.Charge{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(fields)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// IncreaseRefunded 累加已退金额并转入退款状态，可退余额不足时不更新
func (r *GormChargeRepository) IncreaseRefunded(id string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, nil
	}
	result := r.db.Model(&models.Charge{}).
		Where("id = ? AND state IN ? AND refunded_amount + ? <= total_amount", id,
			[]string{constants.ChargeStateSuccess, constants.ChargeStateRefund}, amount).
		Updates(map[string]interface{}{
			"refunded_amount": gorm.Expr("refunded_amount + ?", amount),
			"state":           constants.ChargeStateRefund,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// DecreaseRefunded 回退已退金额，归零时恢复为支付成功
func (r *GormChargeRepository) DecreaseRefunded(id string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, nil
	}
	result := r.db.Model(&models.Charge{}).
		Where("id = ? AND state = ? AND refunded_amount >= ?", id, constants.ChargeStateRefund, amount).
		// SET 中的 CASE 读取更新前的列值，sqlite 与 postgres 均如此；MySQL 按赋值顺序读新值，InitDB 不接受该驱动
		Updates(map[string]interface{}{
			"refunded_amount": gorm.Expr("refunded_amount - ?", amount),
			"state": gorm.Expr("CASE WHEN refunded_amount - ? = 0 THEN ? ELSE state END",
				amount, constants.ChargeStateSuccess),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListExpiredPending 获取已过期仍未支付的收单
func (r *GormChargeRepository) ListExpiredPending(now time.Time, limit int) ([]models.Charge, error) {
	query := r.db.Where("state = ? AND expire_time IS NOT NULL AND expire_time <= ?", constants.ChargeStatePending, now).
		Order("expire_time asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var charges []models.Charge
	if err := query.Find(&charges).Error; err != nil {
		return nil, err
	}
	return charges, nil
}

// List 收单列表
func (r *GormChargeRepository) List(filter ChargeListFilter) ([]models.Charge, int64, error) {
	query := r.db.Model(&models.Charge{})

	if filter.Channel != "" {
		query = query.Where("channel = ?", filter.Channel)
	}
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if filter.SourceType != "" {
		query = query.Where("source_type = ?", filter.SourceType)
	}
	if filter.SourceID != "" {
		query = query.Where("source_id = ?", filter.SourceID)
	}
	if filter.Search != "" {
		like := "%" + strings.TrimSpace(filter.Search) + "%"
		op := likeOperator(query)
		query = query.Where("(id "+op+" ? OR subject "+op+" ? OR transaction_no "+op+" ?)", like, like, like)
	}
	if filter.MetadataKey != "" && filter.MetadataValue != "" && safeJSONKey(filter.MetadataKey) {
		query = query.Where(jsonTextExpr(query, "metadata", filter.MetadataKey)+" = ?", filter.MetadataValue)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("created_at <= ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, filter.Page, filter.PageSize)

	var charges []models.Charge
	if err := query.Order("created_at desc").Find(&charges).Error; err != nil {
		return nil, 0, err
	}
	return charges, total, nil
}
