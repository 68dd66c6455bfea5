//go:build integration
// +build integration

package repository

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/models"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupPostgresIntegrationDB 初始化 PostgreSQL 集成测试数据库。
func setupPostgresIntegrationDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("skip postgres integration test: TEST_POSTGRES_DSN is empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open postgres failed: %v", err)
	}

	cleanupModels := []interface{}{
		&models.Refund{},
		&models.Transfer{},
		&models.Charge{},
	}
	_ = db.Migrator().DropTable(cleanupModels...)

	if err := models.MigrateTables(db); err != nil {
		t.Fatalf("migrate postgres models failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Migrator().DropTable(cleanupModels...)
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	return db
}

func TestPostgresChargeMetadataAndSearch(t *testing.T) {
	db := setupPostgresIntegrationDB(t)
	repo := NewChargeRepository(db)

	for _, charge := range []*models.Charge{
		{ID: "17180000000101", Channel: constants.ChannelAlipay, Subject: "Postgres 收单", TotalAmount: 100, Currency: "CNY", State: constants.ChargeStatePending, Metadata: datatypes.JSONMap{"order_no": "PG-1"}},
		{ID: "17180000000102", Channel: constants.ChannelWechat, Subject: "其他收单", TotalAmount: 200, Currency: "CNY", State: constants.ChargeStateSuccess, Metadata: datatypes.JSONMap{"order_no": "PG-2"}},
	} {
		if err := repo.Create(charge); err != nil {
			t.Fatalf("create charge failed: %v", err)
		}
	}

	items, total, err := repo.List(ChargeListFilter{MetadataKey: "order_no", MetadataValue: "PG-2"})
	if err != nil {
		t.Fatalf("list by metadata failed: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != "17180000000102" {
		t.Fatalf("metadata filter mismatch, total=%d", total)
	}

	items, total, err = repo.List(ChargeListFilter{Search: "postgres"})
	if err != nil {
		t.Fatalf("list by search failed: %v", err)
	}
	if total != 1 || items[0].ID != "17180000000101" {
		t.Fatalf("case-insensitive search mismatch, total=%d", total)
	}
}

func TestPostgresConcurrentRefundIncrementsNeverExceedTotal(t *testing.T) {
	db := setupPostgresIntegrationDB(t)
	repo := NewChargeRepository(db)
	charge := &models.Charge{
		ID:          "17180000000201",
		Channel:     constants.ChannelAlipay,
		Subject:     "并发退款",
		TotalAmount: 1000,
		Currency:    "CNY",
		State:       constants.ChargeStateSuccess,
	}
	if err := repo.Create(charge); err != nil {
		t.Fatalf("create charge failed: %v", err)
	}

	const workers = 10
	var applied int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.IncreaseRefunded(charge.ID, 300)
			if err != nil {
				t.Errorf("increase refunded failed: %v", err)
				return
			}
			if ok {
				atomic.AddInt64(&applied, 1)
			}
		}()
	}
	wg.Wait()

	if applied != 3 {
		t.Fatalf("expected 3 increments applied, got %d", applied)
	}
	latest, err := repo.GetByID(charge.ID)
	if err != nil {
		t.Fatalf("get charge failed: %v", err)
	}
	if latest.RefundedAmount != 900 || latest.State != constants.ChargeStateRefund {
		t.Fatalf("unexpected charge after concurrent refunds: refunded=%d state=%s", latest.RefundedAmount, latest.State)
	}
}

func TestPostgresDecreaseRefundedRevertsState(t *testing.T) {
	db := setupPostgresIntegrationDB(t)
	repo := NewChargeRepository(db)
	charge := &models.Charge{
		ID:             "17180000000202",
		Channel:        constants.ChannelAlipay,
		Subject:        "退款回滚",
		TotalAmount:    1000,
		RefundedAmount: 700,
		Currency:       "CNY",
		State:          constants.ChargeStateRefund,
	}
	if err := repo.Create(charge); err != nil {
		t.Fatalf("create charge failed: %v", err)
	}

	// CASE 以更新前的 refunded_amount 判断是否归零
	if ok, err := repo.DecreaseRefunded(charge.ID, 300); err != nil || !ok {
		t.Fatalf("partial decrease failed, ok=%v err=%v", ok, err)
	}
	latest, _ := repo.GetByID(charge.ID)
	if latest.RefundedAmount != 400 || latest.State != constants.ChargeStateRefund {
		t.Fatalf("partial decrease should keep REFUND: refunded=%d state=%s", latest.RefundedAmount, latest.State)
	}
	if ok, err := repo.DecreaseRefunded(charge.ID, 400); err != nil || !ok {
		t.Fatalf("full decrease failed, ok=%v err=%v", ok, err)
	}
	latest, _ = repo.GetByID(charge.ID)
	if latest.RefundedAmount != 0 || latest.State != constants.ChargeStateSuccess {
		t.Fatalf("full decrease should revert to SUCCESS: refunded=%d state=%s", latest.RefundedAmount, latest.State)
	}
}
