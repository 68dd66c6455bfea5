package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dujiao-next/transaction/internal/cache"
	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/models"
	"github.com/dujiao-next/transaction/internal/payment"
	"github.com/dujiao-next/transaction/internal/queue"
	"github.com/dujiao-next/transaction/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeGateway 可编排结果的渠道桩，Verify 直接把请求体解析为通知
type fakeGateway struct {
	channel string

	mu             sync.Mutex
	payErr         error
	credential     payment.Credential
	refundResult   *payment.RefundResult
	refundErr      error
	transferResult *payment.TransferResult
	transferErr    error
	closeErr       error
	payCalls       int
	refundCalls    int
	closeCalls     int
}

func newFakeGateway(channel string) *fakeGateway {
	return &fakeGateway{
		channel:    channel,
		credential: payment.Credential{"url": "https://pay.example.com/checkout"},
		refundResult: &payment.RefundResult{
			Status: constants.RefundStatusProcessing,
			Raw:    map[string]interface{}{"status": "PROCESSING"},
		},
		transferResult: &payment.TransferResult{
			Status:        constants.TransferStatusPending,
			TransactionNo: "BATCH001",
		},
	}
}

func (g *fakeGateway) Channel() string {
	return g.channel
}

func (g *fakeGateway) Pay(ctx context.Context, tradeType string, order payment.PayOrder) (payment.Credential, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payCalls++
	if g.payErr != nil {
		return nil, g.payErr
	}
	credential := payment.Credential{}
	for key, value := range g.credential {
		credential[key] = value
	}
	credential["out_trade_no"] = order.OrderID
	return credential, nil
}

func (g *fakeGateway) Verify(ctx context.Context, req payment.NotifyRequest) (*payment.Notification, error) {
	var notification payment.Notification
	if err := json.Unmarshal(req.Body, &notification); err != nil {
		return nil, fmt.Errorf("%w: bad signature", payment.ErrGateway)
	}
	if notification.Kind == "" {
		notification.Kind = req.Kind
	}
	return &notification, nil
}

func (g *fakeGateway) Refund(ctx context.Context, order payment.RefundOrder) (*payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	result := *g.refundResult
	return &result, nil
}

func (g *fakeGateway) Transfer(ctx context.Context, order payment.TransferOrder) (*payment.TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.transferErr != nil {
		return nil, g.transferErr
	}
	result := *g.transferResult
	return &result, nil
}

func (g *fakeGateway) Close(ctx context.Context, chargeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeCalls++
	return g.closeErr
}

func (g *fakeGateway) Success() payment.Ack {
	return payment.Ack{StatusCode: http.StatusOK, ContentType: "text/plain", Body: []byte("success")}
}

func (g *fakeGateway) Failure(reason string) payment.Ack {
	return payment.Ack{StatusCode: http.StatusOK, ContentType: "text/plain", Body: []byte("fail")}
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

// recordingScheduler 记录投递的延迟任务
type recordingScheduler struct {
	mu        sync.Mutex
	charges   []string
	refunds   []string
	transfers []string
	expires   []string
}

func (s *recordingScheduler) EnqueueChargeRedispatch(payload queue.ChargeRedispatchPayload, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges = append(s.charges, payload.ChargeID)
	return nil
}

func (s *recordingScheduler) EnqueueRefundRedispatch(payload queue.RefundRedispatchPayload, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds = append(s.refunds, payload.RefundID)
	return nil
}

func (s *recordingScheduler) EnqueueTransferRedispatch(payload queue.TransferRedispatchPayload, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, payload.TransferID)
	return nil
}

func (s *recordingScheduler) EnqueueChargeExpire(payload queue.ChargeExpirePayload, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires = append(s.expires, payload.ChargeID)
	return nil
}

// eventRecorder 订阅事件总线并按类型计数
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ctx context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

type transactionTestEnv struct {
	db         *gorm.DB
	gateway    *fakeGateway
	wechat     *fakeGateway
	scheduler  *recordingScheduler
	recorder   *eventRecorder
	sources    *SourceRegistry
	charges    *ChargeService
	refunds    *RefundService
	transfers  *TransferService
	reconciler *Reconciler
}

func setupTransactionServiceTest(t *testing.T) *transactionTestEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:transaction_service_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.MigrateTables(db))
	models.DB = db
	cache.UseClient(nil, "")

	env := &transactionTestEnv{
		db:        db,
		gateway:   newFakeGateway(constants.ChannelAlipay),
		wechat:    newFakeGateway(constants.ChannelWechat),
		scheduler: &recordingScheduler{},
		recorder:  &eventRecorder{},
		sources:   NewSourceRegistry(),
	}
	registry := payment.NewRegistry(env.gateway, env.wechat)
	bus := NewEventBus(0)
	bus.Subscribe(env.recorder.handle)
	opts := Options{NotifyLockTTL: 5 * time.Second}

	chargeRepo := repository.NewChargeRepository(db)
	refundRepo := repository.NewRefundRepository(db)
	transferRepo := repository.NewTransferRepository(db)
	env.refunds = NewRefundService(chargeRepo, refundRepo, registry, env.scheduler, bus, opts)
	env.charges = NewChargeService(chargeRepo, env.refunds, registry, env.scheduler, bus, env.sources, opts)
	env.transfers = NewTransferService(transferRepo, registry, env.scheduler, bus, opts)
	env.reconciler = NewReconciler(registry, env.charges, env.refunds, env.transfers, opts)
	return env
}

func (env *transactionTestEnv) createCharge(t *testing.T, amount int64) *models.Charge {
	t.Helper()
	charge, err := env.charges.Create(context.Background(), CreateChargeInput{
		Channel:   constants.ChannelAlipay,
		TradeType: constants.TradeTypeWeb,
		Amount:    amount,
		Currency:  "CNY",
		Subject:   "测试收单",
		ClientIP:  "127.0.0.1",
		Metadata:  map[string]interface{}{"return_url": "https://shop.example.com/orders/1"},
	})
	require.NoError(t, err)
	return charge
}

func (env *transactionTestEnv) createPaidCharge(t *testing.T, amount int64) *models.Charge {
	t.Helper()
	charge := env.createCharge(t, amount)
	ok, err := env.charges.MarkSucceeded(context.Background(), charge.ID, "PAID"+charge.ID, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	paid, err := env.charges.Get(context.Background(), charge.ID)
	require.NoError(t, err)
	return paid
}

func (env *transactionTestEnv) countRefunds(t *testing.T, chargeID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, env.db.Model(&models.Refund{}).Where("charge_id = ?", chargeID).Count(&count).Error)
	return count
}

func useMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	cache.UseClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() {
		_ = cache.Close()
	})
	return mr
}

func notifyBody(t *testing.T, n payment.Notification) []byte {
	t.Helper()
	body, err := json.Marshal(n)
	require.NoError(t, err)
	return body
}

var errGatewayRejected = fmt.Errorf("%w: alipay pay: merchant not allowed", payment.ErrGateway)

func timeoutError() error {
	return fmt.Errorf("%w: alipay pay: %w", payment.ErrGateway, context.DeadlineExceeded)
}

func requireErrorIs(t *testing.T, err error, targets ...error) {
	t.Helper()
	require.Error(t, err)
	for _, target := range targets {
		require.Truef(t, errors.Is(err, target), "expected %v to wrap %v", err, target)
	}
}
