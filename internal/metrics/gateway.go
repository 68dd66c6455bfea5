package metrics

import (
	"context"
	"time"

	"github.com/dujiao-next/transaction/internal/payment"
)

// 网关调用结果标签
const (
	resultOK      = "ok"
	resultError   = "error"
	resultTimeout = "timeout"
)

type instrumentedGateway struct {
	payment.Gateway
	metrics *Metrics
}

// InstrumentGateway 为网关调用增加耗时与结果统计，可直接传给 Registry.Wrap
func (m *Metrics) InstrumentGateway(gw payment.Gateway) payment.Gateway {
	if m == nil || gw == nil {
		return gw
	}
	return &instrumentedGateway{Gateway: gw, metrics: m}
}

func (g *instrumentedGateway) SupportsTradeType(tradeType string) bool {
	return payment.SupportsTradeType(g.Gateway, tradeType)
}

func (g *instrumentedGateway) Pay(ctx context.Context, tradeType string, order payment.PayOrder) (payment.Credential, error) {
	start := time.Now()
	credential, err := g.Gateway.Pay(ctx, tradeType, order)
	g.observe("pay", start, err)
	return credential, err
}

func (g *instrumentedGateway) Verify(ctx context.Context, req payment.NotifyRequest) (*payment.Notification, error) {
	start := time.Now()
	notification, err := g.Gateway.Verify(ctx, req)
	g.observe("verify", start, err)
	return notification, err
}

func (g *instrumentedGateway) Refund(ctx context.Context, order payment.RefundOrder) (*payment.RefundResult, error) {
	start := time.Now()
	result, err := g.Gateway.Refund(ctx, order)
	g.observe("refund", start, err)
	return result, err
}

func (g *instrumentedGateway) Transfer(ctx context.Context, order payment.TransferOrder) (*payment.TransferResult, error) {
	start := time.Now()
	result, err := g.Gateway.Transfer(ctx, order)
	g.observe("transfer", start, err)
	return result, err
}

func (g *instrumentedGateway) Close(ctx context.Context, chargeID string) error {
	start := time.Now()
	err := g.Gateway.Close(ctx, chargeID)
	g.observe("close", start, err)
	return err
}

func (g *instrumentedGateway) observe(op string, start time.Time, err error) {
	result := resultOK
	switch {
	case payment.IsTimeout(err):
		result = resultTimeout
	case err != nil:
		result = resultError
	}
	g.metrics.observeGateway(g.Channel(), op, start, result)
}
