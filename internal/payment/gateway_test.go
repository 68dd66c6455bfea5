package payment

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type stubGateway struct {
	channel string
}

func (g stubGateway) Channel() string {
	return g.channel
}

func (g stubGateway) Pay(context.Context, string, PayOrder) (Credential, error) {
	return Credential{}, nil
}

func (g stubGateway) Verify(context.Context, NotifyRequest) (*Notification, error) {
	return &Notification{}, nil
}

func (g stubGateway) Refund(context.Context, RefundOrder) (*RefundResult, error) {
	return &RefundResult{}, nil
}

func (g stubGateway) Transfer(context.Context, TransferOrder) (*TransferResult, error) {
	return &TransferResult{}, nil
}

func (g stubGateway) Close(context.Context, string) error {
	return nil
}

func (g stubGateway) Success() Ack {
	return Ack{StatusCode: 200}
}

func (g stubGateway) Failure(string) Ack {
	return Ack{StatusCode: 500}
}

func TestRegistryGetNormalizesChannel(t *testing.T) {
	registry := NewRegistry(stubGateway{channel: "alipay"})
	gw, err := registry.Get(" ALIPAY ")
	if err != nil {
		t.Fatalf("get gateway failed: %v", err)
	}
	if gw.Channel() != "alipay" {
		t.Fatalf("unexpected channel: %s", gw.Channel())
	}
	if _, err := registry.Get("paypal"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestRegistryWrap(t *testing.T) {
	registry := NewRegistry(stubGateway{channel: "wechat"})
	wrapped := 0
	registry.Wrap(func(gw Gateway) Gateway {
		wrapped++
		return stubGateway{channel: gw.Channel() + "-wrapped"}
	})
	gw, err := registry.Get("wechat")
	if err != nil {
		t.Fatalf("get gateway failed: %v", err)
	}
	if wrapped != 1 || gw.Channel() != "wechat-wrapped" {
		t.Fatalf("wrap not applied: wrapped=%d channel=%s", wrapped, gw.Channel())
	}
}

func TestWrapErrorAndTimeout(t *testing.T) {
	inner := errors.New("alipay request failed")
	err := WrapError("alipay", "refund", fmt.Errorf("%w: http: %w", inner, context.DeadlineExceeded))
	if !errors.Is(err, ErrGateway) || !errors.Is(err, inner) {
		t.Fatalf("wrapped error should match both sentinels: %v", err)
	}
	if !IsTimeout(err) {
		t.Fatalf("deadline exceeded should be timeout")
	}
	if IsTimeout(WrapError("alipay", "refund", inner)) {
		t.Fatalf("plain request failure should not be timeout")
	}
	if WrapError("alipay", "refund", nil) != nil {
		t.Fatalf("nil error should stay nil")
	}
}

type scanOnlyGateway struct {
	stubGateway
}

func (g scanOnlyGateway) SupportsTradeType(tradeType string) bool {
	return tradeType == "scan"
}

func TestSupportsTradeType(t *testing.T) {
	if !SupportsTradeType(stubGateway{channel: "alipay"}, "mini") {
		t.Fatalf("expected undeclared gateway to accept any trade type")
	}
	gw := scanOnlyGateway{stubGateway{channel: "alipay"}}
	if !SupportsTradeType(gw, "scan") {
		t.Fatalf("expected scan supported")
	}
	if SupportsTradeType(gw, "web") {
		t.Fatalf("expected web rejected")
	}
}
