package wechatpay

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/dujiao-next/transaction/internal/constants"
	"github.com/dujiao-next/transaction/internal/payment"

	"github.com/wechatpay-apiv3/wechatpay-go/core/notify"
)

const testAPIV3Key = "12345678901234567890123456789012"

type allowVerifier struct{}

func (allowVerifier) Verify(context.Context, string, string, string) error {
	return nil
}

func (allowVerifier) GetSerial(context.Context) (string, error) {
	return "PUB_KEY_ID_TEST", nil
}

func TestParseAndValidateConfig(t *testing.T) {
	cfg, err := ParseConfig(map[string]interface{}{
		"appid":                "wx1234567890",
		"mchid":                "1900000109",
		"merchant_serial_no":   "ABC123456789",
		"merchant_private_key": buildTestPrivateKey(),
		"api_v3_key":           testAPIV3Key,
		"notify_url":           "https://example.com/transaction/notify/charge/wechat",
		"h5_type":              "wap",
	})
	if err != nil {
		t.Fatalf("parse config failed: %v", err)
	}
	if cfg.BaseURL != defaultBaseURL {
		t.Fatalf("base url should fallback to default, got: %s", cfg.BaseURL)
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("validate config failed: %v", err)
	}
}

func TestValidateConfigInvalidAPIV3KeyLength(t *testing.T) {
	cfg, err := ParseConfig(map[string]interface{}{
		"appid":                "wx1234567890",
		"mchid":                "1900000109",
		"merchant_serial_no":   "ABC123456789",
		"merchant_private_key": buildTestPrivateKey(),
		"api_v3_key":           "short-key",
		"notify_url":           "https://example.com/transaction/notify/charge/wechat",
	})
	if err != nil {
		t.Fatalf("parse config failed: %v", err)
	}
	if err := ValidateConfig(cfg); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected invalid api_v3_key length error, got %v", err)
	}
}

func TestGatewayPayNative(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathNative {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode body failed: %v", err)
		}
		amount, _ := payload["amount"].(map[string]interface{})
		if amount["total"] != float64(1000) || amount["currency"] != "CNY" {
			t.Fatalf("unexpected amount: %v", amount)
		}
		if payload["out_trade_no"] != "17180000000001" {
			t.Fatalf("unexpected out_trade_no: %v", payload["out_trade_no"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code_url":"weixin://wxpay/bizpayurl?pr=mocked"}`))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL)
	credential, err := gw.Pay(context.Background(), constants.TradeTypeScan, payment.PayOrder{
		OrderID:  "17180000000001",
		Amount:   1000,
		Currency: "CNY",
		Subject:  "测试订单",
	})
	if err != nil {
		t.Fatalf("pay failed: %v", err)
	}
	if credential["code_url"] != "weixin://wxpay/bizpayurl?pr=mocked" {
		t.Fatalf("unexpected credential: %v", credential)
	}
}

func TestGatewayPayH5AppendsRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathH5 {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"h5_url":"https://wx.tenpay.com/cgi-bin/mmpayweb-bin/checkmweb?prepay_id=wx123"}`))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL)
	credential, err := gw.Pay(context.Background(), constants.TradeTypeWap, payment.PayOrder{
		OrderID:   "17180000000002",
		Amount:    1050,
		ReturnURL: "https://example.com/pay/result",
	})
	if err != nil {
		t.Fatalf("pay failed: %v", err)
	}
	payURL, _ := credential["url"].(string)
	parsed, err := url.Parse(payURL)
	if err != nil {
		t.Fatalf("parse pay url failed: %v", err)
	}
	if parsed.Query().Get("prepay_id") != "wx123" || parsed.Query().Get("redirect_url") != "https://example.com/pay/result" {
		t.Fatalf("unexpected h5 url: %s", payURL)
	}
}

func TestGatewayPayAppSignsParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathApp {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"prepay_id":"wx201410272009395522657a690389285100"}`))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL)
	credential, err := gw.Pay(context.Background(), constants.TradeTypeApp, payment.PayOrder{OrderID: "17180000000003", Amount: 1})
	if err != nil {
		t.Fatalf("pay failed: %v", err)
	}
	message := credential["appid"].(string) + "\n" + credential["timestamp"].(string) + "\n" +
		credential["noncestr"].(string) + "\n" + credential["prepayid"].(string) + "\n"
	signature, err := base64.StdEncoding.DecodeString(credential["sign"].(string))
	if err != nil {
		t.Fatalf("decode sign failed: %v", err)
	}
	digest := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(&gw.privateKey.PublicKey, crypto.SHA256, digest[:], signature); err != nil {
		t.Fatalf("app sign should verify: %v", err)
	}
	if credential["partnerid"] != "1900000109" || credential["package"] != "Sign=WXPay" {
		t.Fatalf("unexpected app credential: %v", credential)
	}
}

func TestGatewayPayMiniRequiresOpenID(t *testing.T) {
	gw := newTestGateway(t, "https://api.mch.weixin.qq.com")
	_, err := gw.Pay(context.Background(), constants.TradeTypeMini, payment.PayOrder{OrderID: "17180000000004", Amount: 1})
	if !errors.Is(err, ErrConfigInvalid) || !errors.Is(err, payment.ErrGateway) {
		t.Fatalf("expected config error for missing openid, got %v", err)
	}
}

func TestGatewayPayMiniReturnsJSAPIParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode body failed: %v", err)
		}
		payer, _ := payload["payer"].(map[string]interface{})
		if payer["openid"] != "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o" {
			t.Fatalf("unexpected payer: %v", payer)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"prepay_id":"wx-mini-1"}`))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL)
	credential, err := gw.Pay(context.Background(), constants.TradeTypeMini, payment.PayOrder{
		OrderID:  "17180000000005",
		Amount:   1,
		Metadata: map[string]interface{}{"openid": "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o"},
	})
	if err != nil {
		t.Fatalf("pay failed: %v", err)
	}
	if credential["package"] != "prepay_id=wx-mini-1" || credential["signType"] != "RSA" || credential["paySign"] == "" {
		t.Fatalf("unexpected jsapi credential: %v", credential)
	}
}

func TestGatewayRefundProcessing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathRefund {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode body failed: %v", err)
		}
		amount, _ := payload["amount"].(map[string]interface{})
		if payload["out_refund_no"] != "202406100830150001" || amount["refund"] != float64(600) || amount["total"] != float64(1000) {
			t.Fatalf("unexpected refund payload: %v", payload)
		}
		if payload["transaction_id"] != "4200000001" {
			t.Fatalf("refund should reference transaction_id: %v", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"refund_id":"50000000382019052709732678859","status":"PROCESSING"}`))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL)
	result, err := gw.Refund(context.Background(), payment.RefundOrder{
		RefundID:            "202406100830150001",
		ChargeID:            "17180000000001",
		ChargeTransactionNo: "4200000001",
		Amount:              600,
		TotalAmount:         1000,
	})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if result.Status != constants.RefundStatusProcessing || result.TransactionNo != "50000000382019052709732678859" {
		t.Fatalf("unexpected refund result: %+v", result)
	}
}

func TestGatewayRefundRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"NOT_ENOUGH","message":"基本账户余额不足"}`))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL)
	_, err := gw.Refund(context.Background(), payment.RefundOrder{RefundID: "1", ChargeID: "2", Amount: 1, TotalAmount: 1})
	if !errors.Is(err, ErrResponseInvalid) || !errors.Is(err, payment.ErrGateway) {
		t.Fatalf("expected response invalid error, got %v", err)
	}
}

func TestGatewayCloseNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/pay/transactions/out-trade-no/17180000000001/close" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL)
	if err := gw.Close(context.Background(), "17180000000001"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestGatewayTransferAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathTransfer {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode body failed: %v", err)
		}
		details, _ := payload["transfer_detail_list"].([]interface{})
		if len(details) != 1 || payload["total_num"] != float64(1) {
			t.Fatalf("unexpected transfer payload: %v", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"out_batch_no":"17180000000009","batch_id":"1030000071100999991182020050700019480001","batch_status":"ACCEPTED"}`))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL)
	result, err := gw.Transfer(context.Background(), payment.TransferOrder{
		TransferID:       "17180000000009",
		Amount:           500,
		RecipientAccount: "o-openid",
		RecipientType:    constants.AccountTypeWechatOpenID,
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if result.Status != constants.TransferStatusPending || result.TransactionNo == "" {
		t.Fatalf("unexpected transfer result: %+v", result)
	}
}

func TestGatewayVerifyChargeNotify(t *testing.T) {
	handler, err := notify.NewRSANotifyHandler(testAPIV3Key, allowVerifier{})
	if err != nil {
		t.Fatalf("init notify handler failed: %v", err)
	}
	gw := newTestGateway(t, "https://api.mch.weixin.qq.com", WithNotifyHandler(handler))

	body, headers := buildNotifyBody(t, "TRANSACTION.SUCCESS", "transaction", map[string]interface{}{
		"out_trade_no":   "17180000000001",
		"transaction_id": "4200000001",
		"trade_state":    "SUCCESS",
		"amount":         map[string]interface{}{"total": 1000, "currency": "CNY"},
		"payer":          map[string]interface{}{"openid": "o-openid"},
	})
	notification, err := gw.Verify(context.Background(), payment.NotifyRequest{
		Kind:    constants.NotifyKindCharge,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if notification.Status != payment.NotifyStatusSuccess || notification.OrderID != "17180000000001" {
		t.Fatalf("unexpected notification: %+v", notification)
	}
	if notification.Amount != 1000 || notification.TransactionNo != "4200000001" {
		t.Fatalf("unexpected amount or transaction: %+v", notification)
	}
	if notification.Payer["openid"] != "o-openid" {
		t.Fatalf("unexpected payer: %v", notification.Payer)
	}
}

func TestGatewayVerifyRefundNotify(t *testing.T) {
	handler, err := notify.NewRSANotifyHandler(testAPIV3Key, allowVerifier{})
	if err != nil {
		t.Fatalf("init notify handler failed: %v", err)
	}
	gw := newTestGateway(t, "https://api.mch.weixin.qq.com", WithNotifyHandler(handler))

	body, headers := buildNotifyBody(t, "REFUND.ABNORMAL", "refund", map[string]interface{}{
		"out_trade_no":  "17180000000001",
		"out_refund_no": "202406100830150001",
		"refund_id":     "50000000382019052709732678859",
		"refund_status": "ABNORMAL",
		"amount":        map[string]interface{}{"refund": 600, "total": 1000},
	})
	notification, err := gw.Verify(context.Background(), payment.NotifyRequest{
		Kind:    constants.NotifyKindRefund,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if notification.Status != payment.NotifyStatusFailed || notification.OrderID != "202406100830150001" {
		t.Fatalf("unexpected refund notification: %+v", notification)
	}
}

func TestGatewayVerifyRejectsTamperedCiphertext(t *testing.T) {
	handler, err := notify.NewRSANotifyHandler(testAPIV3Key, allowVerifier{})
	if err != nil {
		t.Fatalf("init notify handler failed: %v", err)
	}
	gw := newTestGateway(t, "https://api.mch.weixin.qq.com", WithNotifyHandler(handler))

	body, headers := buildNotifyBody(t, "TRANSACTION.SUCCESS", "transaction", map[string]interface{}{"out_trade_no": "1"})
	var envelope map[string]interface{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope failed: %v", err)
	}
	resource := envelope["resource"].(map[string]interface{})
	resource["ciphertext"] = base64.StdEncoding.EncodeToString([]byte("tampered-ciphertext-000"))
	body, _ = json.Marshal(envelope)

	_, err = gw.Verify(context.Background(), payment.NotifyRequest{Kind: constants.NotifyKindCharge, Headers: headers, Body: body})
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestGatewayAcks(t *testing.T) {
	gw := newTestGateway(t, "https://api.mch.weixin.qq.com")
	success := gw.Success()
	if success.StatusCode != http.StatusOK {
		t.Fatalf("unexpected success status: %d", success.StatusCode)
	}
	var payload map[string]string
	if err := json.Unmarshal(success.Body, &payload); err != nil || payload["code"] != "SUCCESS" {
		t.Fatalf("unexpected success body: %s", success.Body)
	}
	if failure := gw.Failure("bad sign"); failure.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected failure status: %d", failure.StatusCode)
	}
}

func newTestGateway(t *testing.T, baseURL string, opts ...Option) *Gateway {
	t.Helper()
	gw, err := NewGateway(context.Background(), Config{
		AppID:              "wx1234567890",
		MerchantID:         "1900000109",
		MerchantSerialNo:   "ABC123456789",
		MerchantPrivateKey: buildTestPrivateKey(),
		APIV3Key:           testAPIV3Key,
		NotifyURL:          "https://example.com/transaction/notify/charge/wechat",
		RefundNotifyURL:    "https://example.com/transaction/notify/refund/wechat",
		BaseURL:            baseURL,
	}, opts...)
	if err != nil {
		t.Fatalf("new gateway failed: %v", err)
	}
	return gw
}

func buildNotifyBody(t *testing.T, eventType, originalType string, resource map[string]interface{}) ([]byte, http.Header) {
	t.Helper()
	plaintext, err := json.Marshal(resource)
	if err != nil {
		t.Fatalf("marshal resource failed: %v", err)
	}
	block, err := aes.NewCipher([]byte(testAPIV3Key))
	if err != nil {
		t.Fatalf("init aes failed: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("init gcm failed: %v", err)
	}
	nonce := "0123456789ab"
	associated := originalType
	sealed := gcm.Seal(nil, []byte(nonce), plaintext, []byte(associated))

	body, err := json.Marshal(map[string]interface{}{
		"id":            "EV-2018022511223320873",
		"create_time":   time.Now().Format(time.RFC3339),
		"resource_type": "encrypt-resource",
		"event_type":    eventType,
		"summary":       "通知",
		"resource": map[string]interface{}{
			"original_type":   originalType,
			"algorithm":       "AEAD_AES_256_GCM",
			"ciphertext":      base64.StdEncoding.EncodeToString(sealed),
			"associated_data": associated,
			"nonce":           nonce,
		},
	})
	if err != nil {
		t.Fatalf("marshal notify body failed: %v", err)
	}
	headers := http.Header{}
	headers.Set("Wechatpay-Serial", "PUB_KEY_ID_TEST")
	headers.Set("Wechatpay-Signature", base64.StdEncoding.EncodeToString([]byte("signature")))
	headers.Set("Wechatpay-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	headers.Set("Wechatpay-Nonce", "notify-nonce")
	headers.Set("Request-ID", "req-1")
	return body, headers
}

func buildTestPrivateKey() string {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	privateKeyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		panic(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateKeyDER}))
}
