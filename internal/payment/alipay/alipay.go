package alipay

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrConfigInvalid    = errors.New("alipay config invalid")
	ErrSignGenerate     = errors.New("alipay sign generate failed")
	ErrRequestFailed    = errors.New("alipay request failed")
	ErrResponseInvalid  = errors.New("alipay response invalid")
	ErrSignatureInvalid = errors.New("alipay signature invalid")
)

const (
	defaultTimeout    = 5 * time.Second
	defaultGatewayURL = "https://openapi.alipay.com/gateway.do"
	successCode       = "10000"
)

// 开放平台接口方法
const (
	MethodPagePay     = "alipay.trade.page.pay"
	MethodWapPay      = "alipay.trade.wap.pay"
	MethodAppPay      = "alipay.trade.app.pay"
	MethodPrecreate   = "alipay.trade.precreate"
	MethodRefund      = "alipay.trade.refund"
	MethodClose       = "alipay.trade.close"
	MethodTransfer    = "alipay.fund.trans.uni.transfer"
	tradeNotExistCode = "ACQ.TRADE_NOT_EXIST"
)

// Config 支付宝开放平台配置。
type Config struct {
	AppID           string `json:"app_id"`
	PrivateKey      string `json:"private_key"`
	AlipayPublicKey string `json:"alipay_public_key"`
	GatewayURL      string `json:"gateway_url"`
	NotifyURL       string `json:"notify_url"`
	ReturnURL       string `json:"return_url"`
	SignType        string `json:"sign_type"`
}

// APIResponse 开放平台同步响应节点。
type APIResponse struct {
	Method string
	Node   map[string]interface{}
	Raw    map[string]interface{}
}

// Code 业务返回码。
func (r *APIResponse) Code() string {
	return strings.TrimSpace(readString(r.Node, "code"))
}

// Success 是否受理成功。
func (r *APIResponse) Success() bool {
	return r.Code() == successCode
}

// SubCode 业务子返回码。
func (r *APIResponse) SubCode() string {
	return strings.TrimSpace(readString(r.Node, "sub_code"))
}

// Message 错误描述，优先取 sub_msg。
func (r *APIResponse) Message() string {
	if msg := strings.TrimSpace(readString(r.Node, "sub_msg")); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(readString(r.Node, "msg")); msg != "" {
		return msg
	}
	return "code=" + r.Code()
}

// ParseConfig 解析配置。
func ParseConfig(raw map[string]interface{}) (*Config, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty config", ErrConfigInvalid)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal config failed", ErrConfigInvalid)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config failed", ErrConfigInvalid)
	}
	cfg.normalize()
	return &cfg, nil
}

// ValidateConfig 校验配置完整性。
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrConfigInvalid)
	}
	if cfg.AppID == "" {
		return fmt.Errorf("%w: app_id is required", ErrConfigInvalid)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private_key is required", ErrConfigInvalid)
	}
	if cfg.AlipayPublicKey == "" {
		return fmt.Errorf("%w: alipay_public_key is required", ErrConfigInvalid)
	}
	if cfg.NotifyURL == "" {
		return fmt.Errorf("%w: notify_url is required", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.GatewayURL); err != nil {
		return fmt.Errorf("%w: gateway_url is invalid", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.NotifyURL); err != nil {
		return fmt.Errorf("%w: notify_url is invalid", ErrConfigInvalid)
	}
	if cfg.ReturnURL != "" {
		if _, err := url.ParseRequestURI(cfg.ReturnURL); err != nil {
			return fmt.Errorf("%w: return_url is invalid", ErrConfigInvalid)
		}
	}
	if cfg.SignType != "RSA2" && cfg.SignType != "RSA" {
		return fmt.Errorf("%w: sign_type is invalid", ErrConfigInvalid)
	}
	return nil
}

// BuildParams 构建公共参数并签名。
func BuildParams(cfg *Config, method string, bizContent map[string]interface{}, extra map[string]string) (map[string]string, error) {
	bizContentBytes, err := json.Marshal(bizContent)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal biz_content failed", ErrConfigInvalid)
	}
	params := map[string]string{
		"app_id":      cfg.AppID,
		"method":      method,
		"format":      "JSON",
		"charset":     "utf-8",
		"sign_type":   cfg.SignType,
		"timestamp":   time.Now().Format("2006-01-02 15:04:05"),
		"version":     "1.0",
		"biz_content": string(bizContentBytes),
	}
	for key, value := range extra {
		if strings.TrimSpace(value) != "" {
			params[key] = strings.TrimSpace(value)
		}
	}
	sign, err := signContent(buildSignContent(params), cfg.PrivateKey, cfg.SignType)
	if err != nil {
		return nil, err
	}
	params["sign"] = sign
	return params, nil
}

// Invoke 调用开放平台同步接口。
func Invoke(ctx context.Context, client *http.Client, cfg *Config, method string, bizContent map[string]interface{}, extra map[string]string) (*APIResponse, error) {
	params, err := BuildParams(cfg, method, bizContent, extra)
	if err != nil {
		return nil, err
	}
	body, err := postGateway(ctx, client, cfg.GatewayURL, params)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode response failed", ErrResponseInvalid)
	}
	responseKey := strings.ReplaceAll(method, ".", "_") + "_response"
	node, ok := raw[responseKey].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", ErrResponseInvalid, responseKey)
	}
	return &APIResponse{Method: method, Node: node, Raw: raw}, nil
}

// VerifyCallback 校验支付宝异步通知签名。
func VerifyCallback(cfg *Config, form map[string][]string) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrConfigInvalid)
	}
	if len(form) == 0 {
		return fmt.Errorf("%w: callback form is empty", ErrSignatureInvalid)
	}
	sign := strings.TrimSpace(firstFormValue(form, "sign"))
	if sign == "" {
		return fmt.Errorf("%w: sign is required", ErrSignatureInvalid)
	}
	signType := strings.ToUpper(strings.TrimSpace(firstFormValue(form, "sign_type")))
	if signType == "" {
		signType = cfg.SignType
	}
	if signType != "RSA2" && signType != "RSA" {
		return fmt.Errorf("%w: sign_type is invalid", ErrSignatureInvalid)
	}
	content := buildSignContentFromForm(form)
	if content == "" {
		return fmt.Errorf("%w: sign content is empty", ErrSignatureInvalid)
	}
	publicKey, err := parsePublicKey(cfg.AlipayPublicKey)
	if err != nil {
		return err
	}
	signBytes, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return fmt.Errorf("%w: decode sign failed", ErrSignatureInvalid)
	}
	hashType, digest := digestContent(content, signType)
	if err := rsa.VerifyPKCS1v15(publicKey, hashType, digest, signBytes); err != nil {
		return fmt.Errorf("%w: verify failed", ErrSignatureInvalid)
	}
	return nil
}

// FormatAmount 分转元，保留两位小数。
func FormatAmount(minor int64) string {
	return decimal.NewFromInt(minor).Div(decimal.NewFromInt(100)).StringFixed(2)
}

// ParseAmount 元转分。
func ParseAmount(raw string) (int64, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: amount is invalid", ErrResponseInvalid)
	}
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart(), nil
}

func buildSignContent(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key, value := range params {
		key = strings.TrimSpace(key)
		if key == "" || key == "sign" {
			continue
		}
		if strings.TrimSpace(value) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+params[key])
	}
	return strings.Join(parts, "&")
}

func buildSignContentFromForm(form map[string][]string) string {
	params := make(map[string]string, len(form))
	for key, values := range form {
		if len(values) == 0 {
			continue
		}
		normalizedKey := strings.TrimSpace(key)
		if normalizedKey == "" || strings.EqualFold(normalizedKey, "sign") || strings.EqualFold(normalizedKey, "sign_type") {
			continue
		}
		if values[0] == "" {
			continue
		}
		params[normalizedKey] = values[0]
	}
	return buildSignContent(params)
}

func digestContent(content, signType string) (crypto.Hash, []byte) {
	if strings.ToUpper(strings.TrimSpace(signType)) == "RSA" {
		sum := sha1.Sum([]byte(content))
		return crypto.SHA1, sum[:]
	}
	sum := sha256.Sum256([]byte(content))
	return crypto.SHA256, sum[:]
}

func signContent(content, privateKeyRaw, signType string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: empty sign content", ErrSignGenerate)
	}
	privateKey, err := parsePrivateKey(privateKeyRaw)
	if err != nil {
		return "", err
	}
	hashType, digest := digestContent(content, signType)
	signBytes, err := rsa.SignPKCS1v15(rand.Reader, privateKey, hashType, digest)
	if err != nil {
		return "", fmt.Errorf("%w: sign failed", ErrSignGenerate)
	}
	return base64.StdEncoding.EncodeToString(signBytes), nil
}

func parsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	normalized := normalizePEM(raw, "PRIVATE KEY")
	if normalized == "" {
		return nil, fmt.Errorf("%w: private key is empty", ErrSignGenerate)
	}
	block, _ := pem.Decode([]byte(normalized))
	if block == nil {
		return nil, fmt.Errorf("%w: private key pem decode failed", ErrSignGenerate)
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if privateKey, ok := parsed.(*rsa.PrivateKey); ok {
			return privateKey, nil
		}
		return nil, fmt.Errorf("%w: private key type is not rsa", ErrSignGenerate)
	}
	if privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return privateKey, nil
	}
	return nil, fmt.Errorf("%w: parse private key failed", ErrSignGenerate)
}

func parsePublicKey(raw string) (*rsa.PublicKey, error) {
	normalized := normalizePEM(raw, "PUBLIC KEY")
	if normalized == "" {
		return nil, fmt.Errorf("%w: public key is empty", ErrSignatureInvalid)
	}
	block, _ := pem.Decode([]byte(normalized))
	if block == nil {
		return nil, fmt.Errorf("%w: public key pem decode failed", ErrSignatureInvalid)
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if publicKey, ok := parsed.(*rsa.PublicKey); ok {
			return publicKey, nil
		}
		return nil, fmt.Errorf("%w: public key type is not rsa", ErrSignatureInvalid)
	}
	if publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return publicKey, nil
	}
	return nil, fmt.Errorf("%w: parse public key failed", ErrSignatureInvalid)
}

func normalizePEM(raw, blockType string) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(raw, "\\n", "\n"))
	if normalized == "" {
		return ""
	}
	if !strings.Contains(normalized, "BEGIN") {
		normalized = "-----BEGIN " + blockType + "-----\n" + normalized + "\n-----END " + blockType + "-----"
	}
	return normalized
}

func postGateway(ctx context.Context, client *http.Client, gatewayURL string, params map[string]string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL, strings.NewReader(encodeParams(params).Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request failed", ErrRequestFailed)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http request failed: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response failed: %w", ErrRequestFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrResponseInvalid, resp.StatusCode)
	}
	return body, nil
}

func encodeParams(params map[string]string) url.Values {
	form := url.Values{}
	for key, value := range params {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		form.Set(key, value)
	}
	return form
}

func buildGatewayPayURL(gatewayURL string, params map[string]string) string {
	parsed, err := url.Parse(gatewayURL)
	if err != nil {
		return gatewayURL + "?" + encodeParams(params).Encode()
	}
	parsed.RawQuery = encodeParams(params).Encode()
	return parsed.String()
}

func firstFormValue(form map[string][]string, key string) string {
	if values, ok := form[key]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}

func readString(raw map[string]interface{}, key string) string {
	if raw == nil {
		return ""
	}
	value, ok := raw[key]
	if !ok || value == nil {
		return ""
	}
	if str, ok := value.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", value)
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}

func (c *Config) normalize() {
	c.AppID = strings.TrimSpace(c.AppID)
	c.PrivateKey = strings.TrimSpace(c.PrivateKey)
	c.AlipayPublicKey = strings.TrimSpace(c.AlipayPublicKey)
	c.GatewayURL = strings.TrimSpace(c.GatewayURL)
	c.NotifyURL = strings.TrimSpace(c.NotifyURL)
	c.ReturnURL = strings.TrimSpace(c.ReturnURL)
	c.SignType = strings.ToUpper(strings.TrimSpace(c.SignType))
	if c.SignType == "" {
		c.SignType = "RSA2"
	}
	if c.GatewayURL == "" {
		c.GatewayURL = defaultGatewayURL
	}
}
