package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dujiao-next/transaction/internal/logger"
	"github.com/dujiao-next/transaction/internal/payment/alipay"
	"github.com/dujiao-next/transaction/internal/payment/wechatpay"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Queue       QueueConfig       `mapstructure:"queue"`
	CORS        CORSConfig        `mapstructure:"cors"`
	Security    SecurityConfig    `mapstructure:"security"`
	Transaction TransactionConfig `mapstructure:"transaction"`
	Alipay      AlipayConfig      `mapstructure:"alipay"`
	Wechat      WechatConfig      `mapstructure:"wechat"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          string `mapstructure:"port"`
	Mode          string `mapstructure:"mode"` // debug / release
	PublicBaseURL string `mapstructure:"public_base_url"`

	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
	IdleTimeoutSeconds  int `mapstructure:"idle_timeout_seconds"`
}

// Addr 监听地址
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// ReadTimeout 读取请求超时
func (c ServerConfig) ReadTimeout() time.Duration {
	return secondsOr(c.ReadTimeoutSeconds, 15*time.Second)
}

// WriteTimeout 写响应超时
func (c ServerConfig) WriteTimeout() time.Duration {
	return secondsOr(c.WriteTimeoutSeconds, 30*time.Second)
}

// IdleTimeout 空闲连接超时
func (c ServerConfig) IdleTimeout() time.Duration {
	return secondsOr(c.IdleTimeoutSeconds, 60*time.Second)
}

// LogConfig 日志配置
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ToLoggerOptions 转换为 logger 配置
func (c LogConfig) ToLoggerOptions() logger.Options {
	return logger.Options{
		Dir:        c.Dir,
		Filename:   c.Filename,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// DatabasePoolConfig 数据库连接池配置
type DatabasePoolConfig struct {
	MaxOpenConns           int `mapstructure:"max_open_conns"`
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSeconds int `mapstructure:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int `mapstructure:"conn_max_idle_time_seconds"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver string             `mapstructure:"driver"` // 数据库驱动（sqlite/postgres）
	DSN    string             `mapstructure:"dsn"`    // 数据库连接串
	Pool   DatabasePoolConfig `mapstructure:"pool"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// QueueConfig 异步队列配置
type QueueConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Host        string         `mapstructure:"host"`
	Port        int            `mapstructure:"port"`
	Password    string         `mapstructure:"password"`
	DB          int            `mapstructure:"db"`
	Concurrency int            `mapstructure:"concurrency"`
	Queues      map[string]int `mapstructure:"queues"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	APIJWT         APIJWTConfig    `mapstructure:"api_jwt"`
	QueryRateLimit RateLimitConfig `mapstructure:"query_rate_limit"`
}

// APIJWTConfig 运营接口 JWT 配置
type APIJWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	WindowSeconds int `mapstructure:"window_seconds"`
	MaxRequests   int `mapstructure:"max_requests"`
}

// TransactionConfig 交易核心配置
type TransactionConfig struct {
	DefaultCurrency        string `mapstructure:"default_currency"`
	ExpireMinutes          int    `mapstructure:"expire_minutes"`
	DispatchTimeoutSeconds int    `mapstructure:"dispatch_timeout_seconds"`
	RedispatchDelaySeconds int    `mapstructure:"redispatch_delay_seconds"`
	RedispatchMaxRetry     int    `mapstructure:"redispatch_max_retry"`
	NotifyLockSeconds      int    `mapstructure:"notify_lock_seconds"`
	QueryCacheSeconds      int    `mapstructure:"query_cache_seconds"`
	SweepIntervalSeconds   int    `mapstructure:"sweep_interval_seconds"`
}

// ExpireDuration 收单默认有效期
func (c TransactionConfig) ExpireDuration() time.Duration {
	return secondsOr(c.ExpireMinutes*60, time.Hour)
}

// DispatchTimeout 同步网关请求超时
func (c TransactionConfig) DispatchTimeout() time.Duration {
	return secondsOr(c.DispatchTimeoutSeconds, 5*time.Second)
}

// RedispatchDelay 重新下发延迟
func (c TransactionConfig) RedispatchDelay() time.Duration {
	return secondsOr(c.RedispatchDelaySeconds, 30*time.Second)
}

// NotifyLockTTL 通知互斥锁有效期
func (c TransactionConfig) NotifyLockTTL() time.Duration {
	return secondsOr(c.NotifyLockSeconds, 10*time.Second)
}

// QueryCacheTTL 收单查询缓存有效期
func (c TransactionConfig) QueryCacheTTL() time.Duration {
	return secondsOr(c.QueryCacheSeconds, 0)
}

// SweepInterval 过期收单扫描间隔
func (c TransactionConfig) SweepInterval() time.Duration {
	return secondsOr(c.SweepIntervalSeconds, time.Minute)
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// AlipayConfig 支付宝渠道配置
type AlipayConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	AppID           string `mapstructure:"app_id"`
	PrivateKey      string `mapstructure:"private_key"`
	AlipayPublicKey string `mapstructure:"alipay_public_key"`
	GatewayURL      string `mapstructure:"gateway_url"`
	NotifyURL       string `mapstructure:"notify_url"`
	ReturnURL       string `mapstructure:"return_url"`
	SignType        string `mapstructure:"sign_type"`
}

// ToGatewayConfig 转换为支付宝网关配置
func (c AlipayConfig) ToGatewayConfig() alipay.Config {
	return alipay.Config{
		AppID:           c.AppID,
		PrivateKey:      c.PrivateKey,
		AlipayPublicKey: c.AlipayPublicKey,
		GatewayURL:      c.GatewayURL,
		NotifyURL:       c.NotifyURL,
		ReturnURL:       c.ReturnURL,
		SignType:        c.SignType,
	}
}

// WechatConfig 微信支付渠道配置
type WechatConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	AppID              string `mapstructure:"appid"`
	MerchantID         string `mapstructure:"mchid"`
	MerchantSerialNo   string `mapstructure:"merchant_serial_no"`
	MerchantPrivateKey string `mapstructure:"merchant_private_key"`
	APIV3Key           string `mapstructure:"api_v3_key"`
	NotifyURL          string `mapstructure:"notify_url"`
	RefundNotifyURL    string `mapstructure:"refund_notify_url"`
	TransferNotifyURL  string `mapstructure:"transfer_notify_url"`
	BaseURL            string `mapstructure:"base_url"`
	H5RedirectURL      string `mapstructure:"h5_redirect_url"`
	H5Type             string `mapstructure:"h5_type"`
	H5WapURL           string `mapstructure:"h5_wap_url"`
	H5WapName          string `mapstructure:"h5_wap_name"`
}

// ToGatewayConfig 转换为微信支付网关配置
func (c WechatConfig) ToGatewayConfig() wechatpay.Config {
	return wechatpay.Config{
		AppID:              c.AppID,
		MerchantID:         c.MerchantID,
		MerchantSerialNo:   c.MerchantSerialNo,
		MerchantPrivateKey: c.MerchantPrivateKey,
		APIV3Key:           c.APIV3Key,
		NotifyURL:          c.NotifyURL,
		RefundNotifyURL:    c.RefundNotifyURL,
		TransferNotifyURL:  c.TransferNotifyURL,
		H5RedirectURL:      c.H5RedirectURL,
		H5Type:             c.H5Type,
		H5WapURL:           c.H5WapURL,
		H5WapName:          c.H5WapName,
		BaseURL:            c.BaseURL,
	}
}

// SetDefaults 写入默认配置
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.public_base_url", "")
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 30)
	v.SetDefault("server.idle_timeout_seconds", 60)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.filename", "app.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./db/transaction.db")
	v.SetDefault("database.pool.max_open_conns", 1)
	v.SetDefault("database.pool.max_idle_conns", 1)
	v.SetDefault("database.pool.conn_max_lifetime_seconds", 0)
	v.SetDefault("database.pool.conn_max_idle_time_seconds", 0)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "txn")
	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.host", "127.0.0.1")
	v.SetDefault("queue.port", 6379)
	v.SetDefault("queue.password", "")
	v.SetDefault("queue.db", 1)
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.queues", map[string]int{
		"default":  10,
		"critical": 5,
	})
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		"Authorization",
		"X-Request-ID",
	})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 600)
	v.SetDefault("security.api_jwt.secret", "change-me-in-production")
	v.SetDefault("security.api_jwt.issuer", "")
	v.SetDefault("security.query_rate_limit.window_seconds", 60)
	v.SetDefault("security.query_rate_limit.max_requests", 120)
	v.SetDefault("transaction.default_currency", "CNY")
	v.SetDefault("transaction.expire_minutes", 60)
	v.SetDefault("transaction.dispatch_timeout_seconds", 5)
	v.SetDefault("transaction.redispatch_delay_seconds", 30)
	v.SetDefault("transaction.redispatch_max_retry", 5)
	v.SetDefault("transaction.notify_lock_seconds", 10)
	v.SetDefault("transaction.query_cache_seconds", 5)
	v.SetDefault("transaction.sweep_interval_seconds", 60)
	v.SetDefault("alipay.enabled", false)
	v.SetDefault("alipay.gateway_url", "https://openapi.alipay.com/gateway.do")
	v.SetDefault("alipay.sign_type", "RSA2")
	v.SetDefault("wechat.enabled", false)
	v.SetDefault("wechat.base_url", "https://api.mch.weixin.qq.com")
	v.SetDefault("wechat.h5_type", "Wap")
}

// Load 从 config.yml 加载配置
func Load() *Config {
	v := viper.GetViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")     // 从当前目录查找
	v.AddConfigPath("./")    // 备用路径
	v.AddConfigPath("../")   // 如果从 cmd/server 运行
	v.AddConfigPath("./etc") // etc 文件夹

	cfg, err := load(v)
	if err != nil {
		logger.Errorw("config_unmarshal_failed", "error", err)
		panic(fmt.Errorf("配置解析失败: %w", err))
	}
	return cfg
}

// LoadFile 从指定文件加载配置
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// 环境变量支持
	v.AutomaticEnv()                                   // 自动读取环境变量
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 将 . 替换为 _ (例如 server.port -> SERVER_PORT)

	if err := v.ReadInConfig(); err != nil {
		logger.Warnw("config_file_read_failed",
			"error", err,
			"fallback", "env_or_defaults",
		)
	} else {
		logger.Infow("config_file_loaded", "file", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Transaction.DefaultCurrency) == "" {
		cfg.Transaction.DefaultCurrency = "CNY"
	}
	return &cfg, nil
}
