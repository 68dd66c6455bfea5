package provider

import (
	"context"

	"github.com/dujiao-next/transaction/internal/cache"
	"github.com/dujiao-next/transaction/internal/config"
	"github.com/dujiao-next/transaction/internal/logger"
	"github.com/dujiao-next/transaction/internal/metrics"
	"github.com/dujiao-next/transaction/internal/models"
	"github.com/dujiao-next/transaction/internal/payment"
	"github.com/dujiao-next/transaction/internal/payment/alipay"
	"github.com/dujiao-next/transaction/internal/payment/wechatpay"
	"github.com/dujiao-next/transaction/internal/queue"
	"github.com/dujiao-next/transaction/internal/repository"
	"github.com/dujiao-next/transaction/internal/service"
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	QueueClient *queue.Client
	Metrics     *metrics.Metrics
	Gateways    *payment.Registry
	Events      *service.EventBus
	Sources     *service.SourceRegistry

	// Repositories
	ChargeRepo   repository.ChargeRepository
	RefundRepo   repository.RefundRepository
	TransferRepo repository.TransferRepository

	// Services
	ChargeService   *service.ChargeService
	RefundService   *service.RefundService
	TransferService *service.TransferService
	Reconciler      *service.Reconciler
}

// NewContainer 初始化容器：连接缓存与队列，按配置装配启用的支付渠道
func NewContainer(cfg *config.Config) *Container {
	// 初始化缓存
	if err := cache.InitRedis(&cfg.Redis); err != nil {
		logger.Warnw("provider_init_redis_failed", "error", err)
	}

	// 初始化队列客户端
	var queueClient *queue.Client
	if cfg.Queue.Enabled {
		qc, err := queue.NewClient(&cfg.Queue, cfg.Transaction.RedispatchMaxRetry)
		if err != nil {
			logger.Errorw("provider_init_queue_client_failed", "error", err)
		} else {
			queueClient = qc
		}
	}

	return Assemble(cfg, buildGateways(cfg), queueClient)
}

// Assemble 使用给定的网关注册表与队列客户端装配容器
func Assemble(cfg *config.Config, gateways *payment.Registry, queueClient *queue.Client) *Container {
	if gateways == nil {
		gateways = payment.NewRegistry()
	}
	c := &Container{
		Config:      cfg,
		QueueClient: queueClient,
		Metrics:     metrics.New(),
		Gateways:    gateways,
		Events:      service.NewEventBus(0),
		Sources:     service.NewSourceRegistry(),
	}
	c.Gateways.Wrap(c.Metrics.InstrumentGateway)
	c.Events.Subscribe(c.Metrics.ObserveEvent)
	c.Events.Subscribe(logEvent)

	// 1. 初始化 Repositories
	c.initRepositories()

	// 2. 初始化 Services
	c.initServices()

	return c
}

func (c *Container) initRepositories() {
	db := models.DB
	c.ChargeRepo = repository.NewChargeRepository(db)
	c.RefundRepo = repository.NewRefundRepository(db)
	c.TransferRepo = repository.NewTransferRepository(db)
}

func (c *Container) initServices() {
	txCfg := c.Config.Transaction
	opts := service.Options{
		DefaultCurrency: txCfg.DefaultCurrency,
		ExpireAfter:     txCfg.ExpireDuration(),
		DispatchTimeout: txCfg.DispatchTimeout(),
		RedispatchDelay: txCfg.RedispatchDelay(),
		QueryCacheTTL:   txCfg.QueryCacheTTL(),
		NotifyLockTTL:   txCfg.NotifyLockTTL(),
		PublicBaseURL:   c.Config.Server.PublicBaseURL,
	}
	var scheduler service.TaskScheduler
	if c.QueueClient != nil {
		scheduler = c.QueueClient
	}

	c.RefundService = service.NewRefundService(c.ChargeRepo, c.RefundRepo, c.Gateways, scheduler, c.Events, opts)
	c.ChargeService = service.NewChargeService(c.ChargeRepo, c.RefundService, c.Gateways, scheduler, c.Events, c.Sources, opts)
	c.TransferService = service.NewTransferService(c.TransferRepo, c.Gateways, scheduler, c.Events, opts)
	c.Reconciler = service.NewReconciler(c.Gateways, c.ChargeService, c.RefundService, c.TransferService, opts)
}

// buildGateways 渠道配置错误只跳过该渠道，不阻断启动
func buildGateways(cfg *config.Config) *payment.Registry {
	registry := payment.NewRegistry()
	if cfg.Alipay.Enabled {
		gw, err := alipay.NewGateway(cfg.Alipay.ToGatewayConfig(), nil)
		if err != nil {
			logger.Errorw("provider_init_alipay_failed", "error", err)
		} else {
			registry.Register(gw)
		}
	}
	if cfg.Wechat.Enabled {
		gw, err := wechatpay.NewGateway(context.Background(), cfg.Wechat.ToGatewayConfig())
		if err != nil {
			logger.Errorw("provider_init_wechatpay_failed", "error", err)
		} else {
			registry.Register(gw)
		}
	}
	logger.Infow("provider_gateways_ready", "channels", registry.Channels())
	return registry
}

func logEvent(_ context.Context, event service.Event) {
	logger.Infow("transaction_event",
		"event_id", event.ID,
		"event_type", event.Type,
		"entity_id", event.EntityID,
		"channel", event.Channel,
		"amount", event.Amount,
	)
}

// Close 释放容器持有的外部连接
func (c *Container) Close() {
	if c == nil {
		return
	}
	c.Events.Close()
	if c.QueueClient != nil {
		if err := c.QueueClient.Close(); err != nil {
			logger.Warnw("provider_close_queue_client_failed", "error", err)
		}
	}
	if err := cache.Close(); err != nil {
		logger.Warnw("provider_close_redis_failed", "error", err)
	}
}
