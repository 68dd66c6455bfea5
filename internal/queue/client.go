package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dujiao-next/transaction/internal/config"
	"github.com/dujiao-next/transaction/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// DefaultQueue 默认队列名称
	DefaultQueue = constants.QueueDefault
	// CriticalQueue 高优先级队列名称
	CriticalQueue = constants.QueueCritical

	defaultMaxRetry = 5
)

// Client 队列客户端封装
type Client struct {
	client       *asynq.Client
	enabled      bool
	defaultQueue string
	maxRetry     int
}

// NewClient 创建队列客户端
func NewClient(cfg *config.QueueConfig, maxRetry int) (*Client, error) {
	if maxRetry <= 0 {
		maxRetry = defaultMaxRetry
	}
	if cfg == nil || !cfg.Enabled {
		return &Client{enabled: false, defaultQueue: DefaultQueue, maxRetry: maxRetry}, nil
	}
	opt := buildRedisOpt(cfg)
	client := asynq.NewClient(opt)
	return &Client{
		client:       client,
		enabled:      true,
		defaultQueue: DefaultQueue,
		maxRetry:     maxRetry,
	}, nil
}

// Enabled 判断是否启用
func (c *Client) Enabled() bool {
	return c != nil && c.enabled && c.client != nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueChargeRedispatch 推送收单重新下发任务，未执行的同单任务只保留一个
func (c *Client) EnqueueChargeRedispatch(payload ChargeRedispatchPayload, delay time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	task, err := NewChargeRedispatchTask(payload)
	if err != nil {
		return err
	}
	return c.enqueue(task, CriticalQueue, delay, TaskChargeRedispatch+":"+payload.ChargeID)
}

// EnqueueRefundRedispatch 推送退款重新下发任务，定时补投重复入队时去重
func (c *Client) EnqueueRefundRedispatch(payload RefundRedispatchPayload, delay time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	task, err := NewRefundRedispatchTask(payload)
	if err != nil {
		return err
	}
	return c.enqueue(task, CriticalQueue, delay, TaskRefundRedispatch+":"+payload.RefundID)
}

// EnqueueTransferRedispatch 推送企业付款重新下发任务
func (c *Client) EnqueueTransferRedispatch(payload TransferRedispatchPayload, delay time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	task, err := NewTransferRedispatchTask(payload)
	if err != nil {
		return err
	}
	return c.enqueue(task, CriticalQueue, delay, TaskTransferRedispatch+":"+payload.TransferID)
}

// EnqueueChargeExpire 推送收单过期关闭任务，同一收单只保留一个任务
func (c *Client) EnqueueChargeExpire(payload ChargeExpirePayload, delay time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	task, err := NewChargeExpireTask(payload)
	if err != nil {
		return err
	}
	return c.enqueue(task, c.defaultQueue, delay, TaskChargeExpire+":"+payload.ChargeID)
}

func (c *Client) enqueue(task *asynq.Task, queueName string, delay time.Duration, taskID string) error {
	if delay < 0 {
		delay = 0
	}
	options := []asynq.Option{
		asynq.Queue(queueName),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(c.maxRetry),
	}
	if taskID != "" {
		options = append(options, asynq.TaskID(taskID))
	}
	_, err := c.client.Enqueue(task, options...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// BuildServerConfig 生成队列服务配置
func BuildServerConfig(cfg *config.QueueConfig) (asynq.RedisClientOpt, asynq.Config) {
	opt := buildRedisOpt(cfg)
	concurrency := 10
	if cfg != nil && cfg.Concurrency > 0 {
		concurrency = cfg.Concurrency
	}
	queues := map[string]int{DefaultQueue: 1, CriticalQueue: 2}
	if cfg != nil && len(cfg.Queues) > 0 {
		queues = cfg.Queues
	}
	return opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
	}
}

func buildRedisOpt(cfg *config.QueueConfig) asynq.RedisClientOpt {
	host := "127.0.0.1"
	port := 6379
	password := ""
	db := 0
	if cfg != nil {
		if strings.TrimSpace(cfg.Host) != "" {
			host = strings.TrimSpace(cfg.Host)
		}
		if cfg.Port > 0 {
			port = cfg.Port
		}
		password = cfg.Password
		db = cfg.DB
	}
	return asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	}
}
