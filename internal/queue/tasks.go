package queue

import (
	"encoding/json"
	"fmt"

	"github.com/dujiao-next/transaction/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// TaskChargeRedispatch 收单预下单重新下发任务
	TaskChargeRedispatch = constants.TaskChargeRedispatch
	// TaskRefundRedispatch 退款重新下发任务
	TaskRefundRedispatch = constants.TaskRefundRedispatch
	// TaskTransferRedispatch 企业付款重新下发任务
	TaskTransferRedispatch = constants.TaskTransferRedispatch
	// TaskChargeExpire 收单过期关闭任务
	TaskChargeExpire = constants.TaskChargeExpire
)

// ChargeRedispatchPayload 收单重新下发载荷
type ChargeRedispatchPayload struct {
	ChargeID string `json:"charge_id"`
}

// RefundRedispatchPayload 退款重新下发载荷
type RefundRedispatchPayload struct {
	RefundID string `json:"refund_id"`
}

// TransferRedispatchPayload 企业付款重新下发载荷
type TransferRedispatchPayload struct {
	TransferID string `json:"transfer_id"`
}

// ChargeExpirePayload 收单过期载荷
type ChargeExpirePayload struct {
	ChargeID string `json:"charge_id"`
}

// NewChargeRedispatchTask 创建收单重新下发任务
func NewChargeRedispatchTask(payload ChargeRedispatchPayload) (*asynq.Task, error) {
	return newJSONTask(TaskChargeRedispatch, payload)
}

// NewRefundRedispatchTask 创建退款重新下发任务
func NewRefundRedispatchTask(payload RefundRedispatchPayload) (*asynq.Task, error) {
	return newJSONTask(TaskRefundRedispatch, payload)
}

// NewTransferRedispatchTask 创建企业付款重新下发任务
func NewTransferRedispatchTask(payload TransferRedispatchPayload) (*asynq.Task, error) {
	return newJSONTask(TaskTransferRedispatch, payload)
}

// NewChargeExpireTask 创建收单过期任务
func NewChargeExpireTask(payload ChargeExpirePayload) (*asynq.Task, error) {
	return newJSONTask(TaskChargeExpire, payload)
}

// DecodePayload 解析任务载荷
func DecodePayload(task *asynq.Task, out interface{}) error {
	if task == nil {
		return fmt.Errorf("nil task: %w", asynq.SkipRetry)
	}
	if err := json.Unmarshal(task.Payload(), out); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	return nil
}

func newJSONTask(typename string, payload interface{}) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, body), nil
}
