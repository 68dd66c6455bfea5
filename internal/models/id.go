package models

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

const (
	idCounterMax     = 9999
	idMaxAttempts    = idCounterMax
	refundTimeLayout = "20060102150405"
)

// ErrIDExhausted 同一时间窗口内流水号耗尽
var ErrIDExhausted = errors.New("transaction id space exhausted")

// IDExistsFunc 判断流水号是否已被占用
type IDExistsFunc func(ctx context.Context, id string) (bool, error)

// IDGenerator 带冲突检测的流水号生成器
// 流水号 = 时间前缀 + 4 位循环计数，计数起点随机，占用时顺延。
type IDGenerator struct {
	mu      sync.Mutex
	counter int
	prefix  func(time.Time) string
	now     func() time.Time
	exists  IDExistsFunc
}

// NewUnixIDGenerator 收单/付款流水号：unix 秒 + 4 位计数
func NewUnixIDGenerator(exists IDExistsFunc) *IDGenerator {
	return newIDGenerator(func(t time.Time) string {
		return strconv.FormatInt(t.Unix(), 10)
	}, exists)
}

// NewDatetimeIDGenerator 退款流水号：YmdHis + 4 位计数
func NewDatetimeIDGenerator(exists IDExistsFunc) *IDGenerator {
	return newIDGenerator(func(t time.Time) string {
		return t.Format(refundTimeLayout)
	}, exists)
}

func newIDGenerator(prefix func(time.Time) string, exists IDExistsFunc) *IDGenerator {
	return &IDGenerator{
		counter: rand.IntN(idCounterMax + 1),
		prefix:  prefix,
		now:     time.Now,
		exists:  exists,
	}
}

// WithClock 替换时钟
func (g *IDGenerator) WithClock(now func() time.Time) *IDGenerator {
	if now != nil {
		g.now = now
	}
	return g
}

// Next 生成下一个未被占用的流水号
func (g *IDGenerator) Next(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prefix := g.prefix(g.now())
	for attempt := 0; attempt < idMaxAttempts; attempt++ {
		g.counter++
		if g.counter > idCounterMax {
			g.counter = 1
		}
		id := fmt.Sprintf("%s%04d", prefix, g.counter)
		if g.exists == nil {
			return id, nil
		}
		taken, err := g.exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}
