package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RefundableAmount 计算可退金额，结果不小于 0
func RefundableAmount(total, refunded int64) int64 {
	if refunded >= total {
		return 0
	}
	return total - refunded
}

// MinorToYuan 将分转换为元（两位小数字符串）
func MinorToYuan(amount int64) string {
	return decimal.NewFromInt(amount).Div(hundred).StringFixed(2)
}

// YuanToMinor 将元转换为分，精度超过分时报错
func YuanToMinor(raw string) (int64, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	minor := amount.Mul(hundred)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %q precision exceeds minor unit", raw)
	}
	return minor.IntPart(), nil
}
