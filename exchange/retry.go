package exchange

import (
	"fmt"
	"log"
	"time"
)

const (
	// DefaultMaxRetries 远端调用的固定尝试次数
	DefaultMaxRetries = 3
	// DefaultRetryDelay 两次尝试之间的固定等待（不做指数退避/抖动）
	DefaultRetryDelay = 2 * time.Second
)

// Retry 有界重试包装器
// 失败策略：固定次数、固定间隔；耗尽后返回最后一次错误，
// 由调用方把失败记入结果/报告，绝不向上抛异常中断控制循环。
type Retry struct {
	MaxRetries int
	Delay      time.Duration
}

// NewRetry 创建重试器，非法参数回落到默认值
func NewRetry(maxRetries int, delay time.Duration) *Retry {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return &Retry{MaxRetries: maxRetries, Delay: delay}
}

// Do 执行无返回值的远端操作
func (r *Retry) Do(op string, fn func() error) error {
	_, err := DoValue(r, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue 执行带返回值的远端操作
// 每次失败记录一条告警；全部尝试失败后返回 (零值, 包装错误)。
func DoValue[T any](r *Retry, op string, fn func() (T, error)) (T, error) {
	var zero T
	if r == nil {
		r = NewRetry(0, 0)
	}

	var lastErr error
	for attempt := 1; attempt <= r.MaxRetries; attempt++ {
		value, err := fn()
		if err == nil {
			return value, nil
		}
		lastErr = err
		log.Printf("⚠️  [重试] %s 第 %d/%d 次失败: %v", op, attempt, r.MaxRetries, err)
		if attempt < r.MaxRetries {
			time.Sleep(r.Delay)
		}
	}

	return zero, fmt.Errorf("%s 重试 %d 次后仍失败: %w", op, r.MaxRetries, lastErr)
}
