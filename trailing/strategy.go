// Package trailing 实现五种可互换的追踪止损算法
//
// 状态机：Uninitialized → Armed(未激活) → Active(已激活) → Closed。
// 除 Parabolic-SAR 外，激活后的止损只收紧不放松（单调棘轮）；
// SAR 变体直接跟随原始 SAR 值，允许反向移动——这是对原始行为的
// 刻意保留，不要"修复"成棘轮。
package trailing

import (
	"fmt"
	"strings"

	"posguard/position"
)

// 策略类型标识（写入 Position.TrailingType）
const (
	KindPercentage   = "percentage"
	KindAbsolute     = "absolute"
	KindATR          = "atr"
	KindParabolicSAR = "parabolic_sar"
	KindStep         = "step"
)

// ATRSource 指标引擎协作接口：按需提供某交易对的 ATR 值
// 指标计算本身不属于本系统，这里只把返回值当不透明输入。
type ATRSource interface {
	ATR(symbol string) (float64, error)
}

// Strategy 单个追踪止损算法
type Strategy interface {
	// Name 返回策略类型标识
	Name() string
	// Initialize 把策略参数盖到持仓上并复位追踪子状态
	Initialize(p *position.Position)
	// Update 按新价格推进状态机（更新极值、判定激活、移动止损）
	Update(p *position.Position, price float64)
	// ShouldClose 纯判定：是否触发离场；不修改持仓
	ShouldClose(p *position.Position, price float64) (bool, string)
}

// Params 全部变体的参数集合（按变体取用各自字段）
type Params struct {
	// Percentage 变体
	ActivationPercent float64 `yaml:"activation_percent"`
	CallbackPercent   float64 `yaml:"callback_percent"`

	// Absolute 变体（以计价货币计）
	ActivationAmount float64 `yaml:"activation_amount"`
	CallbackAmount   float64 `yaml:"callback_amount"`

	// ATR 变体
	ATRMultiplier float64 `yaml:"atr_multiplier"`

	// Parabolic-SAR 变体
	SARAFInit float64 `yaml:"sar_af_init"`
	SARAFStep float64 `yaml:"sar_af_step"`
	SARAFMax  float64 `yaml:"sar_af_max"`

	// 阶梯变体：两个数组按下标一一对应
	ProfitSteps   []float64 `yaml:"profit_steps"`
	CallbackSteps []float64 `yaml:"callback_steps"`
}

// New 按配置字符串构造策略实例
func New(kind string, params Params, atr ATRSource) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindPercentage, "":
		return newPercentage(params)
	case KindAbsolute:
		return newAbsolute(params)
	case KindATR:
		return newATRStrategy(params, atr)
	case KindParabolicSAR:
		return newParabolicSAR(params)
	case KindStep:
		return newSteppedLadder(params)
	default:
		return nil, fmt.Errorf("未知追踪止损类型: %s", kind)
	}
}

// Engine 策略引擎：持有当前配置的策略并处理策略切换
type Engine struct {
	strategy Strategy
}

// NewEngine 创建引擎
func NewEngine(strategy Strategy) *Engine {
	return &Engine{strategy: strategy}
}

// Strategy 返回当前策略
func (e *Engine) Strategy() Strategy {
	return e.strategy
}

// Update 推进一个持仓的追踪状态，返回本次是否发生了"首次激活"
// 持仓上记录的策略类型与当前配置不一致时直接重新初始化
// （刻意的状态重置，不在变体之间迁移状态）。
func (e *Engine) Update(p *position.Position, price float64) (activated bool) {
	if e == nil || e.strategy == nil || p == nil || price <= 0 {
		return false
	}

	if p.TrailingType != e.strategy.Name() {
		e.strategy.Initialize(p)
	}

	wasActive := p.TrailingActivated
	e.strategy.Update(p, price)
	return !wasActive && p.TrailingActivated
}

// ShouldClose 透传到当前策略的纯判定
func (e *Engine) ShouldClose(p *position.Position, price float64) (bool, string) {
	if e == nil || e.strategy == nil || p == nil {
		return false, "策略未配置"
	}
	return e.strategy.ShouldClose(p, price)
}

// initTrailing 通用初始化：复位子状态、盖上类型标记、以入场价播种极值
func initTrailing(p *position.Position, kind string) {
	p.ResetTrailing()
	p.TrailingType = kind
	p.SetExtreme(p.EntryPrice)
}

// advanceExtreme 用新价格推进有利极值，返回极值是否被刷新
func advanceExtreme(p *position.Position, price float64) bool {
	extreme, ok := p.Extreme()
	if !ok {
		p.SetExtreme(price)
		return true
	}
	if p.IsLong() {
		if price > extreme {
			p.SetExtreme(price)
			return true
		}
		return false
	}
	if price < extreme {
		p.SetExtreme(price)
		return true
	}
	return false
}

// ratchetStop 单调收紧：多单只升不降，空单只降不升
func ratchetStop(p *position.Position, candidate float64) {
	if p.TrailingStop == nil {
		p.TrailingStop = position.Float(candidate)
		return
	}
	if p.IsLong() {
		if candidate > *p.TrailingStop {
			p.TrailingStop = position.Float(candidate)
		}
		return
	}
	if candidate < *p.TrailingStop {
		p.TrailingStop = position.Float(candidate)
	}
}

// stopHit 通用离场判定：多单价格跌破止损 / 空单价格突破止损
func stopHit(p *position.Position, price float64) (bool, string) {
	if !p.TrailingActivated || p.TrailingStop == nil {
		return false, "追踪止损未激活"
	}
	stop := *p.TrailingStop
	if p.IsLong() {
		if price <= stop {
			return true, fmt.Sprintf("多单触发追踪止损: 价格 %.4f ≤ 止损 %.4f", price, stop)
		}
		return false, fmt.Sprintf("价格 %.4f 仍高于止损 %.4f", price, stop)
	}
	if price >= stop {
		return true, fmt.Sprintf("空单触发追踪止损: 价格 %.4f ≥ 止损 %.4f", price, stop)
	}
	return false, fmt.Sprintf("价格 %.4f 仍低于止损 %.4f", price, stop)
}
