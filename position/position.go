// Package position 定义持仓实体及其本地持久化存储
package position

import (
	"fmt"
	"strings"
	"time"
)

// Side 持仓方向
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Position 本地跟踪的持仓记录
// 字段布局与本地持仓文件的 JSON 结构一一对应，指针字段表示"可为空"。
type Position struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	Leverage   int       `json:"leverage"`
	EntryTime  time.Time `json:"entry_time"`

	// 行情视图（每次价格/同步更新时刷新）
	CurrentPrice  float64 `json:"current_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	ProfitPct     float64 `json:"profit_percent"`

	// 远端保护单镜像：价格为最近一次观察到的委托价
	// *_updated 表示交易所当前是否挂有对应委托
	StopLoss         *float64 `json:"stop_loss"`
	TakeProfit       *float64 `json:"take_profit"`
	BinanceSLUpdated bool     `json:"binance_sl_updated"`
	BinanceTPUpdated bool     `json:"binance_tp_updated"`

	// 追踪止损子状态（仅由 trailing 包写入）
	TrailingType      string   `json:"trailing_type"`
	TrailingActivated bool     `json:"trailing_activated"`
	TrailingStop      *float64 `json:"trailing_stop"`
	HighestPrice      *float64 `json:"highest_price"`
	LowestPrice       *float64 `json:"lowest_price"`

	// Parabolic-SAR 变体专用字段
	SAR          float64 `json:"sar,omitempty"`
	SARAF        float64 `json:"sar_af,omitempty"`
	SAREP        float64 `json:"sar_ep,omitempty"`
	SARLastPrice float64 `json:"sar_last_price,omitempty"`
	SARPrevPrice float64 `json:"sar_prev_price,omitempty"`

	// 阶梯变体专用字段：-1 表示尚未触达任何档位
	CurrentStep int `json:"current_step"`

	// 生命周期
	Closed      bool       `json:"closed"`
	ExitTime    *time.Time `json:"exit_time"`
	ExitReason  string     `json:"exit_reason,omitempty"`
	Source      string     `json:"source,omitempty"`
	ArchiveTime *time.Time `json:"archive_time,omitempty"`
}

// Validate 校验必填字段/取值范围，不合法的记录会被存储层丢弃
func (p *Position) Validate() error {
	if p == nil {
		return fmt.Errorf("持仓为空")
	}
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("symbol 字段缺失")
	}
	if p.Side != SideLong && p.Side != SideShort {
		return fmt.Errorf("%s 无效方向: %s", p.Symbol, p.Side)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("%s entry_price 必须大于 0，当前: %v", p.Symbol, p.EntryPrice)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("%s quantity 必须大于 0，当前: %v", p.Symbol, p.Quantity)
	}
	if p.Leverage <= 0 {
		return fmt.Errorf("%s leverage 必须大于 0，当前: %d", p.Symbol, p.Leverage)
	}
	return nil
}

// IsLong 是否多单
func (p *Position) IsLong() bool {
	return p.Side == SideLong
}

// ProfitPercent 按给定价格计算未加杠杆的浮盈百分比
func (p *Position) ProfitPercent(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	if p.IsLong() {
		return (price - p.EntryPrice) / p.EntryPrice * 100
	}
	return (p.EntryPrice - price) / p.EntryPrice * 100
}

// ProfitAmount 按给定价格计算名义浮盈金额（含杠杆）
func (p *Position) ProfitAmount(price float64) float64 {
	delta := price - p.EntryPrice
	if !p.IsLong() {
		delta = -delta
	}
	return delta * p.Quantity * float64(p.Leverage)
}

// Extreme 返回开仓以来的有利极值（多单最高价 / 空单最低价）
// 不变量：任意时刻 HighestPrice / LowestPrice 恰有一个非空。
func (p *Position) Extreme() (float64, bool) {
	if p.IsLong() {
		if p.HighestPrice == nil {
			return 0, false
		}
		return *p.HighestPrice, true
	}
	if p.LowestPrice == nil {
		return 0, false
	}
	return *p.LowestPrice, true
}

// SetExtreme 写入方向对应的极值字段，并清空另一侧
func (p *Position) SetExtreme(v float64) {
	if p.IsLong() {
		p.HighestPrice = &v
		p.LowestPrice = nil
		return
	}
	p.LowestPrice = &v
	p.HighestPrice = nil
}

// ResetTrailing 清空全部追踪止损子状态（策略切换或重新初始化时调用）
func (p *Position) ResetTrailing() {
	p.TrailingType = ""
	p.TrailingActivated = false
	p.TrailingStop = nil
	p.HighestPrice = nil
	p.LowestPrice = nil
	p.SAR = 0
	p.SARAF = 0
	p.SAREP = 0
	p.SARLastPrice = 0
	p.SARPrevPrice = 0
	p.CurrentStep = -1
}

// Clone 深拷贝（指针字段复制值）
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.StopLoss = clonePtr(p.StopLoss)
	c.TakeProfit = clonePtr(p.TakeProfit)
	c.TrailingStop = clonePtr(p.TrailingStop)
	c.HighestPrice = clonePtr(p.HighestPrice)
	c.LowestPrice = clonePtr(p.LowestPrice)
	if p.ExitTime != nil {
		t := *p.ExitTime
		c.ExitTime = &t
	}
	if p.ArchiveTime != nil {
		t := *p.ArchiveTime
		c.ArchiveTime = &t
	}
	return &c
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float 返回浮点指针，便于一行构造可空价格
func Float(v float64) *float64 {
	return &v
}
