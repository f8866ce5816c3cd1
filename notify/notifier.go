// Package notify 把生命周期事件分发到若干通知通道
package notify

import (
	"fmt"
	"log"
	"time"
)

// 事件类型
const (
	EventTrailingActivated = "trailing_stop_activated"
	EventTrailingMoved     = "trailing_stop_moved"
	EventPositionClosed    = "position_closed"
	EventSyncError         = "sync_error"
)

// Event 一条通知事件
type Event struct {
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side,omitempty"`
	Price     float64   `json:"price,omitempty"`
	StopPrice float64   `json:"stop_price,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Text 渲染为人读文案
func (e Event) Text() string {
	switch e.Type {
	case EventTrailingActivated:
		return fmt.Sprintf("✅ %s %s 追踪止损已激活\n当前价: %.4f\n止损价: %.4f",
			e.Symbol, e.Side, e.Price, e.StopPrice)
	case EventTrailingMoved:
		return fmt.Sprintf("🔄 %s %s 追踪止损已上移\n当前价: %.4f\n新止损: %.4f",
			e.Symbol, e.Side, e.Price, e.StopPrice)
	case EventPositionClosed:
		return fmt.Sprintf("📊 %s %s 已平仓 @ %.4f\n原因: %s", e.Symbol, e.Side, e.Price, e.Reason)
	case EventSyncError:
		return fmt.Sprintf("❌ 对账错误 (%s): %s", e.Symbol, e.Reason)
	default:
		return fmt.Sprintf("%s %s: %s", e.Type, e.Symbol, e.Reason)
	}
}

// Channel 单个通知通道
type Channel interface {
	Name() string
	Send(ev Event) error
}

// Notifier 扇出分发器
// 任一通道失败只记日志与结果, 不影响其他通道, 更不影响交易主流程。
type Notifier struct {
	channels []Channel
}

// NewNotifier 创建分发器
func NewNotifier(channels ...Channel) *Notifier {
	return &Notifier{channels: channels}
}

// Dispatch 把事件发给全部通道，返回每个通道的成败
func (n *Notifier) Dispatch(ev Event) map[string]bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	results := make(map[string]bool, len(n.channels))
	for _, ch := range n.channels {
		if err := ch.Send(ev); err != nil {
			log.Printf("⚠️  [通知] 通道 %s 发送失败: %v", ch.Name(), err)
			results[ch.Name()] = false
			continue
		}
		results[ch.Name()] = true
	}
	return results
}

// LogChannel 仅写日志的兜底通道
type LogChannel struct{}

// Name 通道名
func (LogChannel) Name() string { return "log" }

// Send 把事件文案写入日志
func (LogChannel) Send(ev Event) error {
	log.Printf("📣 [通知] %s", ev.Text())
	return nil
}
