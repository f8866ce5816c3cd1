package notify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	name string
	err  error
	sent []Event
}

func (s *stubChannel) Name() string { return s.name }
func (s *stubChannel) Send(ev Event) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, ev)
	return nil
}

func TestDispatchFanOut(t *testing.T) {
	ok := &stubChannel{name: "好的通道"}
	bad := &stubChannel{name: "坏的通道", err: fmt.Errorf("发送失败")}
	n := NewNotifier(ok, bad)

	results := n.Dispatch(Event{Type: EventPositionClosed, Symbol: "BTCUSDT", Reason: "追踪止损离场"})

	// 单通道失败不影响其他通道
	assert.Equal(t, map[string]bool{"好的通道": true, "坏的通道": false}, results)
	require.Len(t, ok.sent, 1)
	assert.False(t, ok.sent[0].Timestamp.IsZero())
}

func TestEventText(t *testing.T) {
	activated := Event{Type: EventTrailingActivated, Symbol: "BTCUSDT", Side: "LONG", Price: 60800, StopPrice: 60496}
	assert.Contains(t, activated.Text(), "追踪止损已激活")
	assert.Contains(t, activated.Text(), "BTCUSDT")

	closed := Event{Type: EventPositionClosed, Symbol: "ETHUSDT", Side: "SHORT", Price: 2850, Reason: "外部平仓"}
	assert.Contains(t, closed.Text(), "已平仓")
	assert.Contains(t, closed.Text(), "外部平仓")

	unknown := Event{Type: "别的事件", Symbol: "X", Reason: "y"}
	assert.Contains(t, unknown.Text(), "别的事件")
}

func TestLogChannelNeverFails(t *testing.T) {
	n := NewNotifier(LogChannel{})
	results := n.Dispatch(Event{Type: EventSyncError, Reason: "网络抖动"})
	assert.Equal(t, map[string]bool{"log": true}, results)
}
