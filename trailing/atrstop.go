package trailing

import (
	"fmt"
	"log"

	"posguard/position"
)

// atrStrategy ATR 距离追踪
// 价格朝有利方向走出一个 ATR 即激活；止损挂在极值回退
// multiplier × ATR 处，只收紧不放松。
// ATR 值由外部指标源提供，取不到时跳过本次推进并告警。
type atrStrategy struct {
	multiplier float64
	source     ATRSource
}

func newATRStrategy(params Params, source ATRSource) (*atrStrategy, error) {
	if params.ATRMultiplier <= 0 {
		return nil, fmt.Errorf("ATR 倍数必须为正, 当前 %.4f", params.ATRMultiplier)
	}
	if source == nil {
		return nil, fmt.Errorf("ATR 追踪需要指标源")
	}
	return &atrStrategy{multiplier: params.ATRMultiplier, source: source}, nil
}

func (s *atrStrategy) Name() string { return KindATR }

func (s *atrStrategy) Initialize(p *position.Position) {
	initTrailing(p, KindATR)
}

func (s *atrStrategy) Update(p *position.Position, price float64) {
	advanceExtreme(p, price)

	atr, err := s.source.ATR(p.Symbol)
	if err != nil || atr <= 0 {
		log.Printf("⚠️  [追踪止损] %s 获取 ATR 失败, 跳过本次推进: %v", p.Symbol, err)
		return
	}

	if !p.TrailingActivated {
		// 激活条件：有利方向的位移 ≥ 1 个 ATR
		var moved float64
		if p.IsLong() {
			moved = price - p.EntryPrice
		} else {
			moved = p.EntryPrice - price
		}
		if moved < atr {
			return
		}
		p.TrailingActivated = true
		log.Printf("✅ [追踪止损] %s %s 价格位移 %.4f 超过 1 ATR(%.4f), 激活",
			p.Symbol, p.Side, moved, atr)
	}

	extreme, ok := p.Extreme()
	if !ok {
		return
	}
	if p.IsLong() {
		ratchetStop(p, extreme-s.multiplier*atr)
	} else {
		ratchetStop(p, extreme+s.multiplier*atr)
	}
}

func (s *atrStrategy) ShouldClose(p *position.Position, price float64) (bool, string) {
	return stopHit(p, price)
}
