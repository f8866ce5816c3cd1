package trailing

import (
	"fmt"
	"log"

	"posguard/position"
)

// percentageStrategy 百分比回撤追踪
// 盈利达到激活阈值后激活，此后止损挂在极值回撤 callback% 处。
type percentageStrategy struct {
	activationPercent float64
	callbackPercent   float64
}

func newPercentage(params Params) (*percentageStrategy, error) {
	if params.ActivationPercent <= 0 {
		return nil, fmt.Errorf("百分比追踪需要正的激活阈值, 当前 %.4f", params.ActivationPercent)
	}
	if params.CallbackPercent <= 0 || params.CallbackPercent >= 100 {
		return nil, fmt.Errorf("回撤比例必须在 (0, 100) 之间, 当前 %.4f", params.CallbackPercent)
	}
	return &percentageStrategy{
		activationPercent: params.ActivationPercent,
		callbackPercent:   params.CallbackPercent,
	}, nil
}

func (s *percentageStrategy) Name() string { return KindPercentage }

func (s *percentageStrategy) Initialize(p *position.Position) {
	initTrailing(p, KindPercentage)
}

// Update 先推进极值，再判定激活，最后从极值重算止损
// 顺序不能调换：激活当笔的价格也要参与止损计算。
func (s *percentageStrategy) Update(p *position.Position, price float64) {
	advanceExtreme(p, price)

	if !p.TrailingActivated {
		if p.ProfitPercent(price) < s.activationPercent {
			return
		}
		p.TrailingActivated = true
		log.Printf("✅ [追踪止损] %s %s 盈利 %.2f%% 达到激活阈值 %.2f%%",
			p.Symbol, p.Side, p.ProfitPercent(price), s.activationPercent)
	}

	extreme, ok := p.Extreme()
	if !ok {
		return
	}
	if p.IsLong() {
		ratchetStop(p, extreme*(1-s.callbackPercent/100))
	} else {
		ratchetStop(p, extreme*(1+s.callbackPercent/100))
	}
}

func (s *percentageStrategy) ShouldClose(p *position.Position, price float64) (bool, string) {
	return stopHit(p, price)
}
