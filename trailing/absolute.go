package trailing

import (
	"fmt"
	"log"

	"posguard/position"
)

// absoluteStrategy 绝对金额回撤追踪
// 以计价货币计算：浮盈达到 activationAmount 激活；
// 止损与极值的价差由 callbackAmount 折算成价格偏移。
type absoluteStrategy struct {
	activationAmount float64
	callbackAmount   float64
}

func newAbsolute(params Params) (*absoluteStrategy, error) {
	if params.ActivationAmount <= 0 {
		return nil, fmt.Errorf("绝对金额追踪需要正的激活金额, 当前 %.4f", params.ActivationAmount)
	}
	if params.CallbackAmount <= 0 {
		return nil, fmt.Errorf("回撤金额必须为正, 当前 %.4f", params.CallbackAmount)
	}
	return &absoluteStrategy{
		activationAmount: params.ActivationAmount,
		callbackAmount:   params.CallbackAmount,
	}, nil
}

func (s *absoluteStrategy) Name() string { return KindAbsolute }

func (s *absoluteStrategy) Initialize(p *position.Position) {
	initTrailing(p, KindAbsolute)
}

func (s *absoluteStrategy) Update(p *position.Position, price float64) {
	advanceExtreme(p, price)

	if !p.TrailingActivated {
		if p.ProfitAmount(price) < s.activationAmount {
			return
		}
		p.TrailingActivated = true
		log.Printf("✅ [追踪止损] %s %s 浮盈 %.2f 达到激活金额 %.2f",
			p.Symbol, p.Side, p.ProfitAmount(price), s.activationAmount)
	}

	extreme, ok := p.Extreme()
	if !ok {
		return
	}
	offset := s.priceOffset(p)
	if offset <= 0 {
		return
	}
	if p.IsLong() {
		ratchetStop(p, extreme-offset)
	} else {
		ratchetStop(p, extreme+offset)
	}
}

// priceOffset 把回撤金额折算为价格偏移：金额 / (数量 × 杠杆)
func (s *absoluteStrategy) priceOffset(p *position.Position) float64 {
	notionalUnit := p.Quantity * float64(p.Leverage)
	if notionalUnit <= 0 {
		return 0
	}
	return s.callbackAmount / notionalUnit
}

func (s *absoluteStrategy) ShouldClose(p *position.Position, price float64) (bool, string) {
	return stopHit(p, price)
}
