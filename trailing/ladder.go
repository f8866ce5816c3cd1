package trailing

import (
	"fmt"
	"log"

	"posguard/position"
)

// steppedLadderStrategy 阶梯回撤追踪
// profitSteps 定义各档位的盈利门槛(%)，callbackSteps 定义对应档位的
// 回撤比例(%)。盈利逐档爬升时档位只进不退，止损按当前档位的回撤
// 比例从极值重算并棘轮收紧。
type steppedLadderStrategy struct {
	profitSteps   []float64
	callbackSteps []float64
}

func newSteppedLadder(params Params) (*steppedLadderStrategy, error) {
	if len(params.ProfitSteps) == 0 {
		return nil, fmt.Errorf("阶梯追踪至少需要一个盈利档位")
	}
	if len(params.ProfitSteps) != len(params.CallbackSteps) {
		return nil, fmt.Errorf("盈利档位与回撤档位数量不一致: %d vs %d",
			len(params.ProfitSteps), len(params.CallbackSteps))
	}
	for i := 1; i < len(params.ProfitSteps); i++ {
		if params.ProfitSteps[i] <= params.ProfitSteps[i-1] {
			return nil, fmt.Errorf("盈利档位必须严格递增, 第 %d 档 %.4f ≤ 第 %d 档 %.4f",
				i, params.ProfitSteps[i], i-1, params.ProfitSteps[i-1])
		}
	}
	for i, cb := range params.CallbackSteps {
		if cb <= 0 || cb >= 100 {
			return nil, fmt.Errorf("第 %d 档回撤比例必须在 (0, 100) 之间, 当前 %.4f", i, cb)
		}
	}
	return &steppedLadderStrategy{
		profitSteps:   params.ProfitSteps,
		callbackSteps: params.CallbackSteps,
	}, nil
}

func (s *steppedLadderStrategy) Name() string { return KindStep }

func (s *steppedLadderStrategy) Initialize(p *position.Position) {
	initTrailing(p, KindStep)
}

func (s *steppedLadderStrategy) Update(p *position.Position, price float64) {
	advanceExtreme(p, price)

	// 档位只进不退：按当笔盈利尽可能向上爬
	profit := p.ProfitPercent(price)
	for p.CurrentStep+1 < len(s.profitSteps) && profit >= s.profitSteps[p.CurrentStep+1] {
		p.CurrentStep++
		log.Printf("📊 [追踪止损] %s %s 盈利 %.2f%% 升至第 %d 档 (回撤 %.2f%%)",
			p.Symbol, p.Side, profit, p.CurrentStep, s.callbackSteps[p.CurrentStep])
	}

	if p.CurrentStep < 0 {
		return
	}
	if !p.TrailingActivated {
		p.TrailingActivated = true
		log.Printf("✅ [追踪止损] %s %s 触达首个盈利档位, 激活", p.Symbol, p.Side)
	}

	extreme, ok := p.Extreme()
	if !ok {
		return
	}
	callback := s.callbackSteps[p.CurrentStep]
	if p.IsLong() {
		ratchetStop(p, extreme*(1-callback/100))
	} else {
		ratchetStop(p, extreme*(1+callback/100))
	}
}

func (s *steppedLadderStrategy) ShouldClose(p *position.Position, price float64) (bool, string) {
	return stopHit(p, price)
}
