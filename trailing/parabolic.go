package trailing

import (
	"fmt"
	"log"
	"math"

	"posguard/position"
)

// 盈利超过该阈值后 SAR 止损才开始生效
const sarActivationProfitPercent = 1.0

// parabolicSARStrategy 抛物线 SAR 追踪
// SAR' = SAR + AF × (EP − SAR)，极值刷新时 AF 按步长递增至上限。
// 多单 SAR 被钳制到最近两笔价格之下（空单对称钳制到其上），
// 止损始终取当前 SAR 原值：SAR 回摆时止损允许放松，
// 这是该变体区别于其余变体的既有行为，刻意不做棘轮。
type parabolicSARStrategy struct {
	afInit float64
	afStep float64
	afMax  float64
}

func newParabolicSAR(params Params) (*parabolicSARStrategy, error) {
	s := &parabolicSARStrategy{
		afInit: params.SARAFInit,
		afStep: params.SARAFStep,
		afMax:  params.SARAFMax,
	}
	if s.afInit <= 0 {
		s.afInit = 0.02
	}
	if s.afStep <= 0 {
		s.afStep = 0.02
	}
	if s.afMax <= 0 {
		s.afMax = 0.2
	}
	if s.afInit > s.afMax {
		return nil, fmt.Errorf("SAR 初始加速因子 %.4f 不能超过上限 %.4f", s.afInit, s.afMax)
	}
	return s, nil
}

func (s *parabolicSARStrategy) Name() string { return KindParabolicSAR }

// Initialize SAR 与 EP 均以入场价播种，AF 取初始值
func (s *parabolicSARStrategy) Initialize(p *position.Position) {
	initTrailing(p, KindParabolicSAR)
	p.SAR = p.EntryPrice
	p.SAREP = p.EntryPrice
	p.SARAF = s.afInit
	p.SARLastPrice = p.EntryPrice
	p.SARPrevPrice = p.EntryPrice
}

func (s *parabolicSARStrategy) Update(p *position.Position, price float64) {
	if advanceExtreme(p, price) {
		// 极值刷新：EP 跟随新极值，AF 加速
		if extreme, ok := p.Extreme(); ok {
			p.SAREP = extreme
		}
		p.SARAF = math.Min(p.SARAF+s.afStep, s.afMax)
	}

	sar := p.SAR + p.SARAF*(p.SAREP-p.SAR)

	// 钳制：SAR 不得越过最近两笔价格
	if p.IsLong() {
		sar = math.Min(sar, math.Min(p.SARLastPrice, p.SARPrevPrice))
	} else {
		sar = math.Max(sar, math.Max(p.SARLastPrice, p.SARPrevPrice))
	}
	p.SAR = sar
	p.SARPrevPrice = p.SARLastPrice
	p.SARLastPrice = price

	if !p.TrailingActivated {
		if p.ProfitPercent(price) < sarActivationProfitPercent {
			return
		}
		p.TrailingActivated = true
		log.Printf("✅ [追踪止损] %s %s 盈利 %.2f%% 达到 SAR 生效阈值, SAR=%.4f",
			p.Symbol, p.Side, p.ProfitPercent(price), p.SAR)
	}

	// 直接跟随 SAR，不经过棘轮
	p.TrailingStop = position.Float(p.SAR)
}

func (s *parabolicSARStrategy) ShouldClose(p *position.Position, price float64) (bool, string) {
	return stopHit(p, price)
}
