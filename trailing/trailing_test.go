package trailing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posguard/position"
)

func newLong(entry float64) *position.Position {
	return &position.Position{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		EntryPrice: entry,
		Quantity:   0.1,
		Leverage:   10,
		EntryTime:  time.Now(),
	}
}

func newShort(entry float64) *position.Position {
	p := newLong(entry)
	p.Side = position.SideShort
	return p
}

func TestPercentageLongLifecycle(t *testing.T) {
	s, err := newPercentage(Params{ActivationPercent: 1.0, CallbackPercent: 0.5})
	require.NoError(t, err)

	p := newLong(60000)
	s.Initialize(p)
	assert.False(t, p.TrailingActivated)

	// 盈利不足不激活, 止损保持为空
	s.Update(p, 60300)
	assert.False(t, p.TrailingActivated)
	assert.Nil(t, p.TrailingStop)
	closed, _ := s.ShouldClose(p, 60300)
	assert.False(t, closed)

	// 60800: 盈利 1.33% ≥ 1%, 激活当笔即参与止损计算
	s.Update(p, 60800)
	assert.True(t, p.TrailingActivated)
	require.NotNil(t, p.TrailingStop)
	assert.InDelta(t, 60496.0, *p.TrailingStop, 1e-6)

	// 新高推动止损上移
	s.Update(p, 61000)
	assert.InDelta(t, 60695.0, *p.TrailingStop, 1e-6)

	// 回落不放松止损
	s.Update(p, 60700)
	assert.InDelta(t, 60695.0, *p.TrailingStop, 1e-6)

	// 跌破止损触发离场
	closed, reason := s.ShouldClose(p, 60500)
	assert.True(t, closed)
	assert.Contains(t, reason, "触发追踪止损")
}

func TestPercentageShortSide(t *testing.T) {
	s, err := newPercentage(Params{ActivationPercent: 1.0, CallbackPercent: 0.5})
	require.NoError(t, err)

	p := newShort(60000)
	s.Initialize(p)

	s.Update(p, 59400) // 盈利 1%
	assert.True(t, p.TrailingActivated)
	require.NotNil(t, p.TrailingStop)
	assert.InDelta(t, 59400*1.005, *p.TrailingStop, 1e-6)

	s.Update(p, 59000)
	assert.InDelta(t, 59000*1.005, *p.TrailingStop, 1e-6)

	// 空单止损只降不升
	s.Update(p, 59300)
	assert.InDelta(t, 59000*1.005, *p.TrailingStop, 1e-6)

	closed, _ := s.ShouldClose(p, 59400)
	assert.True(t, closed)
}

func TestPercentageRejectsBadParams(t *testing.T) {
	_, err := newPercentage(Params{ActivationPercent: 0, CallbackPercent: 0.5})
	assert.Error(t, err)
	_, err = newPercentage(Params{ActivationPercent: 1, CallbackPercent: 100})
	assert.Error(t, err)
}

func TestShouldCloseIsPure(t *testing.T) {
	s, err := newPercentage(Params{ActivationPercent: 1.0, CallbackPercent: 0.5})
	require.NoError(t, err)

	p := newLong(60000)
	s.Initialize(p)
	s.Update(p, 61000)
	snapshot := p.Clone()

	// 判定不得修改持仓状态
	_, _ = s.ShouldClose(p, 50000)
	assert.Equal(t, snapshot, p)
}

func TestAbsoluteActivationAndOffset(t *testing.T) {
	// qty 0.1 × 杠杆 10 = 名义单位 1: 价差即金额
	s, err := newAbsolute(Params{ActivationAmount: 500, CallbackAmount: 200})
	require.NoError(t, err)

	p := newLong(60000)
	s.Initialize(p)

	s.Update(p, 60400) // 浮盈 400 < 500
	assert.False(t, p.TrailingActivated)

	s.Update(p, 60500) // 浮盈 500 激活
	assert.True(t, p.TrailingActivated)
	require.NotNil(t, p.TrailingStop)
	assert.InDelta(t, 60300.0, *p.TrailingStop, 1e-6) // 极值 − 200/1

	s.Update(p, 61000)
	assert.InDelta(t, 60800.0, *p.TrailingStop, 1e-6)
}

type fakeATR struct {
	value float64
	err   error
	calls int
}

func (f *fakeATR) ATR(string) (float64, error) {
	f.calls++
	return f.value, f.err
}

func TestATRActivationAndTightening(t *testing.T) {
	src := &fakeATR{value: 300}
	s, err := newATRStrategy(Params{ATRMultiplier: 2}, src)
	require.NoError(t, err)

	p := newLong(60000)
	s.Initialize(p)

	s.Update(p, 60200) // 位移 200 < 1 ATR
	assert.False(t, p.TrailingActivated)

	s.Update(p, 60300) // 位移恰好 1 ATR
	assert.True(t, p.TrailingActivated)
	require.NotNil(t, p.TrailingStop)
	assert.InDelta(t, 60300-2*300, *p.TrailingStop, 1e-6)

	s.Update(p, 61000)
	assert.InDelta(t, 61000-2*300, *p.TrailingStop, 1e-6)

	// 回落不放松
	s.Update(p, 60500)
	assert.InDelta(t, 61000-2*300, *p.TrailingStop, 1e-6)
}

func TestATRSourceFailureSkipsUpdate(t *testing.T) {
	src := &fakeATR{err: fmt.Errorf("指标源不可用")}
	s, err := newATRStrategy(Params{ATRMultiplier: 2}, src)
	require.NoError(t, err)

	p := newLong(60000)
	s.Initialize(p)
	s.Update(p, 62000)

	// 取不到 ATR 时本次推进被跳过, 不激活也不挂止损
	assert.False(t, p.TrailingActivated)
	assert.Nil(t, p.TrailingStop)
	// 但极值仍然推进
	extreme, ok := p.Extreme()
	require.True(t, ok)
	assert.Equal(t, 62000.0, extreme)
}

func TestParabolicSARFollowsRawSAR(t *testing.T) {
	s, err := newParabolicSAR(Params{SARAFInit: 0.02, SARAFStep: 0.02, SARAFMax: 0.2})
	require.NoError(t, err)

	p := newLong(60000)
	s.Initialize(p)
	assert.Equal(t, 60000.0, p.SAR)
	assert.Equal(t, 60000.0, p.SAREP)
	assert.Equal(t, 0.02, p.SARAF)

	// 持续上行: SAR 逐步跟进并收紧
	for _, price := range []float64{60500, 61000, 61500, 62000} {
		s.Update(p, price)
	}
	require.True(t, p.TrailingActivated)
	require.NotNil(t, p.TrailingStop)
	first := *p.TrailingStop
	assert.Less(t, first, 62000.0)
	assert.Greater(t, p.SARAF, 0.02) // 极值刷新加速了 AF

	s.Update(p, 62500)
	tightened := *p.TrailingStop
	assert.Greater(t, tightened, first)

	// SAR 直接跟随原值: 行情回摆时允许止损回落, 刻意不做棘轮
	s.Update(p, 61000)
	s.Update(p, 60500)
	assert.Equal(t, p.SAR, *p.TrailingStop)
}

func TestParabolicSARClampToRecentPrices(t *testing.T) {
	s, err := newParabolicSAR(Params{})
	require.NoError(t, err)

	p := newLong(60000)
	s.Initialize(p)
	prices := []float64{60100, 60200, 60400, 60800, 61600}
	for _, price := range prices {
		s.Update(p, price)
		// 多单 SAR 永不越过最近两笔价格
		assert.LessOrEqual(t, p.SAR, p.SARLastPrice)
	}
}

func TestSteppedLadderAdvance(t *testing.T) {
	s, err := newSteppedLadder(Params{
		ProfitSteps:   []float64{1, 2, 4},
		CallbackSteps: []float64{0.8, 0.5, 0.3},
	})
	require.NoError(t, err)

	p := newLong(60000)
	s.Initialize(p)
	assert.Equal(t, -1, p.CurrentStep)

	s.Update(p, 60300) // 0.5% 未达首档
	assert.Equal(t, -1, p.CurrentStep)
	assert.False(t, p.TrailingActivated)

	s.Update(p, 60660) // 1.1% → 第 0 档
	assert.Equal(t, 0, p.CurrentStep)
	assert.True(t, p.TrailingActivated)
	require.NotNil(t, p.TrailingStop)
	assert.InDelta(t, 60660*(1-0.008), *p.TrailingStop, 1e-6)

	// 2.5% 盈利直接跨到第 1 档, 回撤收窄
	s.Update(p, 61500)
	assert.Equal(t, 1, p.CurrentStep)
	assert.InDelta(t, 61500*(1-0.005), *p.TrailingStop, 1e-6)

	// 档位只进不退
	s.Update(p, 60700)
	assert.Equal(t, 1, p.CurrentStep)
	assert.InDelta(t, 61500*(1-0.005), *p.TrailingStop, 1e-6)

	s.Update(p, 62500) // 4.17% → 第 2 档
	assert.Equal(t, 2, p.CurrentStep)
	assert.InDelta(t, 62500*(1-0.003), *p.TrailingStop, 1e-6)
}

func TestSteppedLadderValidation(t *testing.T) {
	_, err := newSteppedLadder(Params{ProfitSteps: []float64{1, 2}, CallbackSteps: []float64{0.5}})
	assert.Error(t, err)
	_, err = newSteppedLadder(Params{ProfitSteps: []float64{2, 1}, CallbackSteps: []float64{0.5, 0.3}})
	assert.Error(t, err)
	_, err = newSteppedLadder(Params{})
	assert.Error(t, err)
}

func TestFactory(t *testing.T) {
	for _, kind := range []string{KindPercentage, KindAbsolute, KindParabolicSAR, KindStep} {
		s, err := New(kind, Params{
			ActivationPercent: 1, CallbackPercent: 0.5,
			ActivationAmount: 100, CallbackAmount: 50,
			ProfitSteps: []float64{1}, CallbackSteps: []float64{0.5},
		}, nil)
		require.NoError(t, err, kind)
		assert.Equal(t, kind, s.Name())
	}

	// ATR 变体需要指标源
	_, err := New(KindATR, Params{ATRMultiplier: 2}, nil)
	assert.Error(t, err)
	s, err := New(KindATR, Params{ATRMultiplier: 2}, &fakeATR{value: 1})
	require.NoError(t, err)
	assert.Equal(t, KindATR, s.Name())

	_, err = New("没有这种策略", Params{}, nil)
	assert.Error(t, err)
}

func TestEngineReinitializesOnTypeChange(t *testing.T) {
	s, err := newPercentage(Params{ActivationPercent: 1, CallbackPercent: 0.5})
	require.NoError(t, err)
	engine := NewEngine(s)

	p := newLong(60000)
	p.TrailingType = KindAbsolute
	p.TrailingActivated = true
	p.TrailingStop = position.Float(60100)

	// 类型不一致: 先整体复位再按新策略推进
	activated := engine.Update(p, 60050)
	assert.False(t, activated)
	assert.Equal(t, KindPercentage, p.TrailingType)
	assert.False(t, p.TrailingActivated)
	assert.Nil(t, p.TrailingStop)

	activated = engine.Update(p, 60800)
	assert.True(t, activated)

	// 已激活后不再报告"首次激活"
	activated = engine.Update(p, 61000)
	assert.False(t, activated)
}
