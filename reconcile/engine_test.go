package reconcile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posguard/exchange"
	"posguard/position"
)

// fakeClient 可编程的交易所替身
type fakeClient struct {
	mu sync.Mutex

	positions    []exchange.RemotePosition
	orders       []exchange.Order
	positionsErr error
	ordersErr    error
	createErr    error

	positionsCalls int
	created        []exchange.OrderRequest
	canceled       []int64
	canceledAll    []string
}

func (f *fakeClient) GetPositions() ([]exchange.RemotePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionsCalls++
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions, nil
}

func (f *fakeClient) GetOpenOrders(symbol string) ([]exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ordersErr != nil {
		return nil, f.ordersErr
	}
	if symbol == "" {
		return f.orders, nil
	}
	var out []exchange.Order
	for _, o := range f.orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeClient) CreateOrder(req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	return &exchange.OrderResult{OrderID: int64(len(f.created)), Status: "NEW"}, nil
}

func (f *fakeClient) CancelOrder(_ string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeClient) CancelAllOpenOrders(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceledAll = append(f.canceledAll, symbol)
	return nil
}

func newTestEngine(t *testing.T, client *fakeClient, seed map[string]*position.Position) *Engine {
	t.Helper()
	dir := t.TempDir()
	store := position.NewStore(filepath.Join(dir, "positions.json"), filepath.Join(dir, "history.json"))
	if len(seed) > 0 {
		require.NoError(t, store.Save(seed))
	}
	engine, err := NewEngine(client, exchange.NewRetry(3, time.Millisecond), store)
	require.NoError(t, err)
	return engine
}

func seedLong(symbol string) *position.Position {
	return &position.Position{
		Symbol:     symbol,
		Side:       position.SideLong,
		EntryPrice: 60000,
		Quantity:   0.5,
		Leverage:   10,
		EntryTime:  time.Now(),
	}
}

func TestSyncAddsRemotePositionWithProtectiveMirror(t *testing.T) {
	client := &fakeClient{
		positions: []exchange.RemotePosition{{
			Symbol: "ETHUSDT", Side: "SHORT", EntryPrice: 2900,
			MarkPrice: 2880, Quantity: 2, Leverage: 5, UnrealizedPnL: 40,
		}},
		orders: []exchange.Order{{
			Symbol: "ETHUSDT", OrderID: 7, Type: exchange.OrderTypeStopMarket,
			Side: exchange.SideBuy, StopPrice: 2850, ClosePosition: true,
		}},
	}
	engine := newTestEngine(t, client, nil)

	report := engine.FullSync()
	assert.Equal(t, []string{"ETHUSDT"}, report.Added)
	assert.Empty(t, report.Errors)

	p := engine.Get("ETHUSDT")
	require.NotNil(t, p)
	assert.Equal(t, position.SideShort, p.Side)
	assert.Equal(t, "remote", p.Source)
	require.NotNil(t, p.StopLoss)
	assert.Equal(t, 2850.0, *p.StopLoss)
	assert.True(t, p.BinanceSLUpdated)
	// 远端没有止盈单: 本地不凭空生成
	assert.Nil(t, p.TakeProfit)
	assert.False(t, p.BinanceTPUpdated)
}

func TestSyncArchivesExternallyClosedPosition(t *testing.T) {
	client := &fakeClient{} // 远端无持仓
	engine := newTestEngine(t, client, map[string]*position.Position{"BTCUSDT": seedLong("BTCUSDT")})

	report := engine.FullSync()
	assert.Equal(t, []string{"BTCUSDT"}, report.Removed)
	assert.Nil(t, engine.Get("BTCUSDT"))
	assert.Empty(t, engine.Snapshot())
}

func TestSyncArchivesClosedStraggler(t *testing.T) {
	dir := t.TempDir()
	historyPath := filepath.Join(dir, "history.json")
	store := position.NewStore(filepath.Join(dir, "positions.json"), historyPath)

	straggler := seedLong("BTCUSDT")
	straggler.Closed = true
	straggler.ExitReason = "追踪止损离场"
	require.NoError(t, store.Save(map[string]*position.Position{"BTCUSDT": straggler}))

	engine, err := NewEngine(&fakeClient{}, exchange.NewRetry(3, time.Millisecond), store)
	require.NoError(t, err)

	report := engine.FullSync()

	// 已平仓残留不算外部平仓, 但必须从活跃集合收敛进归档
	assert.Empty(t, report.Removed)
	assert.Nil(t, engine.Get("BTCUSDT"))
	assert.Empty(t, engine.Snapshot())

	data, err := os.ReadFile(historyPath)
	require.NoError(t, err)
	var history []*position.Position
	require.NoError(t, json.Unmarshal(data, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "追踪止损离场", history[0].ExitReason)
	assert.NotNil(t, history[0].ArchiveTime)
}

func TestSyncDoesNotClobberLocalStopWhenRemoteOrderAbsent(t *testing.T) {
	seed := seedLong("BTCUSDT")
	seed.StopLoss = position.Float(59000)
	seed.BinanceSLUpdated = true
	client := &fakeClient{
		positions: []exchange.RemotePosition{{
			Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 60000,
			MarkPrice: 60500, Quantity: 0.5, Leverage: 10,
		}},
		// 远端无任何挂单
	}
	engine := newTestEngine(t, client, map[string]*position.Position{"BTCUSDT": seed})

	report := engine.FullSync()

	p := engine.Get("BTCUSDT")
	require.NotNil(t, p)
	// 本地止损价保留, 只把"远端已挂"标记翻为未挂
	require.NotNil(t, p.StopLoss)
	assert.Equal(t, 59000.0, *p.StopLoss)
	// 缺口由本地到远端的方向补挂
	assert.Equal(t, []string{"BTCUSDT"}, report.SLCreated)
	require.Len(t, client.created, 1)
	req := client.created[0]
	assert.Equal(t, exchange.OrderTypeStopMarket, req.Type)
	assert.Equal(t, exchange.SideSell, req.Side)
	assert.Equal(t, 59000.0, req.StopPrice)
	assert.True(t, req.ClosePosition)
	assert.True(t, p.BinanceSLUpdated)
}

func TestFullSyncIsIdempotent(t *testing.T) {
	client := &fakeClient{
		positions: []exchange.RemotePosition{{
			Symbol: "ETHUSDT", Side: "LONG", EntryPrice: 2900,
			MarkPrice: 2950, Quantity: 1, Leverage: 3,
		}},
	}
	engine := newTestEngine(t, client, nil)

	first := engine.FullSync()
	assert.Len(t, first.Added, 1)

	// 远端不变: 第二轮必须全零, 连 Updated 也不能有
	second := engine.FullSync()
	assert.Empty(t, second.Added)
	assert.Empty(t, second.Updated)
	assert.Empty(t, second.Removed)
	assert.Empty(t, second.SLCreated)
	assert.Empty(t, second.Errors)
	assert.False(t, second.HasChanges())
}

func TestSyncOverwritesDriftedRemoteFacts(t *testing.T) {
	// 本地 0.5 @ 60000 杠杆 10; 远端已部分平仓并重新进场
	client := &fakeClient{
		positions: []exchange.RemotePosition{{
			Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 61000,
			MarkPrice: 61200, Quantity: 0.2, Leverage: 5, UnrealizedPnL: 40,
		}},
	}
	engine := newTestEngine(t, client, map[string]*position.Position{"BTCUSDT": seedLong("BTCUSDT")})

	report := engine.FullSync()
	assert.Equal(t, []string{"BTCUSDT"}, report.Updated)

	p := engine.Get("BTCUSDT")
	require.NotNil(t, p)
	assert.Equal(t, 61000.0, p.EntryPrice)
	assert.Equal(t, 0.2, p.Quantity)
	assert.Equal(t, 5, p.Leverage)

	// 平仓数量取盖写后的远端事实
	require.NoError(t, engine.ClosePosition("BTCUSDT", "测试"))
	last := client.created[len(client.created)-1]
	assert.Equal(t, 0.2, last.Quantity)

	// 再跑一轮: 事实已一致, 不再计入 Updated
	client.mu.Lock()
	client.created = nil
	client.mu.Unlock()
	second := engine.FullSync()
	assert.Empty(t, second.Updated)
}

func TestSyncResetsTrailingOnSideFlip(t *testing.T) {
	seed := seedLong("BTCUSDT")
	seed.TrailingType = "percentage"
	seed.TrailingActivated = true
	seed.TrailingStop = position.Float(60496)
	seed.HighestPrice = position.Float(60800)
	client := &fakeClient{
		positions: []exchange.RemotePosition{{
			Symbol: "BTCUSDT", Side: "SHORT", EntryPrice: 60500,
			MarkPrice: 60400, Quantity: 0.5, Leverage: 10,
		}},
	}
	engine := newTestEngine(t, client, map[string]*position.Position{"BTCUSDT": seed})

	report := engine.FullSync()
	assert.Equal(t, []string{"BTCUSDT"}, report.Updated)

	// 外部反手: 原有追踪子状态作废
	p := engine.Get("BTCUSDT")
	require.NotNil(t, p)
	assert.Equal(t, position.SideShort, p.Side)
	assert.False(t, p.TrailingActivated)
	assert.Nil(t, p.TrailingStop)
	assert.Nil(t, p.HighestPrice)
}

func TestFullSyncRetriesExactlyThreeTimes(t *testing.T) {
	client := &fakeClient{positionsErr: fmt.Errorf("网络不可达")}
	engine := newTestEngine(t, client, map[string]*position.Position{"BTCUSDT": seedLong("BTCUSDT")})

	report := engine.FullSync()

	// 固定 3 次重试, 耗尽后记入报告
	assert.Equal(t, 3, client.positionsCalls)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "拉取远端状态失败")

	// 拉取失败时本地状态原样保留
	assert.NotNil(t, engine.Get("BTCUSDT"))
}

func TestClosePositionCancelsOrdersAndArchives(t *testing.T) {
	client := &fakeClient{
		positions: []exchange.RemotePosition{{
			Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 60000,
			MarkPrice: 61000, Quantity: 0.5, Leverage: 10,
		}},
	}
	engine := newTestEngine(t, client, map[string]*position.Position{"BTCUSDT": seedLong("BTCUSDT")})

	require.NoError(t, engine.ClosePosition("BTCUSDT", "追踪止损离场"))

	assert.Equal(t, []string{"BTCUSDT"}, client.canceledAll)
	require.Len(t, client.created, 1)
	req := client.created[0]
	assert.Equal(t, exchange.OrderTypeMarket, req.Type)
	assert.Equal(t, exchange.SideSell, req.Side)
	assert.Equal(t, 0.5, req.Quantity)
	assert.True(t, req.ReduceOnly)

	p := engine.Get("BTCUSDT")
	require.NotNil(t, p)
	assert.True(t, p.Closed)
	assert.Equal(t, "追踪止损离场", p.ExitReason)
	require.NotNil(t, p.ExitTime)

	require.NoError(t, engine.ArchiveClosed())
	assert.Nil(t, engine.Get("BTCUSDT"))
}

func TestClosePositionUnknownSymbol(t *testing.T) {
	engine := newTestEngine(t, &fakeClient{}, nil)
	err := engine.ClosePosition("DOGEUSDT", "测试")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "持仓不存在")
}

func TestPushTrailingStopReplacesOldOrder(t *testing.T) {
	seed := seedLong("BTCUSDT")
	seed.TrailingActivated = true
	seed.TrailingStop = position.Float(60496)
	client := &fakeClient{
		orders: []exchange.Order{{
			Symbol: "BTCUSDT", OrderID: 11, Type: exchange.OrderTypeStopMarket,
			Side: exchange.SideSell, StopPrice: 60300, ClosePosition: true,
		}},
	}
	engine := newTestEngine(t, client, map[string]*position.Position{"BTCUSDT": seed})

	require.NoError(t, engine.PushTrailingStop("BTCUSDT"))

	// 旧止损单先撤, 新价位重挂
	assert.Equal(t, []int64{11}, client.canceled)
	require.Len(t, client.created, 1)
	req := client.created[0]
	assert.Equal(t, exchange.OrderTypeStopMarket, req.Type)
	assert.Equal(t, 60496.0, req.StopPrice)
	assert.True(t, req.ClosePosition)

	p := engine.Get("BTCUSDT")
	require.NotNil(t, p.StopLoss)
	assert.Equal(t, 60496.0, *p.StopLoss)
	assert.True(t, p.BinanceSLUpdated)
}

func TestPushTrailingStopRequiresStopPrice(t *testing.T) {
	engine := newTestEngine(t, &fakeClient{}, map[string]*position.Position{"BTCUSDT": seedLong("BTCUSDT")})
	err := engine.PushTrailingStop("BTCUSDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "没有可推送的追踪止损价")
}

func TestWithPositionPersistsOnChange(t *testing.T) {
	engine := newTestEngine(t, &fakeClient{}, map[string]*position.Position{"BTCUSDT": seedLong("BTCUSDT")})

	require.NoError(t, engine.WithPosition("BTCUSDT", func(p *position.Position) bool {
		p.CurrentPrice = 61000
		return true
	}))
	assert.Equal(t, 61000.0, engine.Get("BTCUSDT").CurrentPrice)

	err := engine.WithPosition("NOPEUSDT", func(*position.Position) bool { return false })
	assert.Error(t, err)
}

func TestReportSummaryAndMerge(t *testing.T) {
	r := &SyncReport{Added: []string{"A"}}
	r.Merge(&SyncReport{Errors: []string{"x"}, SLCreated: []string{"B"}})
	assert.True(t, r.HasChanges())
	assert.Contains(t, r.Summary(), "新增 1")
	assert.Contains(t, r.Summary(), "错误 1")
}
