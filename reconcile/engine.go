package reconcile

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"posguard/exchange"
	"posguard/position"
)

// 外部平仓（远端消失的持仓）归档时使用的离场原因
const ExitReasonExternal = "外部平仓"

// Engine 对账引擎：持有本地持仓的权威内存副本
// 所有对持仓 map 的读写都经过 mu；网络调用在持锁之外完成。
type Engine struct {
	client exchange.Client
	retry  *exchange.Retry
	store  *position.Store

	mu        sync.Mutex
	positions map[string]*position.Position
}

// NewEngine 创建引擎并从本地文件加载持仓
func NewEngine(client exchange.Client, retry *exchange.Retry, store *position.Store) (*Engine, error) {
	positions, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("加载本地持仓失败: %w", err)
	}
	log.Printf("✅ [对账] 本地持仓加载完成, 共 %d 条", len(positions))
	return &Engine{
		client:    client,
		retry:     retry,
		store:     store,
		positions: positions,
	}, nil
}

// Reload 丢弃内存副本并从文件重新加载（故障恢复路径）
func (e *Engine) Reload() error {
	positions, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("重新加载本地持仓失败: %w", err)
	}
	e.mu.Lock()
	e.positions = positions
	e.mu.Unlock()
	log.Printf("🔄 [对账] 本地持仓已重新加载, 共 %d 条", len(positions))
	return nil
}

// Get 返回某交易对持仓的深拷贝，不存在时返回 nil
func (e *Engine) Get(symbol string) *position.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[symbol].Clone()
}

// Snapshot 返回全部持仓的深拷贝，按交易对排序
func (e *Engine) Snapshot() []*position.Position {
	e.mu.Lock()
	out := make([]*position.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p.Clone())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// WithPosition 持锁对单个持仓执行回调并在修改后落盘
// fn 返回 true 表示持仓被修改；回调内不得发起网络调用。
func (e *Engine) WithPosition(symbol string, fn func(p *position.Position) bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.positions[symbol]
	if !ok {
		return fmt.Errorf("持仓不存在: %s", symbol)
	}
	if fn(p) {
		return e.store.Save(e.positions)
	}
	return nil
}

// remoteState 一次拉取的远端快照
type remoteState struct {
	positions map[string]exchange.RemotePosition
	stops     map[string]exchange.Order // 每个交易对取第一个止损单
	takes     map[string]exchange.Order
}

// PullRemoteState 经重试包装拉取远端持仓与挂单
func (e *Engine) PullRemoteState() (*remoteState, error) {
	remotePositions, err := exchange.DoValue(e.retry, "拉取远端持仓", e.client.GetPositions)
	if err != nil {
		return nil, err
	}
	openOrders, err := exchange.DoValue(e.retry, "拉取远端挂单", func() ([]exchange.Order, error) {
		return e.client.GetOpenOrders("")
	})
	if err != nil {
		return nil, err
	}

	state := &remoteState{
		positions: make(map[string]exchange.RemotePosition, len(remotePositions)),
		stops:     make(map[string]exchange.Order),
		takes:     make(map[string]exchange.Order),
	}
	for _, rp := range remotePositions {
		state.positions[rp.Symbol] = rp
	}
	for _, o := range openOrders {
		switch o.Type {
		case exchange.OrderTypeStopMarket, exchange.OrderTypeStop:
			if _, seen := state.stops[o.Symbol]; !seen {
				state.stops[o.Symbol] = o
			}
		case exchange.OrderTypeTakeProfitMarket, exchange.OrderTypeTakeProfit:
			if _, seen := state.takes[o.Symbol]; !seen {
				state.takes[o.Symbol] = o
			}
		}
	}
	return state, nil
}

// SyncRemoteToLocal 以远端为准刷新本地持仓集合
//
// 新持仓补录为 source=remote；已有持仓以远端为准盖写静态事实
// (方向/入场价/数量/杠杆) 并刷新行情视图, 只有字段确实变化时才计入
// Updated——远端不变时连跑两轮, 第二轮报告必须全零。
// 止损/止盈镜像只在远端确实挂着对应委托时更新——远端没有委托
// 不代表本地记录的价位失效，绝不因此清掉本地值。
// 远端消失且本地未标记平仓的持仓视为外部平仓：告警并归档移除；
// 已标记平仓的残留记录在同一轮顺带归档, 让活跃集合收敛。
func (e *Engine) SyncRemoteToLocal(state *remoteState) *SyncReport {
	report := &SyncReport{}
	var archived []*position.Position

	e.mu.Lock()
	for symbol, rp := range state.positions {
		local, exists := e.positions[symbol]
		if !exists {
			now := time.Now()
			p := &position.Position{
				Symbol:        symbol,
				Side:          position.Side(rp.Side),
				EntryPrice:    rp.EntryPrice,
				Quantity:      rp.Quantity,
				Leverage:      rp.Leverage,
				EntryTime:     now,
				CurrentPrice:  rp.MarkPrice,
				MarkPrice:     rp.MarkPrice,
				UnrealizedPnL: rp.UnrealizedPnL,
				CurrentStep:   -1,
				Source:        "remote",
			}
			e.applyProtectiveOrders(p, state)
			e.positions[symbol] = p
			report.Added = append(report.Added, symbol)
			log.Printf("🆕 [对账] 补录远端持仓 %s %s @ %.4f × %.4f", symbol, rp.Side, rp.EntryPrice, rp.Quantity)
			continue
		}

		changed := applyRemoteFacts(local, rp)
		if e.applyProtectiveOrders(local, state) {
			changed = true
		}
		if changed {
			report.Updated = append(report.Updated, symbol)
		}
	}

	for symbol, local := range e.positions {
		if _, alive := state.positions[symbol]; alive {
			continue
		}
		if local.Closed {
			// 已平仓的残留记录: 无需告警, 顺带归档
			log.Printf("🧹 [对账] 已平仓持仓 %s 远端不存在, 归档出活跃集合", symbol)
			archived = append(archived, local)
			delete(e.positions, symbol)
			continue
		}
		log.Printf("⚠️  [对账] 本地持仓 %s 在远端不存在, 按外部平仓处理", symbol)
		now := time.Now()
		local.Closed = true
		local.ExitTime = &now
		local.ExitReason = ExitReasonExternal
		archived = append(archived, local)
		delete(e.positions, symbol)
		report.Removed = append(report.Removed, symbol)
	}

	if err := e.store.Save(e.positions); err != nil {
		report.errorf("持久化持仓失败: %v", err)
	}
	e.mu.Unlock()

	if len(archived) > 0 {
		if err := e.store.AppendHistory(archived); err != nil {
			report.errorf("归档外部平仓持仓失败: %v", err)
		}
	}
	return report
}

// applyRemoteFacts 以远端为准盖写静态事实与行情视图, 返回是否有字段变化
// 方向翻转意味着仓位已被外部反手, 原有追踪子状态全部作废。
func applyRemoteFacts(p *position.Position, rp exchange.RemotePosition) bool {
	changed := false
	if p.Side != position.Side(rp.Side) {
		log.Printf("⚠️  [对账] %s 方向由 %s 翻转为 %s, 重置追踪状态", p.Symbol, p.Side, rp.Side)
		p.Side = position.Side(rp.Side)
		p.ResetTrailing()
		changed = true
	}
	if p.EntryPrice != rp.EntryPrice {
		p.EntryPrice = rp.EntryPrice
		changed = true
	}
	if p.Quantity != rp.Quantity {
		p.Quantity = rp.Quantity
		changed = true
	}
	if p.Leverage != rp.Leverage {
		p.Leverage = rp.Leverage
		changed = true
	}
	if p.MarkPrice != rp.MarkPrice || p.UnrealizedPnL != rp.UnrealizedPnL {
		changed = true
	}
	p.MarkPrice = rp.MarkPrice
	p.CurrentPrice = rp.MarkPrice
	p.UnrealizedPnL = rp.UnrealizedPnL
	p.ProfitPct = p.ProfitPercent(rp.MarkPrice)
	return changed
}

// applyProtectiveOrders 把远端保护单镜像到本地字段（调用方持锁）
// 返回镜像字段是否发生了变化。
func (e *Engine) applyProtectiveOrders(p *position.Position, state *remoteState) bool {
	changed := false
	if stop, ok := state.stops[p.Symbol]; ok {
		if p.StopLoss == nil || *p.StopLoss != stop.StopPrice || !p.BinanceSLUpdated {
			changed = true
		}
		p.StopLoss = position.Float(stop.StopPrice)
		p.BinanceSLUpdated = true
	} else {
		if p.BinanceSLUpdated {
			changed = true
		}
		p.BinanceSLUpdated = false
	}
	if take, ok := state.takes[p.Symbol]; ok {
		if p.TakeProfit == nil || *p.TakeProfit != take.StopPrice || !p.BinanceTPUpdated {
			changed = true
		}
		p.TakeProfit = position.Float(take.StopPrice)
		p.BinanceTPUpdated = true
	} else {
		if p.BinanceTPUpdated {
			changed = true
		}
		p.BinanceTPUpdated = false
	}
	return changed
}

// SyncLocalToBinance 把本地记录的保护价位补挂回远端
// 仅处理"本地有价位、远端无委托"的缺口；挂单失败记入报告继续下一个。
func (e *Engine) SyncLocalToBinance(state *remoteState) *SyncReport {
	report := &SyncReport{}

	type pending struct {
		symbol string
		side   string
		kind   string
		price  float64
	}
	var queue []pending

	e.mu.Lock()
	for symbol, p := range e.positions {
		if p.Closed {
			continue
		}
		closeSide := exchange.SideSell
		if !p.IsLong() {
			closeSide = exchange.SideBuy
		}
		if p.StopLoss != nil && !p.BinanceSLUpdated {
			queue = append(queue, pending{symbol, closeSide, exchange.OrderTypeStopMarket, *p.StopLoss})
		}
		if p.TakeProfit != nil && !p.BinanceTPUpdated {
			queue = append(queue, pending{symbol, closeSide, exchange.OrderTypeTakeProfitMarket, *p.TakeProfit})
		}
	}
	e.mu.Unlock()

	for _, item := range queue {
		err := e.retry.Do(fmt.Sprintf("补挂 %s %s", item.symbol, item.kind), func() error {
			_, err := e.client.CreateOrder(exchange.OrderRequest{
				Symbol:        item.symbol,
				Side:          item.side,
				Type:          item.kind,
				StopPrice:     item.price,
				ClosePosition: true,
			})
			return err
		})
		if err != nil {
			report.errorf("补挂 %s %s 失败: %v", item.symbol, item.kind, err)
			continue
		}

		isStop := item.kind == exchange.OrderTypeStopMarket
		e.mu.Lock()
		if p, ok := e.positions[item.symbol]; ok {
			if isStop {
				p.BinanceSLUpdated = true
			} else {
				p.BinanceTPUpdated = true
			}
		}
		if err := e.store.Save(e.positions); err != nil {
			report.errorf("持久化持仓失败: %v", err)
		}
		e.mu.Unlock()

		if isStop {
			report.SLCreated = append(report.SLCreated, item.symbol)
			log.Printf("✅ [对账] %s 已补挂止损 @ %.4f", item.symbol, item.price)
		} else {
			report.TPCreated = append(report.TPCreated, item.symbol)
			log.Printf("✅ [对账] %s 已补挂止盈 @ %.4f", item.symbol, item.price)
		}
	}
	return report
}

// FullSync 完整对账：拉取远端 → 远端到本地 → 本地到远端
// 拉取失败时返回只含错误的报告，本地状态保持不变。
func (e *Engine) FullSync() *SyncReport {
	state, err := e.PullRemoteState()
	if err != nil {
		report := &SyncReport{}
		report.errorf("拉取远端状态失败: %v", err)
		log.Printf("❌ [对账] %s", report.Errors[0])
		return report
	}

	report := e.SyncRemoteToLocal(state)
	report.Merge(e.SyncLocalToBinance(state))
	if report.HasChanges() || len(report.Errors) > 0 {
		log.Printf("📊 [对账] 本轮结果: %s", report.Summary())
	}
	return report
}

// ClosePosition 市价平仓并归档
// 先撤销该交易对全部挂单，再以 reduce-only 市价单全量平仓。
func (e *Engine) ClosePosition(symbol, reason string) error {
	e.mu.Lock()
	p, ok := e.positions[symbol]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("持仓不存在: %s", symbol)
	}
	side := exchange.SideSell
	if !p.IsLong() {
		side = exchange.SideBuy
	}
	quantity := p.Quantity
	e.mu.Unlock()

	if err := e.retry.Do(fmt.Sprintf("撤销 %s 挂单", symbol), func() error {
		return e.client.CancelAllOpenOrders(symbol)
	}); err != nil {
		log.Printf("⚠️  [对账] 平仓前撤单失败 %s: %v", symbol, err)
	}

	err := e.retry.Do(fmt.Sprintf("市价平仓 %s", symbol), func() error {
		_, err := e.client.CreateOrder(exchange.OrderRequest{
			Symbol:     symbol,
			Side:       side,
			Type:       exchange.OrderTypeMarket,
			Quantity:   quantity,
			ReduceOnly: true,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("平仓 %s 失败: %w", symbol, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok = e.positions[symbol]
	if !ok {
		return nil
	}
	now := time.Now()
	p.Closed = true
	p.ExitTime = &now
	p.ExitReason = reason
	log.Printf("✅ [对账] %s 已平仓: %s", symbol, reason)
	return e.store.Save(e.positions)
}

// ArchiveClosed 把已标记平仓的持仓移入归档文件
func (e *Engine) ArchiveClosed() error {
	e.mu.Lock()
	var closed []*position.Position
	for symbol, p := range e.positions {
		if p.Closed {
			closed = append(closed, p)
			delete(e.positions, symbol)
		}
	}
	var saveErr error
	if len(closed) > 0 {
		saveErr = e.store.Save(e.positions)
	}
	e.mu.Unlock()

	if len(closed) == 0 {
		return nil
	}
	if saveErr != nil {
		return saveErr
	}
	if err := e.store.AppendHistory(closed); err != nil {
		return err
	}
	log.Printf("🧹 [对账] 已归档 %d 条平仓记录", len(closed))
	return nil
}

// PushTrailingStop 把本地追踪止损价推送到远端
// 先撤掉该交易对已有的止损单，再按当前追踪价重新挂单。
func (e *Engine) PushTrailingStop(symbol string) error {
	e.mu.Lock()
	p, ok := e.positions[symbol]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("持仓不存在: %s", symbol)
	}
	if p.TrailingStop == nil {
		e.mu.Unlock()
		return fmt.Errorf("%s 没有可推送的追踪止损价", symbol)
	}
	stopPrice := *p.TrailingStop
	side := exchange.SideSell
	if !p.IsLong() {
		side = exchange.SideBuy
	}
	e.mu.Unlock()

	orders, err := exchange.DoValue(e.retry, fmt.Sprintf("查询 %s 挂单", symbol), func() ([]exchange.Order, error) {
		return e.client.GetOpenOrders(symbol)
	})
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.Type != exchange.OrderTypeStopMarket && o.Type != exchange.OrderTypeStop {
			continue
		}
		if err := e.retry.Do(fmt.Sprintf("撤销 %s 旧止损单", symbol), func() error {
			return e.client.CancelOrder(symbol, o.OrderID)
		}); err != nil {
			return err
		}
	}

	if err := e.retry.Do(fmt.Sprintf("推送 %s 追踪止损", symbol), func() error {
		_, err := e.client.CreateOrder(exchange.OrderRequest{
			Symbol:        symbol,
			Side:          side,
			Type:          exchange.OrderTypeStopMarket,
			StopPrice:     stopPrice,
			ClosePosition: true,
		})
		return err
	}); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.positions[symbol]; ok {
		p.StopLoss = position.Float(stopPrice)
		p.BinanceSLUpdated = true
		if err := e.store.Save(e.positions); err != nil {
			return err
		}
	}
	log.Printf("🔄 [对账] %s 追踪止损已推送 @ %s", symbol, trimPrice(stopPrice))
	return nil
}

func trimPrice(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", v), "0"), ".")
}
