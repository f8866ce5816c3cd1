// Package trader 把行情、追踪止损与对账引擎接成常驻交易会话
package trader

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"posguard/cache"
	"posguard/journal"
	"posguard/market"
	"posguard/notify"
	"posguard/position"
	"posguard/reconcile"
	"posguard/trailing"
)

// Session 常驻会话
// 价格事件驱动追踪止损推进；独立定时器驱动周期性全量对账；
// 连续多轮对账失败后整体重新初始化（重载本地文件、清零计数）。
type Session struct {
	engine   *reconcile.Engine
	trailing *trailing.Engine
	cache    *cache.Cache
	notifier *notify.Notifier
	journal  *journal.Journal

	syncInterval     time.Duration
	failureThreshold int

	mu          sync.Mutex
	lastReport  *reconcile.SyncReport
	consecFails int

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSession 创建会话
func NewSession(engine *reconcile.Engine, trailingEngine *trailing.Engine, c *cache.Cache,
	notifier *notify.Notifier, j *journal.Journal,
	syncInterval time.Duration, failureThreshold int) *Session {
	return &Session{
		engine:           engine,
		trailing:         trailingEngine,
		cache:            c,
		notifier:         notifier,
		journal:          j,
		syncInterval:     syncInterval,
		failureThreshold: failureThreshold,
		stopCh:           make(chan struct{}),
	}
}

// Start 订阅价格事件并启动对账循环
func (s *Session) Start() {
	s.cache.SubscribePattern(market.PriceCategory+"/*", s.onPrice)

	s.wg.Add(1)
	go s.syncLoop()
	log.Printf("🚀 [会话] 交易会话已启动, 对账间隔 %v", s.syncInterval)
}

// Stop 停止对账循环并等待退出
func (s *Session) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	log.Printf("✅ [会话] 交易会话已停止")
}

// LastReport 返回最近一轮对账报告（供 Web 查询）
func (s *Session) LastReport() *reconcile.SyncReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}

// syncLoop 周期性全量对账；启动时先跑一轮
func (s *Session) syncLoop() {
	defer s.wg.Done()

	s.runSync()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runSync()
		}
	}
}

func (s *Session) runSync() {
	report := s.engine.FullSync()

	s.mu.Lock()
	s.lastReport = report
	if len(report.Errors) > 0 {
		s.consecFails++
	} else {
		s.consecFails = 0
	}
	fails := s.consecFails
	s.mu.Unlock()

	for _, msg := range report.Errors {
		s.journalRecord(notify.EventSyncError, "", msg)
	}

	if fails >= s.failureThreshold {
		s.reinitialize(fails)
	}
}

// reinitialize 连续失败达到阈值后的故障恢复：重载本地状态并清零计数
func (s *Session) reinitialize(fails int) {
	log.Printf("❌ [会话] 对账连续失败 %d 轮, 触发重新初始化", fails)
	s.notifier.Dispatch(notify.Event{
		Type:   notify.EventSyncError,
		Reason: fmt.Sprintf("对账连续失败 %d 轮, 重新初始化", fails),
	})

	if err := s.engine.Reload(); err != nil {
		log.Printf("❌ [会话] 重新初始化失败: %v", err)
		return
	}
	s.mu.Lock()
	s.consecFails = 0
	s.mu.Unlock()
	s.journalRecord("reinitialized", "", fmt.Sprintf("连续失败 %d 轮后重载本地状态", fails))
}

// onPrice 价格事件入口（缓存观察者回调, 在写入协程上同步执行）
func (s *Session) onPrice(_ string, key string, value interface{}) {
	price, ok := value.(float64)
	if !ok || price <= 0 {
		return
	}
	symbol := strings.ToUpper(key)

	var (
		activated   bool
		stopMoved   bool
		shouldClose bool
		closeReason string
		side        string
		stopPrice   float64
	)

	err := s.engine.WithPosition(symbol, func(p *position.Position) bool {
		if p.Closed {
			return false
		}
		p.CurrentPrice = price
		p.ProfitPct = p.ProfitPercent(price)

		var before *float64
		if p.TrailingStop != nil {
			v := *p.TrailingStop
			before = &v
		}

		activated = s.trailing.Update(p, price)
		stopMoved = trailingStopChanged(before, p.TrailingStop)
		shouldClose, closeReason = s.trailing.ShouldClose(p, price)

		side = string(p.Side)
		if p.TrailingStop != nil {
			stopPrice = *p.TrailingStop
		}
		return true
	})
	if err != nil {
		return // 非跟踪中的交易对
	}

	if activated {
		s.notifier.Dispatch(notify.Event{
			Type: notify.EventTrailingActivated, Symbol: symbol, Side: side,
			Price: price, StopPrice: stopPrice,
		})
		s.journalRecord(notify.EventTrailingActivated, symbol,
			fmt.Sprintf("价格 %.4f, 止损 %.4f", price, stopPrice))
	}

	if shouldClose {
		s.closePosition(symbol, side, price, closeReason)
		return
	}

	if stopMoved {
		if err := s.engine.PushTrailingStop(symbol); err != nil {
			log.Printf("⚠️  [会话] 推送 %s 追踪止损失败: %v", symbol, err)
			s.journalRecord(notify.EventSyncError, symbol, err.Error())
			return
		}
		if !activated {
			s.notifier.Dispatch(notify.Event{
				Type: notify.EventTrailingMoved, Symbol: symbol, Side: side,
				Price: price, StopPrice: stopPrice,
			})
		}
		s.journalRecord(notify.EventTrailingMoved, symbol, fmt.Sprintf("新止损 %.4f", stopPrice))
	}
}

func (s *Session) closePosition(symbol, side string, price float64, reason string) {
	if err := s.engine.ClosePosition(symbol, reason); err != nil {
		log.Printf("❌ [会话] 平仓 %s 失败: %v", symbol, err)
		s.journalRecord(notify.EventSyncError, symbol, err.Error())
		return
	}
	if err := s.engine.ArchiveClosed(); err != nil {
		log.Printf("⚠️  [会话] 归档 %s 失败: %v", symbol, err)
	}
	s.notifier.Dispatch(notify.Event{
		Type: notify.EventPositionClosed, Symbol: symbol, Side: side,
		Price: price, Reason: reason,
	})
	s.journalRecord(notify.EventPositionClosed, symbol, reason)
}

func (s *Session) journalRecord(eventType, symbol, detail string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(eventType, symbol, detail); err != nil {
		log.Printf("⚠️  [会话] 写入事件日志失败: %v", err)
	}
}

func trailingStopChanged(before, after *float64) bool {
	if after == nil {
		return false
	}
	return before == nil || *before != *after
}
