// Package market 提供行情接入：标记价推送流与 K 线 ATR 指标源
package market

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"posguard/cache"
)

const (
	futuresStreamBase = "wss://fstream.binance.com/stream"
	// PriceCategory 价格写入缓存时使用的分类名
	PriceCategory = "price"

	reconnectDelay = 5 * time.Second
	readTimeout    = 90 * time.Second
)

// Stream 标记价 WebSocket 订阅
// 每笔价格写入缓存的 price/<SYMBOL> 条目，下游通过缓存观察者消费；
// 连接断开后固定间隔重连，直到 Stop 被调用。
type Stream struct {
	symbols []string
	cache   *cache.Cache

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewStream 创建行情流，symbols 为需要订阅的交易对
func NewStream(symbols []string, c *cache.Cache) *Stream {
	return &Stream{
		symbols: symbols,
		cache:   c,
		stopCh:  make(chan struct{}),
	}
}

// Start 启动接收协程
func (s *Stream) Start() {
	if len(s.symbols) == 0 {
		log.Printf("⚠️  [行情] 未配置交易对, 行情流不启动")
		return
	}
	s.wg.Add(1)
	go s.run()
	log.Printf("🚀 [行情] 标记价行情流已启动: %s", strings.Join(s.symbols, ", "))
}

// Stop 停止接收并等待协程退出
func (s *Stream) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	log.Printf("✅ [行情] 行情流已停止")
}

func (s *Stream) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.consume(); err != nil {
			log.Printf("⚠️  [行情] 连接中断: %v, %v 后重连", err, reconnectDelay)
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// streamFrame 组合流外层帧
type streamFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	} `json:"data"`
}

// consume 建立一条连接并持续读取，直到出错或收到停止信号
func (s *Stream) consume() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url(), nil)
	if err != nil {
		return fmt.Errorf("建立 WebSocket 连接失败: %w", err)
	}
	defer conn.Close()
	log.Printf("✅ [行情] WebSocket 已连接")

	// 停止信号到达时关闭连接, 让阻塞的 ReadMessage 立即返回
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.stopCh:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return fmt.Errorf("读取行情消息失败: %w", err)
			}
		}

		var frame streamFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("⚠️  [行情] 解析行情帧失败: %v", err)
			continue
		}
		if frame.Data.Symbol == "" {
			continue
		}
		price, err := strconv.ParseFloat(frame.Data.Price, 64)
		if err != nil || price <= 0 {
			continue
		}

		s.cache.Set(PriceCategory, strings.ToUpper(frame.Data.Symbol), price)
	}
}

// url 拼出组合流地址：<base>?streams=btcusdt@markPrice@1s/ethusdt@markPrice@1s
func (s *Stream) url() string {
	parts := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		parts = append(parts, strings.ToLower(sym)+"@markPrice@1s")
	}
	return futuresStreamBase + "?streams=" + strings.Join(parts, "/")
}
