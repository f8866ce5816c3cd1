package market

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"posguard/cache"
)

const (
	futuresRESTBase = "https://fapi.binance.com"
	// ATRCategory ATR 结果写入缓存时使用的分类名
	ATRCategory = "atr"

	defaultATRInterval = "15m"
	defaultATRPeriod   = 14
	klineFetchLimit    = 100
)

// KlineATR 基于 K 线的 ATR 指标源
// 结果写入缓存的 atr/<SYMBOL> 条目做记忆化，由缓存 TTL 控制刷新。
type KlineATR struct {
	httpClient *http.Client
	cache      *cache.Cache
	interval   string
	period     int
}

// NewKlineATR 创建指标源
func NewKlineATR(c *cache.Cache) *KlineATR {
	return &KlineATR{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      c,
		interval:   defaultATRInterval,
		period:     defaultATRPeriod,
	}
}

// ATR 返回某交易对最新的 ATR 值（命中缓存时直接返回）
func (k *KlineATR) ATR(symbol string) (float64, error) {
	symbol = strings.ToUpper(symbol)
	if cached := k.cache.Get(ATRCategory, symbol, nil); cached != nil {
		if v, ok := cached.(float64); ok && v > 0 {
			return v, nil
		}
	}

	klines, err := k.fetchKlines(symbol)
	if err != nil {
		return 0, err
	}
	atr, err := wilderATR(klines, k.period)
	if err != nil {
		return 0, fmt.Errorf("%s 计算 ATR 失败: %w", symbol, err)
	}

	k.cache.Set(ATRCategory, symbol, atr)
	log.Printf("📊 [行情] %s ATR(%d, %s) = %.6f", symbol, k.period, k.interval, atr)
	return atr, nil
}

// kline 仅保留 ATR 计算需要的三个价位
type kline struct {
	High  float64
	Low   float64
	Close float64
}

// fetchKlines 从合约 REST 接口拉取最近的 K 线
// 返回格式是数组的数组：[开盘时间, 开, 高, 低, 收, ...]
func (k *KlineATR) fetchKlines(symbol string) ([]kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", k.interval)
	params.Set("limit", strconv.Itoa(klineFetchLimit))

	resp, err := k.httpClient.Get(futuresRESTBase + "/fapi/v1/klines?" + params.Encode())
	if err != nil {
		return nil, fmt.Errorf("%s 拉取 K 线失败: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s 读取 K 线响应失败: %w", symbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s K 线接口返回 %d: %s", symbol, resp.StatusCode, string(body))
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%s 解析 K 线失败: %w", symbol, err)
	}

	klines := make([]kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 5 {
			continue
		}
		high, ok1 := parsePrice(row[2])
		low, ok2 := parsePrice(row[3])
		closePrice, ok3 := parsePrice(row[4])
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		klines = append(klines, kline{High: high, Low: low, Close: closePrice})
	}
	return klines, nil
}

func parsePrice(v interface{}) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// wilderATR Wilder 平滑 ATR
// 前 period 根真实波幅取算术平均作为种子，其后逐根做
// ATR = (前值 × (period−1) + TR) / period。
func wilderATR(klines []kline, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("周期必须为正: %d", period)
	}
	if len(klines) <= period {
		return 0, fmt.Errorf("K 线数量不足: 需要至少 %d 根, 实际 %d 根", period+1, len(klines))
	}

	trs := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		cur, prev := klines[i], klines[i-1]
		tr := math.Max(cur.High-cur.Low,
			math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
		trs = append(trs, tr)
	}

	atr := 0.0
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)

	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, nil
}
