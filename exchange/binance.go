package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
)

const binanceCallTimeout = 15 * time.Second

// BinanceClient 币安 USDⓈ-M 合约客户端（单向持仓模式）
type BinanceClient struct {
	client *futures.Client
}

// NewBinanceClient 创建合约客户端；testnet 为 true 时切到测试网
func NewBinanceClient(apiKey, secretKey string, testnet bool) *BinanceClient {
	futures.UseTestnet = testnet
	return &BinanceClient{client: futures.NewClient(apiKey, secretKey)}
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), binanceCallTimeout)
}

// GetPositions 拉取全部持仓，过滤 size=0，并按 positionAmt 符号推导方向
func (b *BinanceClient) GetPositions() ([]RemotePosition, error) {
	ctx, cancel := callCtx()
	defer cancel()

	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取持仓失败: %w", err)
	}

	var positions []RemotePosition
	for _, risk := range risks {
		amt, err := strconv.ParseFloat(risk.PositionAmt, 64)
		if err != nil || amt == 0 {
			continue
		}

		side := "LONG"
		if amt < 0 {
			side = "SHORT"
		}

		entry, _ := strconv.ParseFloat(risk.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(risk.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(risk.UnRealizedProfit, 64)
		leverage := 1
		if lev, err := strconv.ParseFloat(risk.Leverage, 64); err == nil && lev >= 1 {
			leverage = int(math.Round(lev))
		}

		positions = append(positions, RemotePosition{
			Symbol:        risk.Symbol,
			Side:          side,
			EntryPrice:    entry,
			MarkPrice:     mark,
			Quantity:      math.Abs(amt),
			UnrealizedPnL: pnl,
			Leverage:      leverage,
		})
	}

	return positions, nil
}

// GetOpenOrders 拉取挂单；symbol 为空时返回账户全部挂单
func (b *BinanceClient) GetOpenOrders(symbol string) ([]Order, error) {
	ctx, cancel := callCtx()
	defer cancel()

	svc := b.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取挂单失败: %w", err)
	}

	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		stopPrice, _ := strconv.ParseFloat(o.StopPrice, 64)
		orders = append(orders, Order{
			Symbol:        o.Symbol,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Type:          string(o.Type),
			Side:          string(o.Side),
			Quantity:      qty,
			StopPrice:     stopPrice,
			ReduceOnly:    o.ReduceOnly,
			ClosePosition: o.ClosePosition,
		})
	}

	return orders, nil
}

// CreateOrder 下单
// closePosition=true 的触发单不携带数量；普通单携带数量与 reduceOnly。
func (b *BinanceClient) CreateOrder(req OrderRequest) (*OrderResult, error) {
	ctx, cancel := callCtx()
	defer cancel()

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		NewClientOrderID("pg-" + uuid.NewString()[:18])

	if req.StopPrice > 0 {
		svc = svc.StopPrice(formatFloat(req.StopPrice))
	}
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	} else {
		svc = svc.Quantity(formatFloat(req.Quantity))
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下单失败 (%s %s %s): %w", req.Symbol, req.Side, req.Type, err)
	}

	return &OrderResult{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Status:        string(resp.Status),
	}, nil
}

// CancelOrder 撤销指定订单
func (b *BinanceClient) CancelOrder(symbol string, orderID int64) error {
	ctx, cancel := callCtx()
	defer cancel()

	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx); err != nil {
		return fmt.Errorf("撤单失败 (%s #%d): %w", symbol, orderID, err)
	}
	return nil
}

// CancelAllOpenOrders 撤销某交易对的全部挂单
func (b *BinanceClient) CancelAllOpenOrders(symbol string) error {
	ctx, cancel := callCtx()
	defer cancel()

	if err := b.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return fmt.Errorf("撤销全部挂单失败 (%s): %w", symbol, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
