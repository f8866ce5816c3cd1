// Package exchange 封装远端交易所访问：统一客户端接口 + 有界重试
package exchange

// 本系统消费的订单类型常量（与币安合约接口取值一致）
const (
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeStop             = "STOP"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
	OrderTypeTakeProfit       = "TAKE_PROFIT"
	OrderTypeMarket           = "MARKET"

	SideBuy  = "BUY"
	SideSell = "SELL"
)

// RemotePosition 交易所侧的持仓视图（仅保留 size≠0 的持仓）
type RemotePosition struct {
	Symbol        string
	Side          string // LONG / SHORT，由 positionAmt 符号推导
	EntryPrice    float64
	MarkPrice     float64
	Quantity      float64 // 绝对值
	UnrealizedPnL float64
	Leverage      int
}

// Order 交易所侧的挂单视图
type Order struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Type          string
	Side          string
	Quantity      float64
	StopPrice     float64
	ReduceOnly    bool
	ClosePosition bool
}

// OrderRequest 下单请求
// ClosePosition 为 true 时表示触发后全量平仓（此时不携带数量）。
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      float64
	StopPrice     float64
	ReduceOnly    bool
	ClosePosition bool
}

// OrderResult 下单结果
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	Status        string
}

// Client 远端交易所客户端的最小接口
// 所有方法都可能因网络原因失败，调用方必须经由 Retry 包装使用。
type Client interface {
	// GetPositions 返回全部 size≠0 的持仓
	GetPositions() ([]RemotePosition, error)
	// GetOpenOrders 返回挂单；symbol 为空时返回全部
	GetOpenOrders(symbol string) ([]Order, error)
	CreateOrder(req OrderRequest) (*OrderResult, error)
	CancelOrder(symbol string, orderID int64) error
	CancelAllOpenOrders(symbol string) error
}
