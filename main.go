package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"posguard/cache"
	"posguard/config"
	"posguard/exchange"
	"posguard/journal"
	"posguard/market"
	"posguard/notify"
	"posguard/position"
	"posguard/reconcile"
	"posguard/trader"
	"posguard/trailing"
	"posguard/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}

	// 缓存：价格与指标的共享总线，带文件快照
	var backing cache.Backing
	if cfg.Cache.File != "" {
		backing = cache.NewFileBacking(cfg.Cache.File)
	}
	priceCache := cache.New(cache.Options{
		TTL:      cfg.Cache.TTL,
		MaxItems: cfg.Cache.MaxItems,
		Backing:  backing,
	})

	// 交易所客户端 + 有界重试
	client := exchange.NewBinanceClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.Testnet)
	retry := exchange.NewRetry(cfg.Sync.MaxRetries, cfg.Sync.RetryDelay)

	// 对账引擎（启动即加载本地持仓）
	store := position.NewStore(cfg.Storage.PositionsFile, cfg.Storage.HistoryFile)
	engine, err := reconcile.NewEngine(client, retry, store)
	if err != nil {
		log.Fatalf("❌ 初始化对账引擎失败: %v", err)
	}

	// 追踪止损策略
	atrSource := market.NewKlineATR(priceCache)
	strategy, err := trailing.New(cfg.Trailing.Type, cfg.Trailing.Params, atrSource)
	if err != nil {
		log.Fatalf("❌ 初始化追踪止损策略失败: %v", err)
	}
	trailingEngine := trailing.NewEngine(strategy)
	log.Printf("✅ 追踪止损策略: %s", strategy.Name())

	// 通知通道
	channels := []notify.Channel{notify.LogChannel{}}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != 0 {
		tg, err := notify.NewTelegramChannel(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			log.Printf("⚠️  Telegram 通道初始化失败, 仅保留日志通道: %v", err)
		} else {
			channels = append(channels, tg)
		}
	}
	notifier := notify.NewNotifier(channels...)

	// 事件日志
	j, err := journal.Open(cfg.Storage.JournalFile)
	if err != nil {
		log.Fatalf("❌ 打开事件库失败: %v", err)
	}
	defer j.Close()

	// 会话 + 行情流 + Web
	session := trader.NewSession(engine, trailingEngine, priceCache, notifier, j,
		cfg.Sync.Interval, cfg.Sync.FailureThreshold)
	stream := market.NewStream(cfg.Symbols, priceCache)
	server := web.NewServer(cfg.Web, engine, priceCache, j, session.LastReport)

	session.Start()
	stream.Start()
	server.Start()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("🔄 收到信号 %v, 开始优雅停机", sig)

	stream.Stop()
	session.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Stop(shutdownCtx)

	if err := priceCache.Flush(); err != nil {
		log.Printf("⚠️  写回缓存快照失败: %v", err)
	}
	log.Printf("✅ 已退出")
}
