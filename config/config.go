// Package config 加载运行配置：.env + YAML 文件 + 环境变量覆盖
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"posguard/trailing"
)

// ExchangeConfig 交易所访问凭据
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// TrailingConfig 追踪止损策略选择与参数
type TrailingConfig struct {
	Type   string          `yaml:"type"`
	Params trailing.Params `yaml:"params"`
}

// SyncConfig 对账循环参数
type SyncConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// FailureThreshold 连续失败多少轮后触发整体重新初始化
	FailureThreshold int `yaml:"failure_threshold"`
}

// CacheConfig 缓存参数
type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	MaxItems int           `yaml:"max_items"`
	File     string        `yaml:"file"`
}

// StorageConfig 本地文件路径
type StorageConfig struct {
	PositionsFile string `yaml:"positions_file"`
	HistoryFile   string `yaml:"history_file"`
	JournalFile   string `yaml:"journal_file"`
}

// NotifyConfig 通知通道参数（留空则只走日志通道）
type NotifyConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

// WebConfig Web 管理接口参数
type WebConfig struct {
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"`
	Password  string `yaml:"password"`
}

// Config 全量运行配置
type Config struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Symbols  []string       `yaml:"symbols"`
	Trailing TrailingConfig `yaml:"trailing"`
	Sync     SyncConfig     `yaml:"sync"`
	Cache    CacheConfig    `yaml:"cache"`
	Storage  StorageConfig  `yaml:"storage"`
	Notify   NotifyConfig   `yaml:"notify"`
	Web      WebConfig      `yaml:"web"`
}

// Load 读取配置文件并套用环境变量覆盖
// 加载顺序：.env（存在则载入进程环境）→ YAML 文件 → 环境变量覆盖 →
// 默认值回填 → 校验。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Printf("✅ [配置] 已加载 .env 文件")
	}

	cfg := &Config{}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 环境变量优先于文件内容
func (c *Config) applyEnv() {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		c.Exchange.Testnet = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Symbols = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Symbols = append(c.Symbols, strings.ToUpper(s))
			}
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notify.TelegramChatID = id
		}
	}
	if v := os.Getenv("WEB_LISTEN"); v != "" {
		c.Web.Listen = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Web.JWTSecret = v
	}
	if v := os.Getenv("WEB_PASSWORD"); v != "" {
		c.Web.Password = v
	}
}

func (c *Config) applyDefaults() {
	if c.Trailing.Type == "" {
		c.Trailing.Type = trailing.KindPercentage
	}
	if c.Trailing.Params.ActivationPercent <= 0 {
		c.Trailing.Params.ActivationPercent = 1.0
	}
	if c.Trailing.Params.CallbackPercent <= 0 {
		c.Trailing.Params.CallbackPercent = 0.5
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.RetryDelay <= 0 {
		c.Sync.RetryDelay = 2 * time.Second
	}
	if c.Sync.FailureThreshold <= 0 {
		c.Sync.FailureThreshold = 5
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Cache.MaxItems <= 0 {
		c.Cache.MaxItems = 1000
	}
	if c.Storage.PositionsFile == "" {
		c.Storage.PositionsFile = "data/positions.json"
	}
	if c.Storage.HistoryFile == "" {
		c.Storage.HistoryFile = "data/positions_history.json"
	}
	if c.Storage.JournalFile == "" {
		c.Storage.JournalFile = "data/journal.db"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = ":8080"
	}
	for i, s := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

func (c *Config) validate() error {
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("缺少交易所凭据: 请设置 BINANCE_API_KEY / BINANCE_API_SECRET")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("至少需要配置一个交易对 (symbols 或 SYMBOLS)")
	}
	if _, err := trailing.New(c.Trailing.Type, c.Trailing.Params, noopATR{}); err != nil {
		return fmt.Errorf("追踪止损配置无效: %w", err)
	}
	return nil
}

// noopATR 仅用于配置校验阶段的占位指标源
type noopATR struct{}

func (noopATR) ATR(string) (float64, error) { return 0, fmt.Errorf("指标源未初始化") }
