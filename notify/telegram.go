package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel 通过 Telegram Bot 推送事件
type TelegramChannel struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramChannel 创建 Telegram 通道（会校验 token）
func NewTelegramChannel(token string, chatID int64) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("初始化 Telegram Bot 失败: %w", err)
	}
	return &TelegramChannel{bot: bot, chatID: chatID}, nil
}

// Name 通道名
func (t *TelegramChannel) Name() string { return "telegram" }

// Send 发送一条文本消息
func (t *TelegramChannel) Send(ev Event) error {
	msg := tgbotapi.NewMessage(t.chatID, ev.Text())
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("发送 Telegram 消息失败: %w", err)
	}
	return nil
}
