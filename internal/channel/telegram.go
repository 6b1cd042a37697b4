package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/retentiond/internal/config"
	"github.com/stellarlinkco/retentiond/internal/tenant"
)

// Telegram rejects messages above 4096 characters.
const telegramMaxLen = 4000

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

// defaultBotFactory creates real telegram bot
var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramSender sends through one bot per tenant channel ID.
type TelegramSender struct {
	tokens     map[string]string
	proxy      string
	botFactory BotFactory
	hooks      Hooks
	log        *zap.Logger

	mu   sync.RWMutex
	bots map[string]TelegramBot
}

func NewTelegram(cfg config.TelegramConfig, hooks Hooks, log *zap.Logger) (*TelegramSender, error) {
	return NewTelegramWithFactory(cfg, hooks, log, defaultBotFactory)
}

// NewTelegramWithFactory creates a TelegramSender with custom bot factory (for testing)
func NewTelegramWithFactory(cfg config.TelegramConfig, hooks Hooks, log *zap.Logger, factory BotFactory) (*TelegramSender, error) {
	if len(cfg.Bots) == 0 {
		return nil, fmt.Errorf("telegram bots are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	tokens := make(map[string]string, len(cfg.Bots))
	for id, token := range cfg.Bots {
		if strings.TrimSpace(token) == "" {
			return nil, fmt.Errorf("telegram token for %q is empty", id)
		}
		tokens[id] = token
	}
	return &TelegramSender{
		tokens:     tokens,
		proxy:      cfg.Proxy,
		botFactory: factory,
		hooks:      hooks,
		log:        log.Named(tenant.ChannelTelegram),
		bots:       make(map[string]TelegramBot),
	}, nil
}

func (t *TelegramSender) Kind() string {
	return tenant.ChannelTelegram
}

func (t *TelegramSender) httpClient() (*http.Client, error) {
	if t.proxy == "" {
		return http.DefaultClient, nil
	}
	proxyURL, err := url.Parse(t.proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}, nil
}

// Start authorizes every configured bot. A bot that fails is reported as
// disconnected and does not stop the others.
func (t *TelegramSender) Start(ctx context.Context) error {
	client, err := t.httpClient()
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(t.tokens))
	for id := range t.tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		bot, err := t.botFactory(t.tokens[id], tgbotapi.APIEndpoint, client)
		if err != nil {
			t.log.Warn("authorize bot failed", zap.String("channel_id", id), zap.Error(err))
			t.hooks.connection(t.Kind(), id, false)
			continue
		}
		t.mu.Lock()
		t.bots[id] = bot
		t.mu.Unlock()
		t.log.Info("authorized", zap.String("channel_id", id), zap.String("bot", bot.GetSelf().UserName))
		t.hooks.connection(t.Kind(), id, true)
	}
	return nil
}

func (t *TelegramSender) Stop() error {
	t.mu.Lock()
	t.bots = make(map[string]TelegramBot)
	t.mu.Unlock()
	t.log.Info("stopped")
	return nil
}

// SetBot sets the bot for a channel ID (for testing)
func (t *TelegramSender) SetBot(channelID string, bot TelegramBot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bots[channelID] = bot
}

// Send delivers text to the client's Telegram chat. Long text is split at
// the last newline before the limit.
func (t *TelegramSender) Send(ctx context.Context, channelID string, c tenant.Client, text string) error {
	t.mu.RLock()
	bot, ok := t.bots[channelID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("telegram %s: %w", channelID, ErrChannelNotConnected)
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(c.ChatID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", c.ChatID, err)
	}

	content := strings.TrimSpace(text)
	if content == "" {
		return fmt.Errorf("telegram message is empty")
	}

	for len(content) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := content
		if len(chunk) > telegramMaxLen {
			idx := strings.LastIndex(chunk[:telegramMaxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:telegramMaxLen]
			}
		}
		content = content[len(chunk):]

		if _, err := bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}
