// Package telegram hosts the Telegram client and turns raw updates into
// dispatcher updates.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tg_metered_bot/internal/config"
	"tg_metered_bot/internal/logging"
	"tg_metered_bot/internal/module"
	"tg_metered_bot/internal/ratelimit"
)

type botRunner interface {
	Start(ctx context.Context)
}

// Handler processes one converted update.
type Handler interface {
	Handle(ctx context.Context, u *module.Update)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"pre_checkout_query",
		"my_chat_member",
	}

	createBot = func(token string, options ...bot.Option) (botRunner, error) {
		return bot.New(token, options...)
	}
)

// Option customizes a Client.
type Option func(*Client)

// WithHandler routes converted updates to h.
func WithHandler(h Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithLimiter throttles inbound messages per user.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// Client wraps the Telegram bot instance and logging dependencies.
type Client struct {
	bot     botRunner
	handler Handler
	limiter ratelimit.Limiter
	sends   *rate.Limiter
	logger  *logrus.Entry
}

// NewClient initializes the Telegram bot with long polling. Without a
// handler updates are only logged.
func NewClient(cfg config.Config, logger *logrus.Entry, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	c := &Client{logger: logger, sends: newSendLimiter()}
	for _, opt := range opts {
		opt(c)
	}

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(c.handle),
		bot.WithErrorsHandler(errorHandler(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}
	c.bot = tgBot

	return c, nil
}

// Start begins receiving updates via long polling until the context is canceled.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

func (c *Client) handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update == nil {
		return
	}

	var api module.BotAPI
	if b != nil {
		api = c.pace(b)
	}
	u, kind := convertUpdate(update, api)

	logger := logging.Enrich(c.logger, logging.Context{
		UserID:   u.UserID,
		ChatID:   u.ChatID,
		UpdateID: u.UpdateID,
	}).WithField("update_type", kind)

	if kind == "unknown" || (u.UserID == 0 && u.PreCheckout == nil) {
		logger.WithField("event", "telegram_update_ignored").Debug("telegram update ignored")
		return
	}
	logger.WithField("event", "telegram_update").Debug("telegram update received")

	if c.handler == nil {
		return
	}
	if !c.allow(ctx, u, logger) {
		return
	}
	c.handler.Handle(ctx, u)
}

// allow applies the per-user limit to plain messages. Payment traffic is
// never throttled.
func (c *Client) allow(ctx context.Context, u *module.Update, logger *logrus.Entry) bool {
	if c.limiter == nil || u.Payment != nil || u.PreCheckout != nil {
		return true
	}

	ok, err := c.limiter.Allow(ctx, strconv.FormatInt(u.UserID, 10))
	if err != nil {
		logger.WithError(err).WithField("event", "rate_limit_error").Warn("rate limiter failed")
	}
	if !ok {
		logger.WithField("event", "rate_limited").Debug("message dropped by rate limiter")
	}
	return ok
}

// convertUpdate maps a Telegram update to a dispatcher update and names its
// kind for logging.
func convertUpdate(update *models.Update, api module.BotAPI) (*module.Update, string) {
	u := &module.Update{UpdateID: update.ID, Bot: api}

	switch {
	case update.Message != nil:
		msg := update.Message
		u.ChatID = msg.Chat.ID
		u.ChatType = string(msg.Chat.Type)
		u.MessageID = msg.ID
		u.Text = messageText(msg)
		if msg.From != nil {
			u.UserID = msg.From.ID
			u.Username = msg.From.Username
		}
		if p := msg.SuccessfulPayment; p != nil {
			u.Payment = &module.SuccessfulPayment{
				Currency:                p.Currency,
				TotalAmount:             p.TotalAmount,
				InvoicePayload:          p.InvoicePayload,
				TelegramPaymentChargeID: p.TelegramPaymentChargeID,
				ProviderPaymentChargeID: p.ProviderPaymentChargeID,
			}
			return u, "successful_payment"
		}
		return u, "message"
	case update.PreCheckoutQuery != nil:
		q := update.PreCheckoutQuery
		u.UserID = userID(q.From)
		if q.From != nil {
			u.Username = q.From.Username
		}
		u.PreCheckout = &module.PreCheckout{
			ID:             q.ID,
			Currency:       q.Currency,
			TotalAmount:    q.TotalAmount,
			InvoicePayload: q.InvoicePayload,
		}
		return u, "pre_checkout_query"
	case update.MyChatMember != nil:
		m := update.MyChatMember
		u.UserID = m.From.ID
		u.Username = m.From.Username
		u.ChatID = m.Chat.ID
		u.ChatType = string(m.Chat.Type)
		return u, "my_chat_member"
	default:
		return u, "unknown"
	}
}

func messageText(msg *models.Message) string {
	if msg.Text != "" {
		return strings.TrimSpace(msg.Text)
	}
	return strings.TrimSpace(msg.Caption)
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}
