package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"tg_metered_bot/internal/module"
)

// Telegram rejects bots that send more than about 30 messages per second
// across all chats.
const sendsPerSecond = 30

func newSendLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(sendsPerSecond), sendsPerSecond)
}

// pacedBot waits for the shared send budget before every outgoing call.
type pacedBot struct {
	api   module.BotAPI
	sends *rate.Limiter
}

func (p pacedBot) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	if err := p.sends.Wait(ctx); err != nil {
		return nil, err
	}
	return p.api.SendMessage(ctx, params)
}

func (p pacedBot) SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error) {
	if err := p.sends.Wait(ctx); err != nil {
		return nil, err
	}
	return p.api.SendPhoto(ctx, params)
}

func (p pacedBot) SendInvoice(ctx context.Context, params *bot.SendInvoiceParams) (*models.Message, error) {
	if err := p.sends.Wait(ctx); err != nil {
		return nil, err
	}
	return p.api.SendInvoice(ctx, params)
}

func (p pacedBot) AnswerPreCheckoutQuery(ctx context.Context, params *bot.AnswerPreCheckoutQueryParams) (bool, error) {
	if err := p.sends.Wait(ctx); err != nil {
		return false, err
	}
	return p.api.AnswerPreCheckoutQuery(ctx, params)
}

// pace wraps api with the client's send limiter when one is set.
func (c *Client) pace(api module.BotAPI) module.BotAPI {
	if api == nil || c.sends == nil {
		return api
	}
	return pacedBot{api: api, sends: c.sends}
}
