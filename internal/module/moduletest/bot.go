// Package moduletest provides a recording module.BotAPI for tests.
package moduletest

import (
	"context"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Bot records every call and returns Err when set.
type Bot struct {
	mu sync.Mutex

	Messages  []*bot.SendMessageParams
	Photos    []*bot.SendPhotoParams
	Invoices  []*bot.SendInvoiceParams
	PreChecks []*bot.AnswerPreCheckoutQueryParams

	Err error
}

func (b *Bot) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Messages = append(b.Messages, params)
	return &models.Message{Text: params.Text}, b.Err
}

func (b *Bot) SendPhoto(_ context.Context, params *bot.SendPhotoParams) (*models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Photos = append(b.Photos, params)
	return &models.Message{}, b.Err
}

func (b *Bot) SendInvoice(_ context.Context, params *bot.SendInvoiceParams) (*models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Invoices = append(b.Invoices, params)
	return &models.Message{}, b.Err
}

func (b *Bot) AnswerPreCheckoutQuery(_ context.Context, params *bot.AnswerPreCheckoutQueryParams) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PreChecks = append(b.PreChecks, params)
	return b.Err == nil, b.Err
}

// Texts returns the text of every sent message.
func (b *Bot) Texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.Messages))
	for _, msg := range b.Messages {
		out = append(out, msg.Text)
	}
	return out
}

// LastText returns the text of the last sent message, or "".
func (b *Bot) LastText() string {
	texts := b.Texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}
