// Package chat answers free-form messages with a language model. It serves
// /ask everywhere and every plain message in private chats.
package chat

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/logging"
	"tg_metered_bot/internal/module"
)

const (
	moduleName = "chat"

	// CharsPerUnit is how many prompt characters one price unit covers.
	CharsPerUnit = 1000

	// Telegram caps a message at 4096 characters.
	maxAnswerLength = 3500
	usageReply      = "Usage: /ask <question>"
)

// Completer produces an answer for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Module is the chat feature.
type Module struct {
	completer  Completer
	priceCents int64
	logger     *logrus.Entry
}

// New constructs the chat module. priceCents is charged per started
// CharsPerUnit characters of prompt.
func New(completer Completer, priceCents int64, logger *logrus.Entry) (*Module, error) {
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	if priceCents < 0 {
		return nil, errors.New("chat price must not be negative")
	}
	if logger == nil {
		logger = logging.Logger()
	}
	return &Module{completer: completer, priceCents: priceCents, logger: logger}, nil
}

func (m *Module) Name() string { return moduleName }

func (m *Module) IsSupportedEvent(u *module.Update) bool {
	return u.HasCommand("ask")
}

func (m *Module) EstimatedPrice(u *module.Update) int64 {
	n := utf8.RuneCountInString(prompt(u))
	if n == 0 {
		return 0
	}
	units := int64((n + CharsPerUnit - 1) / CharsPerUnit)
	return units * m.priceCents
}

func (m *Module) OnEvent(ctx context.Context, u *module.Update, _ module.RefundFunc) (module.Result, error) {
	text := prompt(u)
	if text == "" {
		return module.Stop, u.Reply(ctx, usageReply)
	}

	answer, err := m.completer.Complete(ctx, text)
	if err != nil {
		return module.Stop, fmt.Errorf("complete: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"event":      "chat_answered",
		"account_id": u.AccountID(),
		"prompt_len": utf8.RuneCountInString(text),
	}).Debug("chat answered")

	return module.Stop, u.Reply(ctx, html.EscapeString(truncate(answer)))
}

func prompt(u *module.Update) string {
	if u.HasCommand("ask") {
		return u.Args()
	}
	if u.Command() != "" {
		return ""
	}
	return strings.TrimSpace(u.Text)
}

func truncate(text string) string {
	if utf8.RuneCountInString(text) <= maxAnswerLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxAnswerLength-1]) + "…"
}
