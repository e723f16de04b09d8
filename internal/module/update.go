package module

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// ChatTypePrivate is the Telegram chat type of one-to-one chats.
const ChatTypePrivate = "private"

// BotAPI is the slice of the Telegram Bot API that modules use. *bot.Bot
// satisfies it.
type BotAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error)
	SendInvoice(ctx context.Context, params *bot.SendInvoiceParams) (*models.Message, error)
	AnswerPreCheckoutQuery(ctx context.Context, params *bot.AnswerPreCheckoutQueryParams) (bool, error)
}

// SuccessfulPayment is the service message Telegram sends after a paid invoice.
type SuccessfulPayment struct {
	Currency                string
	TotalAmount             int
	InvoicePayload          string
	TelegramPaymentChargeID string
	ProviderPaymentChargeID string
}

// PreCheckout is the confirmation request sent before Telegram charges the user.
type PreCheckout struct {
	ID             string
	Currency       string
	TotalAmount    int
	InvoicePayload string
}

// Update is the transport-neutral view of one inbound Telegram update.
type Update struct {
	UpdateID  int64
	UserID    int64
	Username  string
	ChatID    int64
	ChatType  string
	MessageID int
	Text      string

	Payment     *SuccessfulPayment
	PreCheckout *PreCheckout

	Bot BotAPI
}

// IsPrivate reports whether the update comes from a one-to-one chat.
func (u *Update) IsPrivate() bool {
	return u != nil && u.ChatType == ChatTypePrivate
}

// AccountID is the billing account of the update: the user in private chats,
// the chat otherwise so that a group pools its credits.
func (u *Update) AccountID() int64 {
	if u == nil {
		return 0
	}
	if u.IsPrivate() || u.ChatID == 0 {
		return u.UserID
	}
	return u.ChatID
}

// Key identifies the update for refund idempotency.
func (u *Update) Key() string {
	if u == nil {
		return ""
	}
	return strconv.FormatInt(u.UpdateID, 10) + ":" + strconv.FormatInt(u.ChatID, 10) + ":" + strconv.Itoa(u.MessageID)
}

// Command returns the lower-cased command of the text without the leading
// slash or a "@botname" suffix, or "" when the text is not a command.
func (u *Update) Command() string {
	if u == nil {
		return ""
	}
	text := strings.TrimSpace(u.Text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}

	head := strings.Fields(text)[0]
	head = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return strings.ToLower(head)
}

// Args returns the text after the command, trimmed.
func (u *Update) Args() string {
	if u.Command() == "" {
		return ""
	}
	text := strings.TrimSpace(u.Text)
	if idx := strings.IndexAny(text, " \n\t"); idx >= 0 {
		return strings.TrimSpace(text[idx:])
	}
	return ""
}

// HasCommand reports whether the update carries one of the commands.
func (u *Update) HasCommand(names ...string) bool {
	cmd := u.Command()
	if cmd == "" {
		return false
	}
	for _, name := range names {
		if strings.EqualFold(strings.TrimPrefix(name, "/"), cmd) {
			return true
		}
	}
	return false
}

// Reply sends an HTML formatted message to the chat of the update, quoting
// the original message when there is one.
func (u *Update) Reply(ctx context.Context, text string) error {
	if u == nil || u.Bot == nil {
		return errors.New("update has no bot to reply with")
	}
	if u.ChatID == 0 {
		return errors.New("update has no chat to reply to")
	}

	params := &bot.SendMessageParams{
		ChatID:    u.ChatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if u.MessageID != 0 {
		params.ReplyParameters = &models.ReplyParameters{MessageID: u.MessageID}
	}

	_, err := u.Bot.SendMessage(ctx, params)
	return err
}
