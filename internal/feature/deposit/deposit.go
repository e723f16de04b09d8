// Package deposit sells purchased credits through Telegram payments.
package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/domain"
	"tg_metered_bot/internal/logging"
	"tg_metered_bot/internal/module"
)

const (
	moduleName = "deposit"

	// DefaultUSD is the top-up amount when /deposit has no argument.
	DefaultUSD = "10"
	currency   = "USD"
	itemID     = "fiat_credits"

	invalidAmountReply = "The value should be a valid number: 10 or 10.45"
	outdatedInvoice    = "Outdated invoice"
)

var maxUSD = decimal.NewFromInt(10000)

// Invoices persists the invoice lifecycle.
type Invoices interface {
	Create(ctx context.Context, invoice domain.Invoice) (domain.Invoice, error)
	GetByUUID(ctx context.Context, uuid string) (domain.Invoice, error)
	Transition(ctx context.Context, uuid string, from, to domain.InvoiceStatus, refs *domain.ChargeRefs) error
}

// Credits is the ledger side of a successful payment.
type Credits interface {
	DepositFiatCredits(ctx context.Context, accountID int64, amount decimal.Decimal) error
	GetFiatBalance(ctx context.Context, accountID int64) (decimal.Decimal, error)
}

type invoicePayload struct {
	UUID string `json:"uuid"`
}

// Module handles /deposit, the pre-checkout query and the successful payment
// message. It is never charged.
type Module struct {
	invoices      Invoices
	credits       Credits
	providerToken string
	logger        *logrus.Entry
}

// New constructs the deposit module. An empty provider token disables
// invoicing but still settles payments for invoices already issued.
func New(invoices Invoices, credits Credits, providerToken string, logger *logrus.Entry) (*Module, error) {
	if invoices == nil {
		return nil, errors.New("invoice repository is required")
	}
	if credits == nil {
		return nil, errors.New("credit ledger is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}
	return &Module{
		invoices:      invoices,
		credits:       credits,
		providerToken: strings.TrimSpace(providerToken),
		logger:        logger,
	}, nil
}

func (m *Module) Name() string { return moduleName }

func (m *Module) IsSupportedEvent(u *module.Update) bool {
	return u.PreCheckout != nil || u.Payment != nil || u.HasCommand("deposit")
}

func (m *Module) EstimatedPrice(*module.Update) int64 { return 0 }

func (m *Module) OnEvent(ctx context.Context, u *module.Update, _ module.RefundFunc) (module.Result, error) {
	switch {
	case u.PreCheckout != nil:
		return module.Stop, m.preCheckout(ctx, u)
	case u.Payment != nil:
		return module.Stop, m.paid(ctx, u)
	default:
		return module.Stop, m.issue(ctx, u)
	}
}

// ParseUSD converts a user supplied amount to cents, rounding up.
func ParseUSD(raw string) (int64, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "$")
	if raw == "" {
		raw = DefaultUSD
	}
	usd, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, domain.ErrInvalidAmount)
	}
	if !usd.IsPositive() || usd.GreaterThan(maxUSD) {
		return 0, fmt.Errorf("amount %s out of range: %w", usd, domain.ErrInvalidAmount)
	}
	return usd.Shift(2).Ceil().IntPart(), nil
}

func (m *Module) issue(ctx context.Context, u *module.Update) error {
	if m.providerToken == "" {
		return u.Reply(ctx, "Deposits are not available right now.")
	}

	cents, err := ParseUSD(u.Args())
	if err != nil {
		return u.Reply(ctx, invalidAmountReply)
	}

	invoice, err := m.invoices.Create(ctx, domain.Invoice{
		UUID:      uuid.NewString(),
		OwnerID:   u.UserID,
		AccountID: u.AccountID(),
		Currency:  currency,
		ItemID:    itemID,
		Amount:    cents,
	})
	if err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}

	payload, err := json.Marshal(invoicePayload{UUID: invoice.UUID})
	if err != nil {
		return fmt.Errorf("encode invoice payload: %w", err)
	}

	usd := decimal.New(cents, -2).StringFixed(2)
	_, err = u.Bot.SendInvoice(ctx, &bot.SendInvoiceParams{
		ChatID:        u.ChatID,
		Title:         "Buy credits",
		Description:   fmt.Sprintf("%s credits for $%s", domain.UnitsToCredits(domain.CentsToUnits(cents)).StringFixed(2), usd),
		Payload:       string(payload),
		ProviderToken: m.providerToken,
		Currency:      currency,
		Prices:        []models.LabeledPrice{{Label: "Credits", Amount: int(cents)}},
	})
	if err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"event":      "invoice_created",
		"uuid":       invoice.UUID,
		"account_id": invoice.AccountID,
		"amount":     cents,
	}).Info("invoice sent")
	return nil
}

func (m *Module) preCheckout(ctx context.Context, u *module.Update) error {
	q := u.PreCheckout
	answer := &bot.AnswerPreCheckoutQueryParams{PreCheckoutQueryID: q.ID, OK: true}

	invoiceID, err := decodePayload(q.InvoicePayload)
	if err == nil {
		err = m.invoices.Transition(ctx, invoiceID, domain.InvoiceInit, domain.InvoicePending, nil)
	}
	if err != nil {
		answer.OK = false
		answer.ErrorMessage = outdatedInvoice
		m.logger.WithError(err).WithFields(logging.Fields{
			"event": "invoice_rejected",
			"uuid":  invoiceID,
		}).Warn("pre-checkout rejected")
	}

	if _, err := u.Bot.AnswerPreCheckoutQuery(ctx, answer); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

func (m *Module) paid(ctx context.Context, u *module.Update) error {
	p := u.Payment
	logger := m.logger.WithField("charge_id", p.TelegramPaymentChargeID)

	invoiceID, err := decodePayload(p.InvoicePayload)
	if err != nil {
		return err
	}
	invoice, err := m.invoices.GetByUUID(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("load invoice %s: %w", invoiceID, err)
	}
	if invoice.Status == domain.InvoiceSuccess {
		logger.WithFields(logging.Fields{
			"event": "invoice_duplicate",
			"uuid":  invoiceID,
		}).Info("invoice already settled, ignoring payment message")
		return nil
	}

	refs := &domain.ChargeRefs{
		TelegramPaymentChargeID: p.TelegramPaymentChargeID,
		ProviderPaymentChargeID: p.ProviderPaymentChargeID,
	}
	if err := m.invoices.Transition(ctx, invoiceID, domain.InvoicePending, domain.InvoiceSuccess, refs); err != nil {
		if errors.Is(err, domain.ErrOutdatedInvoice) {
			logger.WithError(err).WithField("event", "invoice_duplicate").Info("invoice settled concurrently")
			return nil
		}
		return fmt.Errorf("settle invoice %s: %w", invoiceID, err)
	}

	if err := m.credits.DepositFiatCredits(ctx, invoice.AccountID, domain.CentsToUnits(invoice.Amount)); err != nil {
		// The invoice is already success, so a redelivered message will not
		// retry this. Reconciliation finds it by uuid.
		logger.WithError(err).WithFields(logging.Fields{
			"event":      "invoice_credit_failed",
			"uuid":       invoiceID,
			"account_id": invoice.AccountID,
			"amount":     invoice.Amount,
		}).Error("invoice paid but credits not deposited")
		return fmt.Errorf("credit invoice %s: %w", invoiceID, err)
	}

	logger.WithFields(logging.Fields{
		"event":      "invoice_paid",
		"uuid":       invoiceID,
		"account_id": invoice.AccountID,
		"amount":     invoice.Amount,
	}).Info("invoice paid")

	balance, err := m.credits.GetFiatBalance(ctx, invoice.AccountID)
	if err != nil {
		return u.Reply(ctx, "Payment received, thank you!")
	}
	return u.Reply(ctx, fmt.Sprintf("Payment received, thank you! Purchased credits: <b>%s</b>",
		domain.UnitsToCredits(balance).StringFixed(2)))
}

func decodePayload(raw string) (string, error) {
	var payload invoicePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", fmt.Errorf("decode invoice payload: %w", err)
	}
	if strings.TrimSpace(payload.UUID) == "" {
		return "", fmt.Errorf("invoice payload without uuid: %w", domain.ErrInvoiceNotFound)
	}
	return payload.UUID, nil
}
