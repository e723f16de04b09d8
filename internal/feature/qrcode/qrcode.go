// Package qrcode renders text into a QR code image for a fixed price.
package qrcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	qr "github.com/skip2/go-qrcode"

	"tg_metered_bot/internal/logging"
	"tg_metered_bot/internal/module"
)

const (
	moduleName = "qrcode"

	imageSize = 512
	// MaxTextLength keeps the payload inside what a medium recovery QR code
	// can hold.
	MaxTextLength = 1000

	usageReply = "Usage: /qr <text or link>"
	failReply  = "Could not generate the QR code, your payment was refunded."
)

type encodeFunc func(content string, level qr.RecoveryLevel, size int) ([]byte, error)

// Module serves /qr.
type Module struct {
	priceCents int64
	encode     encodeFunc
	logger     *logrus.Entry
}

// New constructs the QR module priced at priceCents per code.
func New(priceCents int64, logger *logrus.Entry) (*Module, error) {
	if priceCents < 0 {
		return nil, errors.New("qr price must not be negative")
	}
	if logger == nil {
		logger = logging.Logger()
	}
	return &Module{priceCents: priceCents, encode: qr.Encode, logger: logger}, nil
}

func (m *Module) Name() string { return moduleName }

func (m *Module) IsSupportedEvent(u *module.Update) bool {
	return u.HasCommand("qr")
}

// EstimatedPrice is zero when there is nothing to encode so that the usage
// hint is free.
func (m *Module) EstimatedPrice(u *module.Update) int64 {
	if !validText(u.Args()) {
		return 0
	}
	return m.priceCents
}

func (m *Module) OnEvent(ctx context.Context, u *module.Update, refund module.RefundFunc) (module.Result, error) {
	text := u.Args()
	if !validText(text) {
		return module.Stop, u.Reply(ctx, usageReply)
	}

	png, err := m.encode(text, qr.Medium, imageSize)
	if err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"event":      "qr_failed",
			"account_id": u.AccountID(),
		}).Warn("qr generation failed")
		if refund != nil {
			refund("qr generation failed: " + err.Error())
		}
		return module.Stop, u.Reply(ctx, failReply)
	}

	params := &bot.SendPhotoParams{
		ChatID: u.ChatID,
		Photo: &models.InputFileUpload{
			Filename: "qr.png",
			Data:     bytes.NewReader(png),
		},
	}
	if u.MessageID != 0 {
		params.ReplyParameters = &models.ReplyParameters{MessageID: u.MessageID}
	}
	if _, err := u.Bot.SendPhoto(ctx, params); err != nil {
		return module.Stop, fmt.Errorf("send qr code: %w", err)
	}
	return module.Stop, nil
}

func validText(text string) bool {
	n := utf8.RuneCountInString(text)
	return n > 0 && n <= MaxTextLength
}
