package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxLoggedMessage bounds the message text kept in a PaymentLog.
const MaxLoggedMessage = 1024

// PaymentLog is the append-only analytics record written once per handled update.
type PaymentLog struct {
	UserID             int64
	AccountID          int64
	GroupID            int64
	IsPrivate          bool
	Command            string
	Message            string
	IsSupportedCommand bool
	Module             string
	AmountONE          decimal.Decimal
	AmountCredits      decimal.Decimal
	AmountFiatCredits  decimal.Decimal
	Refunded           bool
	CreatedAt          time.Time
}

// TrimMessage cuts text to MaxLoggedMessage runes.
func TrimMessage(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxLoggedMessage {
		return text
	}
	return string(runes[:MaxLoggedMessage])
}
