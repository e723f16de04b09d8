package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditDecimals is the fixed-point scale of every credit balance.
const CreditDecimals = 18

// CentsPerCredit is the fiat value of one credit.
const CentsPerCredit = 100

var (
	creditUnit = decimal.New(1, CreditDecimals)
	centUnit   = decimal.New(1, CreditDecimals-2)
)

// Balance names one of the two credit fields of an Account.
type Balance string

const (
	// BalanceCredits is the free credit balance granted by the bot.
	BalanceCredits Balance = "credit_amount"
	// BalanceFiat is the balance purchased through Telegram payments.
	BalanceFiat Balance = "fiat_credit_amount"
)

// Valid reports whether b names a known balance field.
func (b Balance) Valid() bool {
	return b == BalanceCredits || b == BalanceFiat
}

// Account is the billing unit: a private user or a whole group chat.
// Balances are integral amounts of the smallest credit unit.
type Account struct {
	AccountID        int64
	OwnerID          int64
	CreditAmount     decimal.Decimal
	FiatCreditAmount decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Amount returns the value of the requested balance field.
func (a Account) Amount(b Balance) decimal.Decimal {
	if b == BalanceFiat {
		return a.FiatCreditAmount
	}
	return a.CreditAmount
}

// CreditsToUnits converts whole credits into smallest units.
func CreditsToUnits(credits decimal.Decimal) decimal.Decimal {
	return credits.Mul(creditUnit).Truncate(0)
}

// UnitsToCredits converts smallest units into credits.
func UnitsToCredits(units decimal.Decimal) decimal.Decimal {
	return units.Div(creditUnit)
}

// CentsToUnits converts a fiat price in cents into smallest credit units.
func CentsToUnits(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Mul(centUnit)
}
