package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"tg_metered_bot/internal/domain"
)

// Repository is the durable store of Account rows. Every mutation is a single
// conditional write; implementations must never read-modify-write a balance.
type Repository interface {
	// Get returns domain.ErrAccountNotFound when the row does not exist.
	Get(ctx context.Context, accountID int64) (domain.Account, error)
	// Insert creates the row. When another writer created it first the
	// existing row is returned with created=false.
	Insert(ctx context.Context, account domain.Account) (stored domain.Account, created bool, err error)
	// Withdraw subtracts amount only when the balance covers it. It returns
	// domain.ErrInsufficientBalance or domain.ErrAccountNotFound otherwise.
	Withdraw(ctx context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error
	// Deposit adds amount to the balance.
	Deposit(ctx context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error
	// Set overwrites the balance.
	Set(ctx context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error
	// CountByOwner returns how many accounts the owner has created.
	CountByOwner(ctx context.Context, ownerID int64) (int64, error)
}
