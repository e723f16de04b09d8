// Package ledgertest provides an in-memory ledger.Repository for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tg_metered_bot/internal/domain"
)

// Repository keeps accounts in a map guarded by a mutex, giving the same
// conditional-update semantics as the Mongo implementation.
type Repository struct {
	mu       sync.Mutex
	accounts map[int64]domain.Account

	// Err, when set, is returned by every call.
	Err error
	// Inserts counts successful inserts.
	Inserts int
	// Reads counts Get calls.
	Reads int
}

// NewRepository returns an empty Repository.
func NewRepository() *Repository {
	return &Repository{accounts: make(map[int64]domain.Account)}
}

// Put stores an account directly.
func (r *Repository) Put(account domain.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[account.AccountID] = account
}

func (r *Repository) Get(_ context.Context, accountID int64) (domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reads++
	if r.Err != nil {
		return domain.Account{}, r.Err
	}

	account, ok := r.accounts[accountID]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %d: %w", accountID, domain.ErrAccountNotFound)
	}
	return account, nil
}

func (r *Repository) Insert(_ context.Context, account domain.Account) (domain.Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return domain.Account{}, false, r.Err
	}

	if existing, ok := r.accounts[account.AccountID]; ok {
		return existing, false, nil
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	r.accounts[account.AccountID] = account
	r.Inserts++
	return account, true, nil
}

func (r *Repository) Withdraw(_ context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error {
	return r.mutate(accountID, balance, func(current decimal.Decimal) (decimal.Decimal, error) {
		if current.LessThan(amount) {
			return current, fmt.Errorf("account %d %s: %w", accountID, balance, domain.ErrInsufficientBalance)
		}
		return current.Sub(amount), nil
	})
}

func (r *Repository) Deposit(_ context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error {
	return r.mutate(accountID, balance, func(current decimal.Decimal) (decimal.Decimal, error) {
		return current.Add(amount), nil
	})
}

func (r *Repository) Set(_ context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error {
	return r.mutate(accountID, balance, func(decimal.Decimal) (decimal.Decimal, error) {
		return amount, nil
	})
}

func (r *Repository) CountByOwner(_ context.Context, ownerID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}

	var count int64
	for _, account := range r.accounts {
		if account.OwnerID == ownerID {
			count++
		}
	}
	return count, nil
}

func (r *Repository) mutate(accountID int64, balance domain.Balance, apply func(decimal.Decimal) (decimal.Decimal, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}

	account, ok := r.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %d: %w", accountID, domain.ErrAccountNotFound)
	}

	next, err := apply(account.Amount(balance))
	if err != nil {
		return err
	}

	if balance == domain.BalanceFiat {
		account.FiatCreditAmount = next
	} else {
		account.CreditAmount = next
	}
	account.UpdatedAt = time.Now().UTC()
	r.accounts[accountID] = account
	return nil
}
