// Package ledger owns every mutation of account balances. Balances only move
// through the validated withdraw/deposit/set operations of Service.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/domain"
	"tg_metered_bot/internal/logging"
)

// OwnerRegistrar records the Telegram user behind a new account.
type OwnerRegistrar interface {
	EnsureOwner(ctx context.Context, userID int64, username string) (bool, error)
}

// InitChatParams identifies the account to initialize and its creator.
type InitChatParams struct {
	UserID    int64
	AccountID int64
	Username  string
}

// Options tunes the starting grant policy.
type Options struct {
	// GrantCredits is the free credit grant for a new account, in whole credits.
	GrantCredits decimal.Decimal
	// MaxChatCount is how many accounts an owner may create before new
	// accounts start with no free credits.
	MaxChatCount int
	// Allowlist exempts owners from MaxChatCount.
	Allowlist *domain.Allowlist
}

// Service is the Ledger Store.
type Service struct {
	repo   Repository
	cache  Cache
	owners OwnerRegistrar
	opts   Options
	logger *logrus.Entry
}

// NewService constructs a Service. cache and owners may be nil.
func NewService(repo Repository, cache Cache, owners OwnerRegistrar, opts Options, logger *logrus.Entry) (*Service, error) {
	if repo == nil {
		return nil, errors.New("ledger repository is required")
	}
	if opts.GrantCredits.IsNegative() {
		return nil, fmt.Errorf("grant credits: %w", domain.ErrInvalidAmount)
	}
	if logger == nil {
		logger = logging.Logger()
	}

	return &Service{
		repo:   repo,
		cache:  cache,
		owners: owners,
		opts:   opts,
		logger: logger,
	}, nil
}

// InitChat returns the account for p.AccountID, creating it with the starting
// grant when it does not exist yet. Calling it again never grants twice.
func (s *Service) InitChat(ctx context.Context, p InitChatParams) (domain.Account, error) {
	if ctx == nil {
		return domain.Account{}, errors.New("context is required")
	}
	if p.AccountID == 0 {
		return domain.Account{}, errors.New("account id is required")
	}

	existing, err := s.repo.Get(ctx, p.AccountID)
	if err == nil {
		s.remember(ctx, p.AccountID)
		return existing, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return domain.Account{}, err
	}

	ownerID := p.UserID
	if ownerID == 0 {
		ownerID = p.AccountID
	}

	if s.owners != nil {
		if _, err := s.owners.EnsureOwner(ctx, ownerID, p.Username); err != nil {
			return domain.Account{}, fmt.Errorf("init chat owner: %w", err)
		}
	}

	grant, err := s.startingGrant(ctx, ownerID, p.Username)
	if err != nil {
		return domain.Account{}, err
	}

	stored, created, err := s.repo.Insert(ctx, domain.Account{
		AccountID:        p.AccountID,
		OwnerID:          ownerID,
		CreditAmount:     grant,
		FiatCreditAmount: decimal.Zero,
	})
	if err != nil {
		return domain.Account{}, err
	}

	if created {
		s.logger.WithFields(logging.Fields{
			"event":      "account_created",
			"account_id": p.AccountID,
			"owner_id":   ownerID,
			"credits":    domain.UnitsToCredits(grant).String(),
		}).Info("created ledger account")
	}

	s.remember(ctx, p.AccountID)
	return stored, nil
}

// EnsureChat is InitChat behind the usage-credit cache: a cache hit returns
// without touching the store.
func (s *Service) EnsureChat(ctx context.Context, p InitChatParams) error {
	if s.cache != nil && s.cache.Seen(ctx, p.AccountID) {
		return nil
	}
	_, err := s.InitChat(ctx, p)
	return err
}

func (s *Service) startingGrant(ctx context.Context, ownerID int64, username string) (decimal.Decimal, error) {
	grant := domain.CreditsToUnits(s.opts.GrantCredits)
	if s.opts.MaxChatCount <= 0 || s.opts.Allowlist.Contains(ownerID, username) {
		return grant, nil
	}

	count, err := s.repo.CountByOwner(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	if count >= int64(s.opts.MaxChatCount) {
		s.logger.WithFields(logging.Fields{
			"event":      "grant_capped",
			"owner_id":   ownerID,
			"chat_count": count,
		}).Info("owner reached chat cap, no starting credits")
		return decimal.Zero, nil
	}

	return grant, nil
}

func (s *Service) remember(ctx context.Context, accountID int64) {
	if s.cache != nil {
		s.cache.Remember(ctx, accountID)
	}
}

// Account returns the account row, or a zero-balance account when it does
// not exist yet.
func (s *Service) Account(ctx context.Context, accountID int64) (domain.Account, error) {
	account, err := s.repo.Get(ctx, accountID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return domain.Account{
			AccountID:        accountID,
			CreditAmount:     decimal.Zero,
			FiatCreditAmount: decimal.Zero,
		}, nil
	}
	return account, err
}

// GetBalance returns the free credit balance in units; zero when the account
// does not exist.
func (s *Service) GetBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	account, err := s.Account(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.CreditAmount, nil
}

// GetFiatBalance returns the purchased credit balance in units.
func (s *Service) GetFiatBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	account, err := s.Account(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.FiatCreditAmount, nil
}

// WithdrawAmount debits free credits.
func (s *Service) WithdrawAmount(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return s.Withdraw(ctx, accountID, domain.BalanceCredits, amount)
}

// WithdrawFiatAmount debits purchased credits.
func (s *Service) WithdrawFiatAmount(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return s.Withdraw(ctx, accountID, domain.BalanceFiat, amount)
}

// DepositCredits credits free credits.
func (s *Service) DepositCredits(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return s.Deposit(ctx, accountID, domain.BalanceCredits, amount)
}

// DepositFiatCredits credits purchased credits.
func (s *Service) DepositFiatCredits(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return s.Deposit(ctx, accountID, domain.BalanceFiat, amount)
}

// Withdraw debits amount from the given balance in one atomic step.
func (s *Service) Withdraw(ctx context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error {
	if err := validateAmount(ctx, amount); err != nil {
		return err
	}
	return s.repo.Withdraw(ctx, accountID, balance, amount.Truncate(0))
}

// Deposit credits amount to the given balance.
func (s *Service) Deposit(ctx context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error {
	if err := validateAmount(ctx, amount); err != nil {
		return err
	}
	return s.repo.Deposit(ctx, accountID, balance, amount.Truncate(0))
}

// SetAmount overwrites the free credit balance. It is an admin correction
// path.
func (s *Service) SetAmount(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	if err := validateAmount(ctx, amount); err != nil {
		return err
	}

	if err := s.repo.Set(ctx, accountID, domain.BalanceCredits, amount.Truncate(0)); err != nil {
		return err
	}

	s.logger.WithFields(logging.Fields{
		"event":      "balance_set",
		"account_id": accountID,
		"amount":     amount.String(),
	}).Warn("credit balance overwritten")
	return nil
}

func validateAmount(ctx context.Context, amount decimal.Decimal) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if amount.IsNegative() {
		return fmt.Errorf("amount %s: %w", amount, domain.ErrInvalidAmount)
	}
	return nil
}
