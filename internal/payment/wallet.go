package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"tg_metered_bot/internal/chain"
	"tg_metered_bot/internal/domain"
	"tg_metered_bot/internal/logging"
)

// SweepIdle is how long the hot wallet must go without payments before its
// balance is moved to the holder address.
const SweepIdle = 10 * time.Minute

// DefaultSweepInterval is how often RunSweeper checks the hot wallet.
const DefaultSweepInterval = time.Minute

// WalletBalance is everything an account can pay with.
type WalletBalance struct {
	AccountID   int64
	Credits     decimal.Decimal
	FiatCredits decimal.Decimal
	// ONE is nil when the address balance oracle could not be reached.
	ONE     *decimal.Decimal
	Address string
}

// Summary renders the balances as HTML lines for a chat reply.
func (w WalletBalance) Summary() string {
	lines := []string{
		"Credits: <b>" + domain.UnitsToCredits(w.Credits).StringFixed(2) + "</b>",
		"Purchased credits: <b>" + domain.UnitsToCredits(w.FiatCredits).StringFixed(2) + "</b>",
	}
	switch {
	case w.ONE != nil:
		lines = append(lines, "ONE: <b>"+w.ONE.StringFixed(2)+"</b>")
	case w.Address != "":
		lines = append(lines, "ONE: <i>unavailable</i>")
	}
	return strings.Join(lines, "\n")
}

// Balances collects the ledger and on-chain balances of an account.
func (g *Gate) Balances(ctx context.Context, accountID int64) (WalletBalance, error) {
	wallet := WalletBalance{AccountID: accountID}

	account, err := g.ledger.Account(ctx, accountID)
	if err != nil {
		return wallet, fmt.Errorf("load account %d: %w", accountID, err)
	}
	wallet.Credits = account.CreditAmount
	wallet.FiatCredits = account.FiatCreditAmount

	if g.cfg.Secret == "" {
		return wallet, nil
	}
	custodial, err := g.GetUserAccount(accountID)
	if err != nil {
		return wallet, err
	}
	wallet.Address = custodial.Hex()

	if g.onchain == nil {
		return wallet, nil
	}
	one, err := g.GetAddressBalance(ctx, wallet.Address)
	if err != nil {
		g.logger.WithError(err).WithFields(logging.Fields{
			"event":      "onchain_balance_failed",
			"account_id": accountID,
		}).Warn("cannot read on-chain balance")
		return wallet, nil
	}
	wallet.ONE = &one

	return wallet, nil
}

// MigrateFunds moves the ONE held by accounts derived from retired secrets to
// the current custodial account and returns the total moved in wei.
func (g *Gate) MigrateFunds(ctx context.Context, accountID int64) (*big.Int, error) {
	total := new(big.Int)
	if g.onchain == nil {
		return total, fmt.Errorf("migrate: %w", domain.ErrExternalOracleUnavailable)
	}

	current, err := g.GetUserAccount(accountID)
	if err != nil {
		return total, err
	}
	fee, err := g.onchain.TransferFee(ctx)
	if err != nil {
		return total, err
	}

	id := strconv.FormatInt(accountID, 10)
	for _, secret := range g.cfg.PrevSecrets {
		prev, err := chain.DeriveAccount(secret, id)
		if err != nil {
			return total, err
		}
		balance, err := g.onchain.BalanceAt(ctx, prev.Address)
		if err != nil {
			return total, err
		}
		available := new(big.Int).Sub(balance, fee)
		if available.Sign() <= 0 {
			continue
		}
		if _, err := g.onchain.Transfer(ctx, prev, current.Address, available); err != nil {
			return total, fmt.Errorf("migrate from %s: %w", prev.Hex(), err)
		}
		total.Add(total, available)

		g.logger.WithFields(logging.Fields{
			"event":      "funds_migrated",
			"account_id": accountID,
			"from":       prev.Hex(),
			"to":         current.Hex(),
			"amount":     available.String(),
		}).Info("funds migrated from retired account")
	}

	return total, nil
}

// SweepHotWallet moves the hot wallet balance, minus the transfer fee, to the
// holder address once no payment has arrived for SweepIdle. It returns the
// amount moved.
func (g *Gate) SweepHotWallet(ctx context.Context) (*big.Int, error) {
	moved := new(big.Int)
	if g.onchain == nil || !g.hasHot || g.cfg.HolderAddress == "" {
		return moved, nil
	}

	last := g.lastPayment.Load()
	if last != 0 && g.now().Sub(time.Unix(0, last)) <= SweepIdle {
		return moved, nil
	}

	g.hotMu.Lock()
	defer g.hotMu.Unlock()

	balance, err := g.onchain.BalanceAt(ctx, g.hot.Address)
	if err != nil {
		return moved, err
	}
	fee, err := g.onchain.TransferFee(ctx)
	if err != nil {
		return moved, err
	}
	if balance.Cmp(fee) <= 0 {
		return moved, nil
	}

	amount := new(big.Int).Sub(balance, fee)
	holder := common.HexToAddress(g.cfg.HolderAddress)
	if _, err := g.onchain.Transfer(ctx, g.hot, holder, amount); err != nil {
		return moved, err
	}

	g.logger.WithFields(logging.Fields{
		"event":  "hot_wallet_swept",
		"from":   g.hot.Hex(),
		"to":     holder.Hex(),
		"amount": amount.String(),
	}).Info("hot wallet funds moved to holder")

	return amount, nil
}

// RunSweeper calls SweepHotWallet every interval until ctx is done.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	if g.cfg.HolderAddress == "" {
		g.logger.WithField("event", "sweeper_disabled").Warn("holder address is empty, hot wallet sweeping disabled")
		return
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.SweepHotWallet(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.WithError(err).WithField("event", "sweep_failed").Error("cannot sweep hot wallet")
			}
		}
	}
}
