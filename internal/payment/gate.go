// Package payment implements the payment gate that charges accounts before a
// priced module runs and refunds them when the module fails.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/chain"
	"tg_metered_bot/internal/domain"
	"tg_metered_bot/internal/logging"
	"tg_metered_bot/internal/module"
)

// Ledger is the part of the credit ledger the gate debits and refunds.
type Ledger interface {
	Account(ctx context.Context, accountID int64) (domain.Account, error)
	Withdraw(ctx context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error
	Deposit(ctx context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error
}

// Chain reads balances and moves native ONE between custodial accounts.
// Transfer returns the tx hash along with the error once the transaction was
// sent but could not be confirmed.
type Chain interface {
	BalanceAt(ctx context.Context, address common.Address) (*big.Int, error)
	TransferFee(ctx context.Context) (*big.Int, error)
	Transfer(ctx context.Context, from chain.Account, to common.Address, amount *big.Int) (common.Hash, error)
}

// RateSource reports the current USD price of one ONE. Zero means unknown.
type RateSource interface {
	Rate() decimal.Decimal
}

// Config carries the payment settings the gate needs.
type Config struct {
	Enabled       bool
	Secret        string
	PrevSecrets   []string
	Allowlist     *domain.Allowlist
	HolderAddress string
}

// Option customizes a Gate.
type Option func(*Gate)

// WithChain enables the on-chain source.
func WithChain(c Chain, rates RateSource) Option {
	return func(g *Gate) {
		g.onchain = c
		g.rates = rates
	}
}

// WithLocker replaces the in-process account locker.
func WithLocker(l Locker) Option {
	return func(g *Gate) {
		if l != nil {
			g.locker = l
		}
	}
}

// WithLogger sets the gate logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Gate decides whether an action may run and takes payment for it. Sources
// are tried in order: on-chain ONE, free credits, purchased credits. A single
// action is always paid from one source.
type Gate struct {
	cfg     Config
	ledger  Ledger
	onchain Chain
	rates   RateSource
	locker  Locker
	charges *chargeBook
	logger  *logrus.Entry
	now     func() time.Time

	hot    chain.Account
	hasHot bool
	// hotMu orders outgoing hot wallet transfers so refunds and sweeps do not
	// race for the same nonce.
	hotMu       sync.Mutex
	lastPayment atomic.Int64
}

// NewGate builds a payment gate over the ledger.
func NewGate(cfg Config, ledger Ledger, opts ...Option) (*Gate, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Enabled && cfg.Secret == "" {
		return nil, errors.New("payment secret is required when payments are enabled")
	}
	if cfg.HolderAddress != "" && !common.IsHexAddress(cfg.HolderAddress) {
		return nil, fmt.Errorf("invalid holder address %q", cfg.HolderAddress)
	}

	g := &Gate{
		cfg:     cfg,
		ledger:  ledger,
		locker:  NewLocalLocker(),
		charges: newChargeBook(),
		logger:  logging.Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	if cfg.Secret != "" {
		hot, err := chain.DeriveAccount(cfg.Secret, chain.HotWalletID)
		if err != nil {
			return nil, fmt.Errorf("derive hot wallet: %w", err)
		}
		g.hot, g.hasHot = hot, true
		g.logger.WithFields(logging.Fields{
			"event":   "hot_wallet_ready",
			"address": hot.Hex(),
		}).Info("hot wallet derived")
	}

	return g, nil
}

// HotWallet returns the address that collects on-chain payments.
func (g *Gate) HotWallet() (common.Address, bool) {
	return g.hot.Address, g.hasHot
}

// Enabled reports whether priced actions are charged at all.
func (g *Gate) Enabled() bool {
	return g.cfg.Enabled
}

// Pay charges the account of u for priceCents. It returns false when the
// action must not run; the requester has then already been told why.
func (g *Gate) Pay(ctx context.Context, u *module.Update, priceCents int64) (Charge, bool) {
	logger := g.updateLogger(u)

	if g.skipPayment(u, priceCents) {
		payments.WithLabelValues("skipped").Inc()
		return Charge{}, true
	}

	accountID := u.AccountID()
	unlock, err := g.locker.Lock(ctx, accountID)
	if err != nil {
		payments.WithLabelValues("error").Inc()
		logger.WithError(err).WithField("event", "payment_lock_failed").Error("cannot lock account for payment")
		g.reply(ctx, u, "Payment error, please try again later.")
		return Charge{}, false
	}
	defer unlock()

	charge := Charge{
		ID:         uuid.NewString(),
		UpdateKey:  u.Key(),
		AccountID:  accountID,
		PriceCents: priceCents,
		CreatedAt:  g.now(),
	}

	wei, hash, paid, err := g.payOnChain(ctx, logger, accountID, priceCents)
	if err != nil {
		payments.WithLabelValues("error").Inc()
		g.reply(ctx, u, "Payment error, please try again later.")
		return Charge{}, false
	}
	if paid {
		charge.Source, charge.Wei, charge.TxHash = SourceOnChain, wei, hash.Hex()
		onchainFeesONE.Add(chain.ToONE(wei, false).InexactFloat64())
	} else {
		units := domain.CentsToUnits(priceCents)
		failed := false
		for _, source := range []Source{SourceCredits, SourceFiat} {
			balance, _ := source.Balance()
			err := g.ledger.Withdraw(ctx, accountID, balance, units)
			if err == nil {
				charge.Source, charge.Units = source, units
				break
			}
			if !errors.Is(err, domain.ErrInsufficientBalance) && !errors.Is(err, domain.ErrAccountNotFound) {
				failed = true
				logger.WithError(err).WithFields(logging.Fields{
					"event":  "payment_withdraw_failed",
					"source": string(source),
				}).Warn("credit withdraw failed")
			}
		}

		switch charge.Source {
		case SourceCredits:
			freeCreditsSpent.Add(domain.UnitsToCredits(units).InexactFloat64())
		case SourceFiat:
			fiatCreditsSpent.Add(domain.UnitsToCredits(units).InexactFloat64())
		default:
			if failed {
				payments.WithLabelValues("error").Inc()
				g.reply(ctx, u, "Payment error, please try again later.")
				return Charge{}, false
			}
			payments.WithLabelValues("insufficient").Inc()
			logger.WithFields(logging.Fields{
				"event":       "payment_insufficient",
				"price_cents": priceCents,
			}).Info("insufficient balance")
			g.replyInsufficient(ctx, u, priceCents)
			return Charge{}, false
		}
	}

	g.charges.put(charge)
	payments.WithLabelValues("charged").Inc()
	logger.WithFields(logging.Fields{
		"event":       "payment_charged",
		"charge_id":   charge.ID,
		"source":      string(charge.Source),
		"price_cents": priceCents,
	}).Info("payment taken")

	return charge, true
}

// payOnChain moves the price from the account's custodial address to the hot
// wallet. It reports paid=false with a nil error when the on-chain source
// cannot be used, so credits may be tried. A non-nil error means the transfer
// was broadcast but not confirmed; funds may still move, so the action must be
// denied rather than charged again from credits.
func (g *Gate) payOnChain(ctx context.Context, logger *logrus.Entry, accountID int64, priceCents int64) (*big.Int, common.Hash, bool, error) {
	if g.onchain == nil || g.rates == nil || !g.hasHot {
		return nil, common.Hash{}, false, nil
	}
	price := chain.PriceInONE(priceCents, g.rates.Rate())
	if price.Sign() <= 0 {
		return nil, common.Hash{}, false, nil
	}

	account, err := g.GetUserAccount(accountID)
	if err != nil {
		return nil, common.Hash{}, false, nil
	}
	fee, err := g.onchain.TransferFee(ctx)
	if err != nil {
		logger.WithError(err).WithField("event", "onchain_fee_failed").Warn("cannot price transfer fee")
		return nil, common.Hash{}, false, nil
	}
	balance, err := g.onchain.BalanceAt(ctx, account.Address)
	if err != nil {
		logger.WithError(err).WithField("event", "onchain_balance_failed").Warn("cannot read on-chain balance")
		return nil, common.Hash{}, false, nil
	}
	if balance.Cmp(new(big.Int).Add(price, fee)) < 0 {
		return nil, common.Hash{}, false, nil
	}

	hash, err := g.onchain.Transfer(ctx, account, g.hot.Address, price)
	if err != nil && hash != (common.Hash{}) {
		g.lastPayment.Store(g.now().UnixNano())
		logger.WithError(err).WithFields(logging.Fields{
			"event":   "onchain_payment_unconfirmed",
			"tx_hash": hash.Hex(),
			"amount":  price.String(),
		}).Error("on-chain payment sent but not confirmed, action denied")
		return nil, hash, false, fmt.Errorf("on-chain payment %s: %w", hash.Hex(), err)
	}
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"event":  "onchain_payment_failed",
			"amount": price.String(),
		}).Warn("on-chain payment failed, trying credits")
		return nil, common.Hash{}, false, nil
	}

	g.lastPayment.Store(g.now().UnixNano())
	return price, hash, true, nil
}

// Refund returns a charge to its source. It is idempotent: only the first call
// for a given charge moves funds.
func (g *Gate) Refund(ctx context.Context, reason string, c Charge) bool {
	if !c.Charged() {
		return false
	}

	logger := g.logger.WithFields(logging.Fields{
		"charge_id":  c.ID,
		"account_id": c.AccountID,
		"reason":     reason,
	})

	taken, ok := g.charges.take(c.ID)
	if !ok {
		logger.WithField("event", "refund_skipped").Info("charge already settled or refunded")
		return false
	}

	var err error
	switch taken.Source {
	case SourceOnChain:
		err = g.refundOnChain(ctx, taken)
	default:
		balance, valid := taken.Source.Balance()
		if !valid {
			err = fmt.Errorf("unknown charge source %q", taken.Source)
			break
		}
		err = g.ledger.Deposit(ctx, taken.AccountID, balance, taken.Units)
	}

	if err != nil {
		refundFailures.Inc()
		logger.WithError(fmt.Errorf("%w: %v", domain.ErrRefundFailed, err)).
			WithField("event", "refund_failed").
			Error("refund failed")
		return false
	}

	refunds.WithLabelValues(string(taken.Source)).Inc()
	logger.WithFields(logging.Fields{
		"event":       "payment_refunded",
		"source":      string(taken.Source),
		"price_cents": taken.PriceCents,
	}).Info("payment refunded")
	return true
}

func (g *Gate) refundOnChain(ctx context.Context, c Charge) error {
	if g.onchain == nil || !g.hasHot {
		return errors.New("on-chain refunds are not configured")
	}
	account, err := g.GetUserAccount(c.AccountID)
	if err != nil {
		return err
	}

	// The hot wallet pays gas for the refund out of the refunded amount.
	fee, err := g.onchain.TransferFee(ctx)
	if err != nil {
		return fmt.Errorf("refund fee: %w", err)
	}
	amount := new(big.Int).Sub(c.Wei, fee)
	if amount.Sign() <= 0 {
		return fmt.Errorf("charge of %s wei does not cover the %s wei refund fee", c.Wei, fee)
	}

	g.hotMu.Lock()
	defer g.hotMu.Unlock()

	_, err = g.onchain.Transfer(ctx, g.hot, account.Address, amount)
	return err
}

// RefundPayment refunds the latest open charge of u at priceCents.
func (g *Gate) RefundPayment(ctx context.Context, reason string, u *module.Update, priceCents int64) bool {
	c, ok := g.charges.latest(u.Key(), priceCents)
	if !ok {
		g.updateLogger(u).WithFields(logging.Fields{
			"event":       "refund_skipped",
			"price_cents": priceCents,
		}).Info("no open charge to refund")
		return false
	}
	return g.Refund(ctx, reason, c)
}

// Settle closes a charge after its action succeeded; it can no longer be refunded.
func (g *Gate) Settle(c Charge) {
	if c.Charged() {
		g.charges.take(c.ID)
	}
}

// GetAccountID returns the billing account of u.
func (g *Gate) GetAccountID(u *module.Update) int64 {
	return u.AccountID()
}

// GetUserAccount derives the custodial account of accountID from the current secret.
func (g *Gate) GetUserAccount(accountID int64) (chain.Account, error) {
	return chain.DeriveAccount(g.cfg.Secret, strconv.FormatInt(accountID, 10))
}

// GetAddressBalance returns the on-chain balance of address in ONE.
func (g *Gate) GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid address %q", address)
	}
	if g.onchain == nil {
		return decimal.Zero, fmt.Errorf("balance of %s: %w", address, domain.ErrExternalOracleUnavailable)
	}
	wei, err := g.onchain.BalanceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, err
	}
	return chain.ToONE(wei, false), nil
}

// IsUserInWhitelist reports whether the user is never charged.
func (g *Gate) IsUserInWhitelist(userID int64, username string) bool {
	return g.cfg.Allowlist.Contains(userID, username)
}

// ToONE converts wei to ONE.
func (g *Gate) ToONE(wei *big.Int, roundUp bool) decimal.Decimal {
	return chain.ToONE(wei, roundUp)
}

func (g *Gate) skipPayment(u *module.Update, priceCents int64) bool {
	if !g.cfg.Enabled || priceCents <= 0 {
		return true
	}
	if g.IsUserInWhitelist(u.UserID, u.Username) {
		g.updateLogger(u).WithField("event", "payment_allowlisted").Debug("requester is allowlisted, skipping payment")
		return true
	}
	return false
}

func (g *Gate) replyInsufficient(ctx context.Context, u *module.Update, priceCents int64) {
	wallet, err := g.Balances(ctx, u.AccountID())
	if err != nil {
		g.updateLogger(u).WithError(err).WithField("event", "balance_lookup_failed").Warn("cannot load balances for reply")
	}

	text := fmt.Sprintf("Insufficient balance for this action ($%s).\n\n%s\n\nTo recharge use /deposit",
		decimal.New(priceCents, -2).StringFixed(2), wallet.Summary())
	if wallet.Address != "" {
		text += " or send ONE to <code>" + wallet.Address + "</code>"
	}
	g.reply(ctx, u, text+".")
}

func (g *Gate) reply(ctx context.Context, u *module.Update, text string) {
	if u.Bot == nil {
		return
	}
	if err := u.Reply(ctx, text); err != nil {
		g.updateLogger(u).WithError(err).WithField("event", "reply_failed").Warn("failed to send payment reply")
	}
}

func (g *Gate) updateLogger(u *module.Update) *logrus.Entry {
	return logging.Enrich(g.logger, logging.Context{
		UserID:    u.UserID,
		ChatID:    u.ChatID,
		AccountID: u.AccountID(),
		UpdateID:  u.UpdateID,
	})
}
