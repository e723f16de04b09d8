// Package wallet answers balance questions and moves funds left behind by
// retired custodial secrets.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/chain"
	"tg_metered_bot/internal/logging"
	"tg_metered_bot/internal/module"
	"tg_metered_bot/internal/payment"
)

const moduleName = "wallet"

// Wallet reports and migrates account funds.
type Wallet interface {
	Balances(ctx context.Context, accountID int64) (payment.WalletBalance, error)
	MigrateFunds(ctx context.Context, accountID int64) (*big.Int, error)
}

// Module serves /balance, /secret and /migrate. It is never charged.
type Module struct {
	wallet Wallet
	logger *logrus.Entry
}

// New constructs the wallet module.
func New(wallet Wallet, logger *logrus.Entry) (*Module, error) {
	if wallet == nil {
		return nil, errors.New("wallet is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}
	return &Module{wallet: wallet, logger: logger}, nil
}

func (m *Module) Name() string { return moduleName }

func (m *Module) IsSupportedEvent(u *module.Update) bool {
	return u.HasCommand("balance", "secret", "migrate")
}

func (m *Module) EstimatedPrice(*module.Update) int64 { return 0 }

func (m *Module) OnEvent(ctx context.Context, u *module.Update, _ module.RefundFunc) (module.Result, error) {
	accountID := u.AccountID()

	if u.Command() == "migrate" {
		return module.Stop, m.migrate(ctx, u, accountID)
	}

	balance, err := m.wallet.Balances(ctx, accountID)
	if err != nil {
		return module.Stop, fmt.Errorf("load balances: %w", err)
	}

	text := "<b>Credits</b>\n\n" + balance.Summary()
	if u.Command() == "secret" && balance.Address != "" {
		text += "\n\n<b>Deposit address</b>: <code>" + balance.Address + "</code>"
	}
	return module.Stop, u.Reply(ctx, text)
}

func (m *Module) migrate(ctx context.Context, u *module.Update, accountID int64) error {
	moved, err := m.wallet.MigrateFunds(ctx, accountID)
	if err != nil {
		return fmt.Errorf("migrate funds: %w", err)
	}

	balance, err := m.wallet.Balances(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}

	var text string
	if moved.Sign() > 0 {
		text = fmt.Sprintf("Transferred %s ONE from previous accounts to <code>%s</code>",
			chain.ToONE(moved, false).StringFixed(2), balance.Address)
		m.logger.WithFields(logging.Fields{
			"event":      "wallet_migrated",
			"account_id": accountID,
			"amount":     moved.String(),
		}).Info("previous account funds migrated")
	} else {
		text = "No funds were found in previous accounts"
	}

	return u.Reply(ctx, text+"\n\n"+balance.Summary())
}
