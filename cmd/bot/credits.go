package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tg_metered_bot/internal/domain"
	"tg_metered_bot/internal/feature/owner"
	"tg_metered_bot/internal/ledger"
)

func newCreditsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and correct account balances",
	}
	cmd.AddCommand(
		newCreditsGetCmd(a),
		newCreditsSetCmd(a),
		newCreditsDepositCmd(a),
	)
	return cmd
}

func newCreditsGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <account-id>",
		Short: "Print the balances of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			return a.withLedger(cmd, func(svc *ledger.Service, owners *owner.Registrar) error {
				account, err := svc.Account(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "account %d (owner %s)\ncredits: %s\npurchased credits: %s\n",
					account.AccountID,
					ownerLabel(cmd.Context(), owners, account.OwnerID),
					domain.UnitsToCredits(account.Amount(domain.BalanceCredits)).StringFixed(2),
					domain.UnitsToCredits(account.Amount(domain.BalanceFiat)).StringFixed(2),
				)
				return err
			})
		},
	}
}

func newCreditsSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <account-id> <credits>",
		Short: "Overwrite the free credit balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, credits, err := parseBalanceArgs(args)
			if err != nil {
				return err
			}
			return a.withLedger(cmd, func(svc *ledger.Service, _ *owner.Registrar) error {
				if err := svc.SetAmount(cmd.Context(), accountID, domain.CreditsToUnits(credits)); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "account %d credits set to %s\n", accountID, credits.StringFixed(2))
				return err
			})
		},
	}
}

func newCreditsDepositCmd(a *app) *cobra.Command {
	var fiat bool

	cmd := &cobra.Command{
		Use:   "deposit <account-id> <credits>",
		Short: "Add credits to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, credits, err := parseBalanceArgs(args)
			if err != nil {
				return err
			}
			balance := domain.BalanceCredits
			if fiat {
				balance = domain.BalanceFiat
			}
			return a.withLedger(cmd, func(svc *ledger.Service, _ *owner.Registrar) error {
				if err := svc.Deposit(cmd.Context(), accountID, balance, domain.CreditsToUnits(credits)); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "deposited %s %s to account %d\n", credits.StringFixed(2), balance, accountID)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&fiat, "fiat", false, "credit the purchased balance instead of the free one")
	return cmd
}

func (a *app) withLedger(cmd *cobra.Command, fn func(*ledger.Service, *owner.Registrar) error) error {
	manager, closeStore, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := a.newLedger(manager, nil)
	if err != nil {
		return err
	}
	return fn(svc, owner.NewRegistrar(manager.Owners(), a.logger))
}

// ownerLabel renders the owner as "id (@handle)", or just the id when the
// owner row is missing or has no handle.
func ownerLabel(ctx context.Context, owners *owner.Registrar, ownerID int64) string {
	label := strconv.FormatInt(ownerID, 10)
	o, err := owners.Lookup(ctx, ownerID)
	if err != nil || o.Username == "" {
		return label
	}
	return label + " (@" + o.Username + ")"
}

func parseAccountID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid account id %q", raw)
	}
	return id, nil
}

func parseBalanceArgs(args []string) (int64, decimal.Decimal, error) {
	accountID, err := parseAccountID(args[0])
	if err != nil {
		return 0, decimal.Zero, err
	}
	credits, err := decimal.NewFromString(strings.TrimSpace(args[1]))
	if err != nil || credits.IsNegative() {
		return 0, decimal.Zero, fmt.Errorf("invalid credit amount %q: %w", args[1], domain.ErrInvalidAmount)
	}
	return accountID, credits, nil
}
