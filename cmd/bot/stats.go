package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tg_metered_bot/internal/store"
)

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print account, owner and invoice counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			stats, err := store.NewStatsProvider(manager.Accounts(), manager.Owners(), manager.Invoices()).Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "accounts: %d\ngroup accounts: %d\nowners: %d\npaid invoices: %d\n",
				stats.Accounts, stats.GroupAccounts, stats.Owners, stats.PaidInvoices)
			return err
		},
	}
}
