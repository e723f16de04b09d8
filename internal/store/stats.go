package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// Stats is a point-in-time summary of the ledger for operators.
type Stats struct {
	Accounts      int64
	GroupAccounts int64
	Owners        int64
	PaidInvoices  int64
}

// StatsProvider exposes collection counts for diagnostics without leaking
// MongoDB internals to callers.
type StatsProvider struct {
	accounts countCollection
	owners   countCollection
	invoices countCollection
}

// NewStatsProvider constructs a StatsProvider backed by the ledger collections.
func NewStatsProvider(accounts, owners, invoices countCollection) *StatsProvider {
	return &StatsProvider{
		accounts: accounts,
		owners:   owners,
		invoices: invoices,
	}
}

// Snapshot counts accounts (all and group-owned), owners and paid invoices.
func (p *StatsProvider) Snapshot(ctx context.Context) (Stats, error) {
	if ctx == nil {
		return Stats{}, errors.New("context is required")
	}
	if p == nil || p.accounts == nil || p.owners == nil || p.invoices == nil {
		return Stats{}, errors.New("stats provider is not initialized")
	}

	var (
		stats Stats
		err   error
	)

	if stats.Accounts, err = count(ctx, p.accounts, bson.D{}, "accounts"); err != nil {
		return Stats{}, err
	}
	// Group and channel chat ids are negative.
	if stats.GroupAccounts, err = count(ctx, p.accounts, bson.M{"account_id": bson.M{"$lt": 0}}, "group accounts"); err != nil {
		return Stats{}, err
	}
	if stats.Owners, err = count(ctx, p.owners, bson.D{}, "owners"); err != nil {
		return Stats{}, err
	}
	if stats.PaidInvoices, err = count(ctx, p.invoices, bson.M{"status": "success"}, "paid invoices"); err != nil {
		return Stats{}, err
	}

	return stats, nil
}

func count(ctx context.Context, coll countCollection, filter interface{}, what string) (int64, error) {
	n, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", what, err)
	}
	return n, nil
}
