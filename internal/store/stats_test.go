package store

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestStatsProviderSnapshot(t *testing.T) {
	accounts := &stubCountCollection{counts: []int64{12, 4}}
	owners := &stubCountCollection{counts: []int64{9}}
	invoices := &stubCountCollection{counts: []int64{3}}

	provider := NewStatsProvider(accounts, owners, invoices)

	stats, err := provider.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("expected snapshot to succeed, got error: %v", err)
	}

	want := Stats{Accounts: 12, GroupAccounts: 4, Owners: 9, PaidInvoices: 3}
	if stats != want {
		t.Fatalf("expected %+v, got %+v", want, stats)
	}
	if accounts.calls != 2 || owners.calls != 1 || invoices.calls != 1 {
		t.Fatalf("unexpected call counts accounts=%d owners=%d invoices=%d", accounts.calls, owners.calls, invoices.calls)
	}

	groupFilter, ok := accounts.filters[1].(bson.M)
	if !ok {
		t.Fatalf("expected bson.M group filter, got %T", accounts.filters[1])
	}
	if _, ok := groupFilter["account_id"]; !ok {
		t.Fatalf("expected group filter on account_id, got %v", groupFilter)
	}

	paidFilter, ok := invoices.filters[0].(bson.M)
	if !ok || paidFilter["status"] != "success" {
		t.Fatalf("expected paid invoice filter, got %v", invoices.filters[0])
	}
}

func TestStatsProviderRequiresContext(t *testing.T) {
	provider := NewStatsProvider(&stubCountCollection{}, &stubCountCollection{}, &stubCountCollection{})

	if _, err := provider.Snapshot(nil); err == nil {
		t.Fatalf("expected error for nil context")
	}
}

func TestStatsProviderRequiresInitialization(t *testing.T) {
	var provider *StatsProvider

	if _, err := provider.Snapshot(context.Background()); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewStatsProvider(nil, nil, nil).Snapshot(context.Background()); err == nil {
		t.Fatalf("expected error for missing collections")
	}
}

func TestStatsProviderPropagatesErrors(t *testing.T) {
	expectedErr := errors.New("count failed")
	provider := NewStatsProvider(
		&stubCountCollection{},
		&stubCountCollection{err: expectedErr},
		&stubCountCollection{},
	)

	_, err := provider.Snapshot(context.Background())
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected wrapped count error, got %v", err)
	}
}

type stubCountCollection struct {
	counts  []int64
	err     error
	calls   int
	filters []interface{}
}

func (s *stubCountCollection) CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error) {
	s.calls++
	s.filters = append(s.filters, filter)
	if s.err != nil {
		return 0, s.err
	}
	if len(s.counts) == 0 {
		return 0, nil
	}
	n := s.counts[0]
	s.counts = s.counts[1:]
	return n, nil
}
