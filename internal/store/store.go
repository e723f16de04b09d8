// Package store encapsulates MongoDB client management and collection helpers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tg_metered_bot/internal/config"
)

// Collection names used across the bot.
const (
	CollectionAccounts    = "accounts"
	CollectionOwners      = "owners"
	CollectionInvoices    = "invoices"
	CollectionPaymentLogs = "payment_logs"
)

const (
	appName                = "metered-bot"
	serverSelectionTimeout = 5 * time.Second
)

// mongoClient captures the subset of mongo.Client behavior we rely on to allow
// lightweight stubbing in tests without a live Mongo deployment.
type mongoClient interface {
	Ping(context.Context, *readpref.ReadPref) error
	Database(string, ...*options.DatabaseOptions) *mongo.Database
	Disconnect(context.Context) error
}

// connectMongo is overridable for tests.
var connectMongo = func(ctx context.Context, opts *options.ClientOptions) (mongoClient, error) {
	return mongo.Connect(ctx, opts)
}

// createIndexes is overridable for tests.
var createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
	return coll.Indexes().CreateMany(ctx, models)
}

// Manager owns a MongoDB client and the configured database handle.
type Manager struct {
	client mongoClient
	db     *mongo.Database
}

// NewManager initializes the Mongo client using the supplied configuration and
// verifies connectivity with a ping.
func NewManager(ctx context.Context, cfg config.Config) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	opts := options.Client().
		ApplyURI(cfg.MongoURI).
		SetAppName(appName).
		SetServerSelectionTimeout(serverSelectionTimeout)

	client, err := connectMongo(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Manager{
		client: client,
		db:     client.Database(cfg.MongoDB),
	}, nil
}

// Database returns the configured database handle.
func (m *Manager) Database() *mongo.Database {
	return m.db
}

// Collection returns a collection handle for the given name.
func (m *Manager) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// Accounts returns the ledger accounts collection handle.
func (m *Manager) Accounts() *mongo.Collection {
	return m.Collection(CollectionAccounts)
}

// Owners returns the owners collection handle.
func (m *Manager) Owners() *mongo.Collection {
	return m.Collection(CollectionOwners)
}

// Invoices returns the invoices collection handle.
func (m *Manager) Invoices() *mongo.Collection {
	return m.Collection(CollectionInvoices)
}

// PaymentLogs returns the append-only payment log collection handle.
func (m *Manager) PaymentLogs() *mongo.Collection {
	return m.Collection(CollectionPaymentLogs)
}

// Ping verifies the deployment is reachable. It satisfies health.Checker.
func (m *Manager) Ping(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.client == nil {
		return errors.New("store manager is not initialized")
	}

	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// EnsureBaseIndexes creates the indexes the ledger relies on. The unique
// account_id index is what makes account creation idempotent under races.
// Collections are created implicitly if they do not already exist.
func (m *Manager) EnsureBaseIndexes(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("store manager is not initialized")
	}

	plan := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{
			coll: m.Accounts(),
			models: []mongo.IndexModel{
				uniqueIndex("account_id", "account_id_unique"),
				{
					Keys:    bson.D{{Key: "owner_id", Value: 1}},
					Options: options.Index().SetName("owner_id"),
				},
			},
		},
		{
			coll:   m.Owners(),
			models: []mongo.IndexModel{uniqueIndex("user_id", "user_id_unique")},
		},
		{
			coll:   m.Invoices(),
			models: []mongo.IndexModel{uniqueIndex("uuid", "uuid_unique")},
		},
		{
			coll: m.PaymentLogs(),
			models: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}},
					Options: options.Index().SetName("account_created_at"),
				},
			},
		},
	}

	for _, step := range plan {
		if _, err := createIndexes(ctx, step.coll, step.models); err != nil {
			return fmt.Errorf("create %s indexes: %w", step.coll.Name(), err)
		}
	}

	return nil
}

func uniqueIndex(key, name string) mongo.IndexModel {
	return mongo.IndexModel{
		Keys: bson.D{{Key: key, Value: 1}},
		Options: options.Index().
			SetName(name).
			SetUnique(true),
	}
}

// Close disconnects the Mongo client.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	return m.client.Disconnect(ctx)
}
