// Package owner keeps Owner records in sync with the Telegram users who open
// billing accounts.
package owner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_metered_bot/internal/domain"
	"tg_metered_bot/internal/logging"
)

type ownerCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
}

// Registrar upserts owners and refreshes their handle and last-seen time.
type Registrar struct {
	owners ownerCollection
	logger *logrus.Entry
	now    func() time.Time
}

// NewRegistrar constructs a Registrar for the owners collection.
func NewRegistrar(owners ownerCollection, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}
	return &Registrar{owners: owners, logger: logger, now: time.Now}
}

// EnsureOwner creates the owner on first sight and reports whether it was
// created. Later calls move last_seen_at and replace the username when one is
// given; created_at is written only on insert.
func (r *Registrar) EnsureOwner(ctx context.Context, userID int64, username string) (bool, error) {
	if err := r.check(ctx, userID); err != nil {
		return false, err
	}

	seen := r.now().UTC().Truncate(time.Millisecond)
	update := bson.M{
		"$set":         ownerSeen(seen, username),
		"$setOnInsert": bson.M{"user_id": userID, "created_at": seen},
	}

	result, err := r.owners.UpdateOne(ctx, bson.M{"user_id": userID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return false, fmt.Errorf("ensure owner %d: %w", userID, err)
	}

	created := result != nil && result.UpsertedCount > 0
	logger := r.logger.WithField("user_id", userID)
	if created {
		logger.WithField("event", "owner_registered").Info("registered new owner")
	} else {
		logger.WithField("event", "owner_seen").Debug("owner last seen updated")
	}
	return created, nil
}

// Lookup loads one owner. It returns domain.ErrOwnerNotFound when the user
// never opened an account.
func (r *Registrar) Lookup(ctx context.Context, userID int64) (domain.Owner, error) {
	if err := r.check(ctx, userID); err != nil {
		return domain.Owner{}, err
	}

	var found domain.Owner
	err := r.owners.FindOne(ctx, bson.M{"user_id": userID}).Decode(&found)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return domain.Owner{}, fmt.Errorf("owner %d: %w", userID, domain.ErrOwnerNotFound)
	case err != nil:
		return domain.Owner{}, fmt.Errorf("load owner %d: %w", userID, err)
	}
	return found, nil
}

func (r *Registrar) check(ctx context.Context, userID int64) error {
	switch {
	case r == nil || r.owners == nil:
		return errors.New("owner registrar is not initialized")
	case ctx == nil:
		return errors.New("context is required")
	case userID == 0:
		return errors.New("user id is required")
	}
	return nil
}

func ownerSeen(at time.Time, username string) bson.M {
	set := bson.M{"updated_at": at, "last_seen_at": at}
	if handle := strings.TrimPrefix(strings.TrimSpace(username), "@"); handle != "" {
		set["username"] = handle
	}
	return set
}
