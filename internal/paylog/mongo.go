// Package paylog stores the append-only payment log written once per handled
// update. Entries are never updated or deleted.
package paylog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_metered_bot/internal/domain"
)

type insertCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

type logDocument struct {
	UserID             int64                `bson:"user_id"`
	AccountID          int64                `bson:"account_id"`
	GroupID            int64                `bson:"group_id"`
	IsPrivate          bool                 `bson:"is_private"`
	Command            string               `bson:"command"`
	Message            string               `bson:"message"`
	IsSupportedCommand bool                 `bson:"is_supported_command"`
	Module             string               `bson:"module"`
	AmountONE          primitive.Decimal128 `bson:"amount_one"`
	AmountCredits      primitive.Decimal128 `bson:"amount_credits"`
	AmountFiatCredits  primitive.Decimal128 `bson:"amount_fiat_credits"`
	Refunded           bool                 `bson:"refunded"`
	CreatedAt          time.Time            `bson:"created_at"`
}

// MongoSink writes payment logs to the payment_logs collection.
type MongoSink struct {
	collection insertCollection
}

// NewMongoSink constructs a MongoSink.
func NewMongoSink(collection insertCollection) *MongoSink {
	return &MongoSink{collection: collection}
}

// Write appends one entry.
func (s *MongoSink) Write(ctx context.Context, entry domain.PaymentLog) error {
	if s == nil || s.collection == nil {
		return errors.New("payment log sink is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	doc, err := toDocument(entry)
	if err != nil {
		return err
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert payment log: %w", err)
	}
	return nil
}

func toDocument(entry domain.PaymentLog) (logDocument, error) {
	one, err := decimal128(entry.AmountONE)
	if err != nil {
		return logDocument{}, err
	}
	credits, err := decimal128(entry.AmountCredits)
	if err != nil {
		return logDocument{}, err
	}
	fiat, err := decimal128(entry.AmountFiatCredits)
	if err != nil {
		return logDocument{}, err
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return logDocument{
		UserID:             entry.UserID,
		AccountID:          entry.AccountID,
		GroupID:            entry.GroupID,
		IsPrivate:          entry.IsPrivate,
		Command:            entry.Command,
		Message:            domain.TrimMessage(entry.Message),
		IsSupportedCommand: entry.IsSupportedCommand,
		Module:             entry.Module,
		AmountONE:          one,
		AmountCredits:      credits,
		AmountFiatCredits:  fiat,
		Refunded:           entry.Refunded,
		CreatedAt:          createdAt.UTC().Truncate(time.Millisecond),
	}, nil
}

func decimal128(value decimal.Decimal) (primitive.Decimal128, error) {
	parsed, err := primitive.ParseDecimal128(value.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("encode amount %s: %w", value, err)
	}
	return parsed, nil
}
