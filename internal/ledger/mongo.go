package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_metered_bot/internal/domain"
)

type accountCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

type accountDocument struct {
	AccountID        int64                `bson:"account_id"`
	OwnerID          int64                `bson:"owner_id"`
	CreditAmount     primitive.Decimal128 `bson:"credit_amount"`
	FiatCreditAmount primitive.Decimal128 `bson:"fiat_credit_amount"`
	CreatedAt        time.Time            `bson:"created_at"`
	UpdatedAt        time.Time            `bson:"updated_at"`
}

// MongoRepository stores accounts in MongoDB with Decimal128 balances.
type MongoRepository struct {
	accounts accountCollection
}

// NewMongoRepository constructs a MongoRepository for the accounts collection.
func NewMongoRepository(accounts accountCollection) *MongoRepository {
	return &MongoRepository{accounts: accounts}
}

// Get loads an account by id.
func (r *MongoRepository) Get(ctx context.Context, accountID int64) (domain.Account, error) {
	if err := r.check(ctx); err != nil {
		return domain.Account{}, err
	}

	result := r.accounts.FindOne(ctx, bson.M{"account_id": accountID})
	if result == nil {
		return domain.Account{}, errors.New("find account returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Account{}, fmt.Errorf("account %d: %w", accountID, domain.ErrAccountNotFound)
		}
		return domain.Account{}, fmt.Errorf("find account: %w", err)
	}

	var doc accountDocument
	if err := result.Decode(&doc); err != nil {
		return domain.Account{}, fmt.Errorf("decode account: %w", err)
	}

	return doc.toDomain()
}

// Insert creates the account row. A duplicate key means a concurrent writer
// won, in which case the stored row is returned.
func (r *MongoRepository) Insert(ctx context.Context, account domain.Account) (domain.Account, bool, error) {
	if err := r.check(ctx); err != nil {
		return domain.Account{}, false, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	doc, err := newAccountDocument(account)
	if err != nil {
		return domain.Account{}, false, err
	}

	if _, err := r.accounts.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, getErr := r.Get(ctx, account.AccountID)
			if getErr != nil {
				return domain.Account{}, false, getErr
			}
			return existing, false, nil
		}
		return domain.Account{}, false, fmt.Errorf("insert account: %w", err)
	}

	return account, true, nil
}

// Withdraw applies {$inc: -amount} guarded by {balance: {$gte: amount}}.
func (r *MongoRepository) Withdraw(ctx context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	if !balance.Valid() {
		return fmt.Errorf("unknown balance %q", balance)
	}

	want, err := toDecimal128(amount)
	if err != nil {
		return err
	}
	delta, err := toDecimal128(amount.Neg())
	if err != nil {
		return err
	}

	result, err := r.accounts.UpdateOne(ctx,
		bson.M{
			"account_id":    accountID,
			string(balance): bson.M{"$gte": want},
		},
		bson.M{
			"$inc": bson.M{string(balance): delta},
			"$set": bson.M{"updated_at": time.Now().UTC().Truncate(time.Millisecond)},
		},
	)
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", balance, err)
	}
	if result != nil && result.MatchedCount > 0 {
		return nil
	}

	if _, err := r.Get(ctx, accountID); err != nil {
		return err
	}
	return fmt.Errorf("account %d %s: %w", accountID, balance, domain.ErrInsufficientBalance)
}

// Deposit applies {$inc: amount}.
func (r *MongoRepository) Deposit(ctx context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error {
	delta, err := toDecimal128(amount)
	if err != nil {
		return err
	}
	return r.update(ctx, accountID, balance, "$inc", delta)
}

// Set applies {$set: amount}.
func (r *MongoRepository) Set(ctx context.Context, accountID int64, balance domain.Balance, amount decimal.Decimal) error {
	value, err := toDecimal128(amount)
	if err != nil {
		return err
	}
	return r.update(ctx, accountID, balance, "$set", value)
}

// CountByOwner counts the accounts created by ownerID.
func (r *MongoRepository) CountByOwner(ctx context.Context, ownerID int64) (int64, error) {
	if err := r.check(ctx); err != nil {
		return 0, err
	}

	count, err := r.accounts.CountDocuments(ctx, bson.M{"owner_id": ownerID})
	if err != nil {
		return 0, fmt.Errorf("count owner accounts: %w", err)
	}
	return count, nil
}

func (r *MongoRepository) update(ctx context.Context, accountID int64, balance domain.Balance, op string, value primitive.Decimal128) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	if !balance.Valid() {
		return fmt.Errorf("unknown balance %q", balance)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	update := bson.M{op: bson.M{string(balance): value}}
	if op == "$set" {
		update["$set"] = bson.M{string(balance): value, "updated_at": now}
	} else {
		update["$set"] = bson.M{"updated_at": now}
	}

	result, err := r.accounts.UpdateOne(ctx, bson.M{"account_id": accountID}, update)
	if err != nil {
		return fmt.Errorf("update %s: %w", balance, err)
	}
	if result == nil || result.MatchedCount == 0 {
		return fmt.Errorf("account %d: %w", accountID, domain.ErrAccountNotFound)
	}
	return nil
}

func (r *MongoRepository) check(ctx context.Context) error {
	if r == nil || r.accounts == nil {
		return errors.New("account repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func newAccountDocument(account domain.Account) (accountDocument, error) {
	credits, err := toDecimal128(account.CreditAmount)
	if err != nil {
		return accountDocument{}, err
	}
	fiat, err := toDecimal128(account.FiatCreditAmount)
	if err != nil {
		return accountDocument{}, err
	}

	return accountDocument{
		AccountID:        account.AccountID,
		OwnerID:          account.OwnerID,
		CreditAmount:     credits,
		FiatCreditAmount: fiat,
		CreatedAt:        account.CreatedAt,
		UpdatedAt:        account.UpdatedAt,
	}, nil
}

func (d accountDocument) toDomain() (domain.Account, error) {
	credits, err := fromDecimal128(d.CreditAmount)
	if err != nil {
		return domain.Account{}, fmt.Errorf("account %d credit_amount: %w", d.AccountID, err)
	}
	fiat, err := fromDecimal128(d.FiatCreditAmount)
	if err != nil {
		return domain.Account{}, fmt.Errorf("account %d fiat_credit_amount: %w", d.AccountID, err)
	}

	return domain.Account{
		AccountID:        d.AccountID,
		OwnerID:          d.OwnerID,
		CreditAmount:     credits,
		FiatCreditAmount: fiat,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}, nil
}

func toDecimal128(value decimal.Decimal) (primitive.Decimal128, error) {
	parsed, err := primitive.ParseDecimal128(value.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("encode amount %s: %w", value, err)
	}
	return parsed, nil
}

func fromDecimal128(value primitive.Decimal128) (decimal.Decimal, error) {
	if value == (primitive.Decimal128{}) {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value.String())
}
