package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type invoiceCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// InvoiceRepository persists and retrieves invoices in MongoDB.
type InvoiceRepository struct {
	collection invoiceCollection
}

// NewInvoiceRepository constructs an InvoiceRepository.
func NewInvoiceRepository(collection invoiceCollection) *InvoiceRepository {
	return &InvoiceRepository{collection: collection}
}

// Create inserts an invoice in the init state with populated timestamps.
func (r *InvoiceRepository) Create(ctx context.Context, invoice Invoice) (Invoice, error) {
	if r == nil || r.collection == nil {
		return Invoice{}, errors.New("invoice repository is not initialized")
	}
	if ctx == nil {
		return Invoice{}, errors.New("context is required")
	}
	if strings.TrimSpace(invoice.UUID) == "" {
		return Invoice{}, errors.New("uuid is required")
	}
	if invoice.Amount <= 0 {
		return Invoice{}, fmt.Errorf("create invoice: %w", ErrInvalidAmount)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	invoice.Status = InvoiceInit
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = now
	}
	invoice.UpdatedAt = now

	if _, err := r.collection.InsertOne(ctx, invoice); err != nil {
		return Invoice{}, fmt.Errorf("insert invoice: %w", err)
	}

	return invoice, nil
}

// GetByUUID fetches an invoice by its public id.
func (r *InvoiceRepository) GetByUUID(ctx context.Context, uuid string) (Invoice, error) {
	if r == nil || r.collection == nil {
		return Invoice{}, errors.New("invoice repository is not initialized")
	}
	if ctx == nil {
		return Invoice{}, errors.New("context is required")
	}
	if strings.TrimSpace(uuid) == "" {
		return Invoice{}, errors.New("uuid is required")
	}

	result := r.collection.FindOne(ctx, bson.M{"uuid": uuid})
	if result == nil {
		return Invoice{}, errors.New("find invoice returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, fmt.Errorf("find invoice: %w", err)
	}

	var invoice Invoice
	if err := result.Decode(&invoice); err != nil {
		return Invoice{}, fmt.Errorf("decode invoice: %w", err)
	}

	return invoice, nil
}

// Transition moves an invoice from one status to another in a single
// conditional update. It returns ErrOutdatedInvoice when the invoice is not in
// the expected state anymore.
func (r *InvoiceRepository) Transition(ctx context.Context, uuid string, from, to InvoiceStatus, refs *ChargeRefs) error {
	if r == nil || r.collection == nil {
		return errors.New("invoice repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if from.Terminal() {
		return fmt.Errorf("invoice %s: %w", uuid, ErrOutdatedInvoice)
	}

	set := bson.M{
		"status":     to,
		"updated_at": time.Now().UTC().Truncate(time.Millisecond),
	}
	if refs != nil {
		set["telegram_payment_charge_id"] = refs.TelegramPaymentChargeID
		set["provider_payment_charge_id"] = refs.ProviderPaymentChargeID
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"uuid": uuid, "status": from},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return fmt.Errorf("invoice %s: %w", uuid, ErrOutdatedInvoice)
	}

	return nil
}
