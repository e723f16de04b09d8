package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestInvoiceRepositoryCreateAndGet(t *testing.T) {
	coll := newFakeInvoiceCollection(t)
	repo := NewInvoiceRepository(coll)

	ctx := context.Background()
	input := Invoice{
		UUID:      "inv-1",
		OwnerID:   10,
		AccountID: -100,
		Currency:  "USD",
		ItemID:    "credits",
		Amount:    1000,
		Status:    InvoiceSuccess,
	}

	created, err := repo.Create(ctx, input)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if created.Status != InvoiceInit {
		t.Fatalf("expected new invoices to start in %s, got %s", InvoiceInit, created.Status)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("expected matching timestamps on insert, got created_at=%v updated_at=%v", created.CreatedAt, created.UpdatedAt)
	}

	doc := coll.docFor(t, "inv-1")
	assertStringField(t, doc, "status", string(InvoiceInit))
	assertIntField(t, doc, "amount", 1000)
	assertIntField(t, doc, "account_id", -100)
	assertTimeFieldSet(t, doc, "created_at")

	found, err := repo.GetByUUID(ctx, "inv-1")
	if err != nil {
		t.Fatalf("GetByUUID returned error: %v", err)
	}
	if found.OwnerID != 10 || found.Amount != 1000 || found.Status != InvoiceInit {
		t.Fatalf("unexpected invoice %+v", found)
	}
	if !found.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("expected created_at %v, got %v", created.CreatedAt, found.CreatedAt)
	}
}

func TestInvoiceRepositoryValidatesInput(t *testing.T) {
	repo := NewInvoiceRepository(newFakeInvoiceCollection(t))

	if _, err := repo.Create(nil, Invoice{UUID: "x", Amount: 1}); err == nil {
		t.Fatalf("expected error for nil context")
	}
	if _, err := repo.Create(context.Background(), Invoice{Amount: 1}); err == nil {
		t.Fatalf("expected error for missing uuid")
	}
	if _, err := repo.Create(context.Background(), Invoice{UUID: "x", Amount: 0}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	var nilRepo *InvoiceRepository
	if _, err := nilRepo.GetByUUID(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for nil repository")
	}
}

func TestInvoiceRepositoryGetMissing(t *testing.T) {
	repo := NewInvoiceRepository(newFakeInvoiceCollection(t))

	_, err := repo.GetByUUID(context.Background(), "missing")
	if !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestInvoiceRepositoryTransitions(t *testing.T) {
	coll := newFakeInvoiceCollection(t)
	repo := NewInvoiceRepository(coll)
	ctx := context.Background()

	if _, err := repo.Create(ctx, Invoice{UUID: "inv-2", Amount: 500, Currency: "USD"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := repo.Transition(ctx, "inv-2", InvoiceInit, InvoicePending, nil); err != nil {
		t.Fatalf("init -> pending: %v", err)
	}

	if err := repo.Transition(ctx, "inv-2", InvoiceInit, InvoicePending, nil); !errors.Is(err, ErrOutdatedInvoice) {
		t.Fatalf("expected repeated init -> pending to be outdated, got %v", err)
	}

	refs := &ChargeRefs{TelegramPaymentChargeID: "tg-1", ProviderPaymentChargeID: "pr-1"}
	if err := repo.Transition(ctx, "inv-2", InvoicePending, InvoiceSuccess, refs); err != nil {
		t.Fatalf("pending -> success: %v", err)
	}

	doc := coll.docFor(t, "inv-2")
	assertStringField(t, doc, "status", string(InvoiceSuccess))
	assertStringField(t, doc, "telegram_payment_charge_id", "tg-1")
	assertStringField(t, doc, "provider_payment_charge_id", "pr-1")

	if err := repo.Transition(ctx, "inv-2", InvoiceSuccess, InvoiceFail, nil); !errors.Is(err, ErrOutdatedInvoice) {
		t.Fatalf("expected terminal invoice to reject transitions, got %v", err)
	}
}

func TestCreditUnitConversions(t *testing.T) {
	if got := CentsToUnits(200); !got.Equal(decimal.RequireFromString("2000000000000000000")) {
		t.Fatalf("expected 200 cents to be 2e18 units, got %s", got)
	}

	units := CreditsToUnits(decimal.RequireFromString("1.5"))
	if units.String() != "1500000000000000000" {
		t.Fatalf("expected 1.5 credits to be 1.5e18 units, got %s", units)
	}

	if got := UnitsToCredits(decimal.RequireFromString("3000000000000000000")); !got.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected 3 credits, got %s", got)
	}

	if !BalanceCredits.Valid() || !BalanceFiat.Valid() || Balance("balance").Valid() {
		t.Fatalf("unexpected balance validity")
	}

	account := Account{CreditAmount: decimal.NewFromInt(1), FiatCreditAmount: decimal.NewFromInt(2)}
	if !account.Amount(BalanceFiat).Equal(decimal.NewFromInt(2)) || !account.Amount(BalanceCredits).Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected Amount results")
	}
}

func TestTrimMessage(t *testing.T) {
	long := make([]rune, MaxLoggedMessage+10)
	for i := range long {
		long[i] = 'ж'
	}

	if got := []rune(TrimMessage(string(long))); len(got) != MaxLoggedMessage {
		t.Fatalf("expected %d runes, got %d", MaxLoggedMessage, len(got))
	}
	if TrimMessage("short") != "short" {
		t.Fatalf("expected short message unchanged")
	}
}

type fakeInvoiceCollection struct {
	t    *testing.T
	docs map[string]bson.M
}

func newFakeInvoiceCollection(t *testing.T) *fakeInvoiceCollection {
	t.Helper()
	return &fakeInvoiceCollection{
		t:    t,
		docs: make(map[string]bson.M),
	}
}

func (f *fakeInvoiceCollection) InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	doc := marshalDoc(f.t, document)
	uuid, ok := doc["uuid"].(string)
	if !ok || uuid == "" {
		return nil, fmt.Errorf("missing uuid in %v", doc)
	}

	f.docs[uuid] = doc
	return &mongo.InsertOneResult{InsertedID: uuid}, nil
}

func (f *fakeInvoiceCollection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult {
	filterDoc, ok := filter.(bson.M)
	if !ok {
		return mongo.NewSingleResultFromDocument(bson.D{}, fmt.Errorf("unexpected filter type %T", filter), nil)
	}

	doc, found := f.docs[fmt.Sprint(filterDoc["uuid"])]
	if !found {
		return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
	}

	return mongo.NewSingleResultFromDocument(doc, nil, nil)
}

func (f *fakeInvoiceCollection) UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	filterDoc, ok := filter.(bson.M)
	if !ok {
		return nil, fmt.Errorf("unexpected filter type %T", filter)
	}

	doc, found := f.docs[fmt.Sprint(filterDoc["uuid"])]
	if !found || fmt.Sprint(doc["status"]) != fmt.Sprint(filterDoc["status"]) {
		return &mongo.UpdateResult{}, nil
	}

	updateDoc, _ := update.(bson.M)
	setDoc, _ := updateDoc["$set"].(bson.M)
	for k, v := range setDoc {
		if status, ok := v.(InvoiceStatus); ok {
			v = string(status)
		}
		doc[k] = v
	}

	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (f *fakeInvoiceCollection) docFor(t *testing.T, uuid string) bson.M {
	t.Helper()

	doc, ok := f.docs[uuid]
	if !ok {
		t.Fatalf("no document stored for uuid=%s", uuid)
	}

	return doc
}

func marshalDoc(t *testing.T, document interface{}) bson.M {
	t.Helper()

	switch doc := document.(type) {
	case bson.M:
		return doc
	default:
		raw, err := bson.Marshal(doc)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var out bson.M
		if err := bson.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}
		return out
	}
}

func assertStringField(t *testing.T, doc bson.M, field, expected string) {
	t.Helper()
	value, ok := doc[field]
	if !ok {
		t.Fatalf("expected %s field to be set", field)
	}
	if value != expected {
		t.Fatalf("expected %s=%s, got %v", field, expected, value)
	}
}

func assertIntField(t *testing.T, doc bson.M, field string, expected int64) {
	t.Helper()
	value, ok := doc[field]
	if !ok {
		t.Fatalf("expected %s field to be set", field)
	}

	intVal, ok := value.(int64)
	if !ok {
		t.Fatalf("expected %s to be int64, got %T", field, value)
	}

	if intVal != expected {
		t.Fatalf("expected %s=%d, got %d", field, expected, intVal)
	}
}

func assertTimeFieldSet(t *testing.T, doc bson.M, field string) {
	t.Helper()
	value, ok := doc[field]
	if !ok {
		t.Fatalf("expected %s field to be set", field)
	}

	parsed := parseTime(t, value)
	if parsed.IsZero() {
		t.Fatalf("expected %s to be non-zero", field)
	}
}

func parseTime(t *testing.T, value interface{}) time.Time {
	t.Helper()

	switch v := value.(type) {
	case primitive.DateTime:
		return v.Time()
	case time.Time:
		return v
	default:
		t.Fatalf("expected time value, got %T", value)
		return time.Time{}
	}
}
