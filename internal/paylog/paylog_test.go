package paylog

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_metered_bot/internal/domain"
)

type fakeInsertCollection struct {
	docs []interface{}
	err  error
}

func (f *fakeInsertCollection) InsertOne(_ context.Context, document interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.docs = append(f.docs, document)
	return &mongo.InsertOneResult{}, nil
}

func sampleEntry() domain.PaymentLog {
	return domain.PaymentLog{
		UserID:             10,
		AccountID:          -500,
		GroupID:            -500,
		Command:            "/qr",
		Message:            strings.Repeat("x", domain.MaxLoggedMessage+20),
		IsSupportedCommand: true,
		Module:             "qrcode",
		AmountONE:          decimal.Zero,
		AmountCredits:      domain.CentsToUnits(2),
		AmountFiatCredits:  decimal.Zero,
		CreatedAt:          time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC),
	}
}

func TestMongoSinkWritesDecimalDocument(t *testing.T) {
	coll := &fakeInsertCollection{}
	sink := NewMongoSink(coll)

	if err := sink.Write(context.Background(), sampleEntry()); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if len(coll.docs) != 1 {
		t.Fatalf("expected one insert, got %d", len(coll.docs))
	}

	doc, ok := coll.docs[0].(logDocument)
	if !ok {
		t.Fatalf("unexpected document type %T", coll.docs[0])
	}
	if doc.AmountCredits.String() != "20000000000000000" {
		t.Fatalf("unexpected credits %s", doc.AmountCredits.String())
	}
	if len([]rune(doc.Message)) != domain.MaxLoggedMessage {
		t.Fatalf("expected message trimmed to %d, got %d", domain.MaxLoggedMessage, len(doc.Message))
	}
	if doc.CreatedAt.Nanosecond() != 123000000 {
		t.Fatalf("expected millisecond precision, got %v", doc.CreatedAt)
	}
	if doc.GroupID != -500 || doc.Module != "qrcode" || !doc.IsSupportedCommand {
		t.Fatalf("unexpected document %+v", doc)
	}
}

func TestMongoSinkErrors(t *testing.T) {
	if err := (*MongoSink)(nil).Write(context.Background(), sampleEntry()); err == nil {
		t.Fatalf("expected error for nil sink")
	}

	sink := NewMongoSink(&fakeInsertCollection{err: errors.New("boom")})
	if err := sink.Write(nil, sampleEntry()); err == nil {
		t.Fatalf("expected error for nil context")
	}
	if err := sink.Write(context.Background(), sampleEntry()); err == nil || !strings.Contains(err.Error(), "insert payment log") {
		t.Fatalf("expected wrapped insert error, got %v", err)
	}
}

type fakeExec struct {
	sql  string
	args []any
	err  error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql, f.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestPostgresSinkBindsColumns(t *testing.T) {
	db := &fakeExec{}
	sink := &PostgresSink{db: db}

	if err := sink.Write(context.Background(), sampleEntry()); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if !strings.Contains(db.sql, "INSERT INTO payment_logs") {
		t.Fatalf("unexpected sql %q", db.sql)
	}
	if len(db.args) != 13 {
		t.Fatalf("expected 13 bound args, got %d", len(db.args))
	}
	if db.args[9] != "20000000000000000" {
		t.Fatalf("expected credits as decimal text, got %v", db.args[9])
	}
	if msg, _ := db.args[5].(string); len(msg) != domain.MaxLoggedMessage {
		t.Fatalf("expected trimmed message, got %d chars", len(msg))
	}

	db.err = errors.New("connection reset")
	if err := sink.Write(context.Background(), sampleEntry()); err == nil {
		t.Fatalf("expected exec error")
	}
}

func TestPostgresSinkIntegration(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sink, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres returned error: %v", err)
	}
	defer sink.Close()

	if err := sink.Write(ctx, sampleEntry()); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestPostgresSinkPing(t *testing.T) {
	if err := (*PostgresSink)(nil).Ping(context.Background()); err == nil {
		t.Fatalf("expected error for nil sink")
	}

	errDown := errors.New("server closed the connection")
	sink := &PostgresSink{db: &fakeExec{}, ping: func(context.Context) error { return errDown }}
	if err := sink.Ping(context.Background()); !errors.Is(err, errDown) {
		t.Fatalf("expected ping error, got %v", err)
	}
	sink.Close()
}
