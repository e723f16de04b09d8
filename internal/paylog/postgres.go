package paylog

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"tg_metered_bot/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

const insertLog = `
INSERT INTO payment_logs (
  user_id, account_id, group_id, is_private, command, message,
  is_supported_command, module, amount_one, amount_credits, amount_fiat_credits,
  refunded, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10::text::numeric, $11::text::numeric, $12, $13)
`

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresSink writes payment logs to Postgres. Use it when the analytics
// side lives in a relational warehouse.
type PostgresSink struct {
	db    execer
	ping  func(ctx context.Context) error
	close func()
}

// OpenPostgres connects to dsn, applies the embedded migrations and returns a
// ready sink.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresSink{db: pool, ping: pool.Ping, close: pool.Close}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate payment logs: %w", err)
	}
	return nil
}

// Write appends one entry.
func (s *PostgresSink) Write(ctx context.Context, entry domain.PaymentLog) error {
	if s == nil || s.db == nil {
		return errors.New("payment log sink is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.Exec(ctx, insertLog,
		entry.UserID,
		entry.AccountID,
		entry.GroupID,
		entry.IsPrivate,
		entry.Command,
		domain.TrimMessage(entry.Message),
		entry.IsSupportedCommand,
		entry.Module,
		entry.AmountONE.String(),
		entry.AmountCredits.String(),
		entry.AmountFiatCredits.String(),
		entry.Refunded,
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert payment log: %w", err)
	}
	return nil
}

// Ping checks the connection for health reporting.
func (s *PostgresSink) Ping(ctx context.Context) error {
	if s == nil || s.ping == nil {
		return errors.New("payment log sink is not initialized")
	}
	return s.ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}
