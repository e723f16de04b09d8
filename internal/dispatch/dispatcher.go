// Package dispatch routes every inbound update through module selection,
// payment, execution and refund, and writes one payment log per update.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/chain"
	"tg_metered_bot/internal/domain"
	"tg_metered_bot/internal/ledger"
	"tg_metered_bot/internal/logging"
	"tg_metered_bot/internal/module"
	"tg_metered_bot/internal/payment"
)

const (
	refundedReply = "Something went wrong, your payment was refunded."
	failedReply   = "Something went wrong, please try again later."
	defaultHelp   = "Unknown command. Try /balance, /deposit or /qr <text>."
)

// Gate charges and refunds module executions.
type Gate interface {
	Pay(ctx context.Context, u *module.Update, priceCents int64) (payment.Charge, bool)
	Refund(ctx context.Context, reason string, c payment.Charge) bool
	Settle(c payment.Charge)
}

// ChatInitializer makes sure the requester's account exists.
type ChatInitializer interface {
	EnsureChat(ctx context.Context, p ledger.InitChatParams) error
}

// LogSink stores payment logs.
type LogSink interface {
	Write(ctx context.Context, entry domain.PaymentLog) error
}

// State is a step of the per-update flow, reported in logs.
type State string

const (
	StateReceived       State = "received"
	StateModuleSelected State = "module_selected"
	StateCharged        State = "charged"
	StateExecuting      State = "executing"
	StateCompleted      State = "completed"
	StateRefunded       State = "refunded"
	StateLogWritten     State = "log_written"
)

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithModules registers modules in priority order.
func WithModules(modules ...module.Module) Option {
	return func(d *Dispatcher) {
		for _, m := range modules {
			if m != nil {
				d.modules = append(d.modules, m)
			}
		}
	}
}

// WithFallback sets the module that handles plain private messages no other
// module claimed.
func WithFallback(m module.Module) Option {
	return func(d *Dispatcher) { d.fallback = m }
}

// WithChatInitializer sets the account initializer.
func WithChatInitializer(c ChatInitializer) Option {
	return func(d *Dispatcher) { d.chats = c }
}

// WithLogSink sets where payment logs go.
func WithLogSink(s LogSink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithTimeout bounds one module execution. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithHelpText replaces the reply to unknown private commands.
func WithHelpText(text string) Option {
	return func(d *Dispatcher) { d.help = text }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Dispatcher is safe for concurrent use; each update is handled independently.
type Dispatcher struct {
	gate     Gate
	modules  []module.Module
	fallback module.Module
	chats    ChatInitializer
	sink     LogSink
	timeout  time.Duration
	help     string
	logger   *logrus.Entry
	now      func() time.Time
}

// New builds a Dispatcher charging through gate.
func New(gate Gate, opts ...Option) (*Dispatcher, error) {
	if gate == nil {
		return nil, errors.New("payment gate is required")
	}

	d := &Dispatcher{
		gate:   gate,
		help:   defaultHelp,
		logger: logging.Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Handle processes one update end to end. It never returns an error: every
// failure is logged, refunded and answered here.
func (d *Dispatcher) Handle(ctx context.Context, u *module.Update) {
	if u == nil {
		return
	}

	logger := logging.Enrich(d.logger, logging.Context{
		UserID:    u.UserID,
		ChatID:    u.ChatID,
		AccountID: u.AccountID(),
		UpdateID:  u.UpdateID,
	})
	logger.WithField("state", StateReceived).Debug("update received")

	d.ensureChat(ctx, u, logger)

	entry := newPaymentLog(u, d.now())
	for _, m := range d.modules {
		if !m.IsSupportedEvent(u) {
			continue
		}
		entry.IsSupportedCommand = true
		if next := d.run(ctx, u, m, &entry, logger); !next {
			break
		}
	}

	if !entry.IsSupportedCommand && u.IsPrivate() {
		switch {
		case d.fallback != nil && u.Command() == "" && strings.TrimSpace(u.Text) != "":
			entry.IsSupportedCommand = true
			d.run(ctx, u, d.fallback, &entry, logger)
		case u.Command() != "":
			d.reply(ctx, u, logger, d.help)
		}
	}

	d.writeLog(ctx, entry, logger)
}

func (d *Dispatcher) ensureChat(ctx context.Context, u *module.Update, logger *logrus.Entry) {
	if d.chats == nil || u.UserID == 0 {
		return
	}
	err := d.chats.EnsureChat(ctx, ledger.InitChatParams{
		UserID:    u.UserID,
		AccountID: u.AccountID(),
		Username:  u.Username,
	})
	if err != nil {
		logger.WithError(err).WithField("event", "init_chat_failed").Warn("cannot initialize account")
	}
}

// run charges and executes one module and reports whether the next supported
// module should run too.
func (d *Dispatcher) run(ctx context.Context, u *module.Update, m module.Module, entry *domain.PaymentLog, logger *logrus.Entry) bool {
	logger = logger.WithField("module", m.Name())
	entry.Module = joinModule(entry.Module, m.Name())

	price := m.EstimatedPrice(u)
	charge, ok := d.gate.Pay(ctx, u, price)
	if !ok {
		moduleRuns.WithLabelValues(m.Name(), "unpaid").Inc()
		logger.WithFields(logging.Fields{
			"state":       StateModuleSelected,
			"price_cents": price,
		}).Info("module not paid")
		return false
	}
	addCharge(entry, charge)
	logger.WithField("state", StateCharged).Debug("module charged")

	var refunded atomic.Bool
	refund := func(reason string) {
		if !refunded.CompareAndSwap(false, true) {
			return
		}
		d.gate.Refund(ctx, reason, charge)
	}

	logger.WithField("state", StateExecuting).Debug("module executing")
	started := d.now()
	result, err := d.execute(ctx, u, m, refund)

	if err != nil {
		logger.WithError(err).WithField("event", "module_failed").Error("module failed")
		refund(err.Error())
		if charge.Charged() {
			d.reply(ctx, u, logger, refundedReply)
		} else {
			d.reply(ctx, u, logger, failedReply)
		}
	}

	if refunded.Load() {
		entry.Refunded = entry.Refunded || charge.Charged()
		moduleRuns.WithLabelValues(m.Name(), "refunded").Inc()
		logger.WithField("state", StateRefunded).Info("module refunded")
		return false
	}

	d.gate.Settle(charge)
	moduleRuns.WithLabelValues(m.Name(), "completed").Inc()
	logger.WithFields(logging.Fields{
		"state":       StateCompleted,
		"duration_ms": d.now().Sub(started).Milliseconds(),
	}).Debug("module completed")

	return result.Next
}

// execute runs the module with the configured timeout. A panic or a timeout is
// reported as an error.
func (d *Dispatcher) execute(ctx context.Context, u *module.Update, m module.Module, refund module.RefundFunc) (module.Result, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
	}
	defer cancel()

	type outcome struct {
		result module.Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("module %s panicked: %v", m.Name(), r)}
			}
		}()
		result, err := m.OnEvent(runCtx, u, refund)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
		return module.Stop, fmt.Errorf("module %s: %w", m.Name(), runCtx.Err())
	}
}

func (d *Dispatcher) reply(ctx context.Context, u *module.Update, logger *logrus.Entry, text string) {
	if u.Bot == nil || u.ChatID == 0 {
		return
	}
	if err := u.Reply(ctx, text); err != nil {
		logger.WithError(err).WithField("event", "reply_failed").Warn("failed to send reply")
	}
}

func (d *Dispatcher) writeLog(ctx context.Context, entry domain.PaymentLog, logger *logrus.Entry) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Write(ctx, entry); err != nil {
		logger.WithError(err).WithField("event", "payment_log_failed").Error("failed to write payment log")
		return
	}
	logger.WithField("state", StateLogWritten).Debug("payment log written")
}

func newPaymentLog(u *module.Update, now time.Time) domain.PaymentLog {
	entry := domain.PaymentLog{
		UserID:            u.UserID,
		AccountID:         u.AccountID(),
		IsPrivate:         u.IsPrivate(),
		Message:           domain.TrimMessage(u.Text),
		AmountONE:         decimal.Zero,
		AmountCredits:     decimal.Zero,
		AmountFiatCredits: decimal.Zero,
		CreatedAt:         now.UTC(),
	}
	if !u.IsPrivate() {
		entry.GroupID = u.ChatID
	}
	if cmd := u.Command(); cmd != "" {
		entry.Command = "/" + cmd
	}
	return entry
}

func addCharge(entry *domain.PaymentLog, c payment.Charge) {
	switch c.Source {
	case payment.SourceOnChain:
		entry.AmountONE = entry.AmountONE.Add(chain.ToONE(c.Wei, false))
	case payment.SourceCredits:
		entry.AmountCredits = entry.AmountCredits.Add(c.Units)
	case payment.SourceFiat:
		entry.AmountFiatCredits = entry.AmountFiatCredits.Add(c.Units)
	}
}

func joinModule(current, name string) string {
	if current == "" {
		return name
	}
	return current + "," + name
}
