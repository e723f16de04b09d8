package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tg_metered_bot/internal/chain"
	"tg_metered_bot/internal/domain"
	"tg_metered_bot/internal/ledger"
	"tg_metered_bot/internal/ledger/ledgertest"
	"tg_metered_bot/internal/module"
	"tg_metered_bot/internal/module/moduletest"
)

const testSecret = "test-secret"

type fakeChain struct {
	mu          sync.Mutex
	balances    map[common.Address]*big.Int
	fee         *big.Int
	transferErr error
	// waitErr is returned after the transfer has moved funds.
	waitErr    error
	balanceErr error
	transfers  int
}

func newFakeChain() *fakeChain {
	return &fakeChain{balances: make(map[common.Address]*big.Int), fee: big.NewInt(1e15)}
}

func (c *fakeChain) set(addr common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(wei)
}

func (c *fakeChain) balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (c *fakeChain) BalanceAt(_ context.Context, addr common.Address) (*big.Int, error) {
	if c.balanceErr != nil {
		return nil, c.balanceErr
	}
	return c.balance(addr), nil
}

func (c *fakeChain) TransferFee(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.fee), nil
}

func (c *fakeChain) Transfer(_ context.Context, from chain.Account, to common.Address, amount *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transferErr != nil {
		return common.Hash{}, c.transferErr
	}
	have := c.balances[from.Address]
	if have == nil || have.Cmp(amount) < 0 {
		return common.Hash{}, errors.New("insufficient funds for transfer")
	}
	c.balances[from.Address] = new(big.Int).Sub(have, amount)
	if c.balances[to] == nil {
		c.balances[to] = new(big.Int)
	}
	c.balances[to] = new(big.Int).Add(c.balances[to], amount)
	c.transfers++
	return common.BigToHash(big.NewInt(int64(c.transfers))), c.waitErr
}

type fixedRate struct{ rate decimal.Decimal }

func (r fixedRate) Rate() decimal.Decimal { return r.rate }

type harness struct {
	gate *Gate
	repo *ledgertest.Repository
	bot  *moduletest.Bot
	hook *logtest.Hook
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	hookLogger, hook := logtest.NewNullLogger()
	hookLogger.SetLevel(logrus.DebugLevel)
	logger := logrus.NewEntry(hookLogger)

	repo := ledgertest.NewRepository()
	svc, err := ledger.NewService(repo, nil, nil, ledger.Options{}, logger)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	gate, err := NewGate(cfg, svc, append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		t.Fatalf("NewGate returned error: %v", err)
	}

	return &harness{gate: gate, repo: repo, bot: &moduletest.Bot{}, hook: hook}
}

func enabledConfig() Config {
	return Config{Enabled: true, Secret: testSecret, Allowlist: domain.NewAllowlist([]string{"@boss"}, 99)}
}

func (h *harness) update(userID int64) *module.Update {
	return &module.Update{
		UpdateID:  1,
		UserID:    userID,
		ChatID:    userID,
		ChatType:  module.ChatTypePrivate,
		MessageID: 7,
		Text:      "/qr hello",
		Bot:       h.bot,
	}
}

func (h *harness) balances(t *testing.T, accountID int64) (decimal.Decimal, decimal.Decimal) {
	t.Helper()
	account, err := h.repo.Get(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	return account.CreditAmount, account.FiatCreditAmount
}

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(fmt.Sprintf("bad wei %q", s))
	}
	return v
}

func TestPayWithdrawsFreeCredits(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.repo.Put(domain.Account{AccountID: 10, CreditAmount: decimal.RequireFromString("5000000000000000000")})

	charge, ok := h.gate.Pay(context.Background(), h.update(10), 200)
	if !ok {
		t.Fatalf("expected payment to succeed")
	}
	if charge.Source != SourceCredits || !charge.Charged() {
		t.Fatalf("unexpected charge %+v", charge)
	}

	credits, _ := h.balances(t, 10)
	if !credits.Equal(decimal.RequireFromString("3000000000000000000")) {
		t.Fatalf("expected 3e18 left, got %s", credits)
	}
	if len(h.bot.Messages) != 0 {
		t.Fatalf("expected no reply on success, got %v", h.bot.Texts())
	}
}

func TestPayFallsBackToFiatCredits(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.repo.Put(domain.Account{
		AccountID:        10,
		CreditAmount:     decimal.RequireFromString("1000000000000000000"),
		FiatCreditAmount: decimal.RequireFromString("2000000000000000000"),
	})

	charge, ok := h.gate.Pay(context.Background(), h.update(10), 200)
	if !ok || charge.Source != SourceFiat {
		t.Fatalf("expected fiat charge, got %+v ok=%v", charge, ok)
	}

	credits, fiat := h.balances(t, 10)
	if !credits.Equal(decimal.RequireFromString("1000000000000000000")) || !fiat.IsZero() {
		t.Fatalf("expected only fiat to be debited, credits=%s fiat=%s", credits, fiat)
	}
}

func TestPayRejectsInsufficientBalance(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.repo.Put(domain.Account{
		AccountID:        10,
		CreditAmount:     decimal.RequireFromString("1000000000000000000"),
		FiatCreditAmount: decimal.RequireFromString("1000000000000000000"),
	})
	before := testutil.ToFloat64(payments.WithLabelValues("insufficient"))

	if _, ok := h.gate.Pay(context.Background(), h.update(10), 200); ok {
		t.Fatalf("expected payment to be rejected")
	}

	credits, fiat := h.balances(t, 10)
	if !credits.Equal(decimal.RequireFromString("1000000000000000000")) || !fiat.Equal(decimal.RequireFromString("1000000000000000000")) {
		t.Fatalf("balances must not change on rejection, credits=%s fiat=%s", credits, fiat)
	}

	reply := h.bot.LastText()
	if !strings.Contains(reply, "Insufficient balance") || !strings.Contains(reply, "/deposit") {
		t.Fatalf("unexpected reply %q", reply)
	}
	if !strings.Contains(reply, "<code>0x") {
		t.Fatalf("expected deposit address in reply, got %q", reply)
	}
	if got := testutil.ToFloat64(payments.WithLabelValues("insufficient")); got != before+1 {
		t.Fatalf("expected insufficient counter to grow by one, got %v -> %v", before, got)
	}
}

func TestPayRejectsUnknownAccount(t *testing.T) {
	h := newHarness(t, enabledConfig())

	if _, ok := h.gate.Pay(context.Background(), h.update(404), 1); ok {
		t.Fatalf("expected payment for unknown account to be rejected")
	}
	if !strings.Contains(h.bot.LastText(), "Insufficient balance") {
		t.Fatalf("unexpected reply %q", h.bot.LastText())
	}
}

func TestPayFailsClosedOnLedgerError(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.repo.Err = errors.New("mongo down")

	if _, ok := h.gate.Pay(context.Background(), h.update(10), 200); ok {
		t.Fatalf("expected payment to fail closed")
	}
	if !strings.Contains(h.bot.LastText(), "Payment error") {
		t.Fatalf("unexpected reply %q", h.bot.LastText())
	}
}

func TestPaySkipsFreeAllowlistedAndDisabled(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()

	if charge, ok := h.gate.Pay(ctx, h.update(10), 0); !ok || charge.Charged() {
		t.Fatalf("expected free action to pass without a charge")
	}

	owner := h.update(99)
	if charge, ok := h.gate.Pay(ctx, owner, 500); !ok || charge.Charged() {
		t.Fatalf("expected allowlisted id to pass without a charge")
	}

	handle := h.update(55)
	handle.Username = "Boss"
	if _, ok := h.gate.Pay(ctx, handle, 500); !ok {
		t.Fatalf("expected allowlisted handle to pass")
	}

	disabled := newHarness(t, Config{Enabled: false})
	if _, ok := disabled.gate.Pay(ctx, disabled.update(10), 500); !ok {
		t.Fatalf("expected disabled payments to pass")
	}
	if h.repo.Reads != 0 {
		t.Fatalf("skipped payments must not touch the ledger, got %d reads", h.repo.Reads)
	}
}

func TestRefundRestoresOnceAndSettleCloses(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.repo.Put(domain.Account{AccountID: 10, CreditAmount: decimal.RequireFromString("5000000000000000000")})
	ctx := context.Background()

	charge, ok := h.gate.Pay(ctx, h.update(10), 200)
	if !ok {
		t.Fatalf("expected payment to succeed")
	}

	if !h.gate.Refund(ctx, "module failed", charge) {
		t.Fatalf("expected first refund to succeed")
	}
	if h.gate.Refund(ctx, "module failed", charge) {
		t.Fatalf("expected second refund to be a no-op")
	}

	credits, _ := h.balances(t, 10)
	if !credits.Equal(decimal.RequireFromString("5000000000000000000")) {
		t.Fatalf("expected balance restored exactly once, got %s", credits)
	}

	settled, ok := h.gate.Pay(ctx, h.update(10), 200)
	if !ok {
		t.Fatalf("expected second payment to succeed")
	}
	h.gate.Settle(settled)
	if h.gate.Refund(ctx, "late", settled) {
		t.Fatalf("settled charge must not be refundable")
	}
	if h.gate.charges.len() != 0 {
		t.Fatalf("expected empty charge book, got %d", h.gate.charges.len())
	}
	if h.gate.Refund(ctx, "free", Charge{}) {
		t.Fatalf("zero charge must not be refunded")
	}
}

func TestRefundPaymentUsesLatestChargeOfUpdate(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.repo.Put(domain.Account{AccountID: 10, CreditAmount: decimal.RequireFromString("5000000000000000000")})
	ctx := context.Background()
	u := h.update(10)

	first, _ := h.gate.Pay(ctx, u, 100)
	second, _ := h.gate.Pay(ctx, u, 100)

	if !h.gate.RefundPayment(ctx, "timeout", u, 100) {
		t.Fatalf("expected RefundPayment to refund")
	}
	if h.gate.Refund(ctx, "again", second) {
		t.Fatalf("expected latest charge to be the refunded one")
	}
	if !h.gate.Refund(ctx, "first", first) {
		t.Fatalf("expected first charge to remain refundable")
	}
	if h.gate.RefundPayment(ctx, "nothing", u, 100) {
		t.Fatalf("expected no open charge to remain")
	}
}

func TestConcurrentPaymentsNeverOverdraw(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.repo.Put(domain.Account{AccountID: 10, CreditAmount: domain.CentsToUnits(200)})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := h.gate.Pay(context.Background(), h.update(10), 200); ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one payment to succeed, got %d", succeeded)
	}
	credits, _ := h.balances(t, 10)
	if !credits.IsZero() {
		t.Fatalf("expected zero balance, got %s", credits)
	}
}

func TestPayOnChainAndRefund(t *testing.T) {
	fc := newFakeChain()
	h := newHarness(t, enabledConfig(), WithChain(fc, fixedRate{rate: decimal.RequireFromString("0.02")}))
	h.repo.Put(domain.Account{AccountID: 10, CreditAmount: decimal.RequireFromString("5000000000000000000")})
	ctx := context.Background()

	user, err := h.gate.GetUserAccount(10)
	if err != nil {
		t.Fatalf("GetUserAccount returned error: %v", err)
	}
	fc.set(user.Address, wei("200000000000000000000"))

	charge, ok := h.gate.Pay(ctx, h.update(10), 200)
	if !ok || charge.Source != SourceOnChain {
		t.Fatalf("expected on-chain charge, got %+v ok=%v", charge, ok)
	}
	if charge.Wei.Cmp(wei("100000000000000000000")) != 0 {
		t.Fatalf("expected 100 ONE charged, got %s", charge.Wei)
	}

	hot, _ := h.gate.HotWallet()
	if fc.balance(hot).Cmp(wei("100000000000000000000")) != 0 {
		t.Fatalf("expected hot wallet to receive the payment, got %s", fc.balance(hot))
	}
	credits, _ := h.balances(t, 10)
	if !credits.Equal(decimal.RequireFromString("5000000000000000000")) {
		t.Fatalf("credits must not move on on-chain payment, got %s", credits)
	}

	if !h.gate.Refund(ctx, "failed", charge) {
		t.Fatalf("expected on-chain refund to succeed")
	}
	expected := new(big.Int).Sub(wei("200000000000000000000"), fc.fee)
	if fc.balance(user.Address).Cmp(expected) != 0 {
		t.Fatalf("expected charge minus fee refunded, got %s", fc.balance(user.Address))
	}
	if fc.balance(hot).Cmp(fc.fee) != 0 {
		t.Fatalf("expected hot wallet to keep only the fee, got %s", fc.balance(hot))
	}
}

func TestPayOnChainUnconfirmedDeniesWithoutCredits(t *testing.T) {
	fc := newFakeChain()
	fc.waitErr = errors.New("wait transfer: context deadline exceeded")
	h := newHarness(t, enabledConfig(), WithChain(fc, fixedRate{rate: decimal.RequireFromString("0.02")}))
	h.repo.Put(domain.Account{AccountID: 10, CreditAmount: decimal.RequireFromString("5000000000000000000")})

	user, _ := h.gate.GetUserAccount(10)
	fc.set(user.Address, wei("200000000000000000000"))

	charge, ok := h.gate.Pay(context.Background(), h.update(10), 200)
	if ok || charge.Charged() {
		t.Fatalf("expected the action to be denied, got %+v ok=%v", charge, ok)
	}
	credits, _ := h.balances(t, 10)
	if !credits.Equal(decimal.RequireFromString("5000000000000000000")) {
		t.Fatalf("credits must not be taken after a broadcast transfer, got %s", credits)
	}
	if fc.transfers != 1 {
		t.Fatalf("expected a single transfer, got %d", fc.transfers)
	}
	if !strings.Contains(h.bot.LastText(), "Payment error") {
		t.Fatalf("unexpected reply %q", h.bot.LastText())
	}

	var logged bool
	for _, entry := range h.hook.AllEntries() {
		if entry.Data["event"] == "onchain_payment_unconfirmed" {
			logged = entry.Level == logrus.ErrorLevel && entry.Data["tx_hash"] == common.BigToHash(big.NewInt(1)).Hex()
		}
	}
	if !logged {
		t.Fatalf("expected an error entry with the transaction hash")
	}
}

func TestRefundOnChainBelowFeeFails(t *testing.T) {
	fc := newFakeChain()
	h := newHarness(t, enabledConfig(), WithChain(fc, fixedRate{}))
	hot, _ := h.gate.HotWallet()
	fc.set(hot, wei("1000000000000000000"))

	charge := Charge{ID: "dust", AccountID: 10, Source: SourceOnChain, Wei: new(big.Int).Set(fc.fee), PriceCents: 1}
	h.gate.charges.put(charge)

	if h.gate.Refund(context.Background(), "failed", charge) {
		t.Fatalf("expected refund of a charge that only covers the fee to fail")
	}
	if fc.transfers != 0 {
		t.Fatalf("expected no transfer, got %d", fc.transfers)
	}
	if fc.balance(hot).Cmp(wei("1000000000000000000")) != 0 {
		t.Fatalf("hot wallet balance changed to %s", fc.balance(hot))
	}
}

func TestGetAddressBalanceInONE(t *testing.T) {
	fc := newFakeChain()
	h := newHarness(t, enabledConfig(), WithChain(fc, fixedRate{}))
	addr := "0x00000000000000000000000000000000000000bb"
	fc.set(common.HexToAddress(addr), wei("2500000000000000000"))

	got, err := h.gate.GetAddressBalance(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetAddressBalance returned error: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("expected 2.5 ONE, got %s", got)
	}
	if _, err := h.gate.GetAddressBalance(context.Background(), "nope"); err == nil {
		t.Fatalf("expected error for an invalid address")
	}

	off := newHarness(t, enabledConfig())
	if _, err := off.gate.GetAddressBalance(context.Background(), addr); !errors.Is(err, domain.ErrExternalOracleUnavailable) {
		t.Fatalf("expected oracle unavailable without a chain, got %v", err)
	}
}

func TestPayOnChainFailureFallsBackToCredits(t *testing.T) {
	fc := newFakeChain()
	fc.transferErr = errors.New("nonce too low")
	h := newHarness(t, enabledConfig(), WithChain(fc, fixedRate{rate: decimal.RequireFromString("0.02")}))
	h.repo.Put(domain.Account{AccountID: 10, CreditAmount: decimal.RequireFromString("5000000000000000000")})

	user, _ := h.gate.GetUserAccount(10)
	fc.set(user.Address, wei("200000000000000000000"))

	charge, ok := h.gate.Pay(context.Background(), h.update(10), 200)
	if !ok || charge.Source != SourceCredits {
		t.Fatalf("expected fallback to credits, got %+v ok=%v", charge, ok)
	}
}

func TestPayOnChainSkippedWithoutRate(t *testing.T) {
	fc := newFakeChain()
	h := newHarness(t, enabledConfig(), WithChain(fc, fixedRate{}))
	h.repo.Put(domain.Account{AccountID: 10, CreditAmount: decimal.RequireFromString("5000000000000000000")})

	user, _ := h.gate.GetUserAccount(10)
	fc.set(user.Address, wei("200000000000000000000"))

	charge, ok := h.gate.Pay(context.Background(), h.update(10), 200)
	if !ok || charge.Source != SourceCredits {
		t.Fatalf("expected credits when the rate is unknown, got %+v", charge)
	}
	if fc.transfers != 0 {
		t.Fatalf("expected no on-chain transfer, got %d", fc.transfers)
	}
}

func TestBalancesSummary(t *testing.T) {
	fc := newFakeChain()
	h := newHarness(t, enabledConfig(), WithChain(fc, fixedRate{}))
	h.repo.Put(domain.Account{AccountID: 10, CreditAmount: decimal.RequireFromString("5000000000000000000")})

	user, _ := h.gate.GetUserAccount(10)
	fc.set(user.Address, wei("1500000000000000000"))

	wallet, err := h.gate.Balances(context.Background(), 10)
	if err != nil {
		t.Fatalf("Balances returned error: %v", err)
	}
	if wallet.Address != user.Hex() || wallet.ONE == nil || !wallet.ONE.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected wallet %+v", wallet)
	}
	summary := wallet.Summary()
	if !strings.Contains(summary, "Credits: <b>5.00</b>") || !strings.Contains(summary, "ONE: <b>1.50</b>") {
		t.Fatalf("unexpected summary %q", summary)
	}

	fc.balanceErr = errors.New("rpc down")
	wallet, err = h.gate.Balances(context.Background(), 10)
	if err != nil || wallet.ONE != nil {
		t.Fatalf("expected ONE to be unavailable without error, got %+v err=%v", wallet, err)
	}
	if !strings.Contains(wallet.Summary(), "unavailable") {
		t.Fatalf("unexpected summary %q", wallet.Summary())
	}
}

func TestMigrateFundsMovesRetiredBalances(t *testing.T) {
	fc := newFakeChain()
	cfg := enabledConfig()
	cfg.PrevSecrets = []string{"old-1", "old-2"}
	h := newHarness(t, cfg, WithChain(fc, fixedRate{}))

	old1, _ := chain.DeriveAccount("old-1", "10")
	old2, _ := chain.DeriveAccount("old-2", "10")
	fc.set(old1.Address, wei("3000000000000000000"))
	fc.set(old2.Address, big.NewInt(10))

	moved, err := h.gate.MigrateFunds(context.Background(), 10)
	if err != nil {
		t.Fatalf("MigrateFunds returned error: %v", err)
	}

	expected := new(big.Int).Sub(wei("3000000000000000000"), fc.fee)
	if moved.Cmp(expected) != 0 {
		t.Fatalf("expected %s moved, got %s", expected, moved)
	}
	current, _ := h.gate.GetUserAccount(10)
	if fc.balance(current.Address).Cmp(expected) != 0 {
		t.Fatalf("expected current account to receive %s, got %s", expected, fc.balance(current.Address))
	}
	if fc.balance(old2.Address).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("dust below the fee must stay put")
	}
}

func TestSweepHotWalletAfterIdle(t *testing.T) {
	fc := newFakeChain()
	cfg := enabledConfig()
	cfg.HolderAddress = "0x00000000000000000000000000000000000000aa"
	h := newHarness(t, cfg, WithChain(fc, fixedRate{}))

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.gate.now = func() time.Time { return now }

	hot, _ := h.gate.HotWallet()
	fc.set(hot, wei("5000000000000000000"))

	h.gate.lastPayment.Store(now.Add(-time.Minute).UnixNano())
	moved, err := h.gate.SweepHotWallet(context.Background())
	if err != nil || moved.Sign() != 0 {
		t.Fatalf("expected no sweep right after a payment, moved=%s err=%v", moved, err)
	}

	h.gate.lastPayment.Store(now.Add(-SweepIdle - time.Second).UnixNano())
	moved, err = h.gate.SweepHotWallet(context.Background())
	if err != nil {
		t.Fatalf("SweepHotWallet returned error: %v", err)
	}
	expected := new(big.Int).Sub(wei("5000000000000000000"), fc.fee)
	if moved.Cmp(expected) != 0 {
		t.Fatalf("expected %s swept, got %s", expected, moved)
	}
	if fc.balance(common.HexToAddress(cfg.HolderAddress)).Cmp(expected) != 0 {
		t.Fatalf("holder did not receive the sweep")
	}
}

func TestNewGateValidation(t *testing.T) {
	repo := ledgertest.NewRepository()
	svc, _ := ledger.NewService(repo, nil, nil, ledger.Options{}, nil)

	if _, err := NewGate(Config{}, nil); err == nil {
		t.Fatalf("expected error without ledger")
	}
	if _, err := NewGate(Config{Enabled: true}, svc); err == nil {
		t.Fatalf("expected error without secret")
	}
	if _, err := NewGate(Config{Secret: "s", HolderAddress: "nope"}, svc); err == nil {
		t.Fatalf("expected error for bad holder address")
	}
	if _, err := NewGate(Config{}, svc); err != nil {
		t.Fatalf("expected disabled gate without secret, got %v", err)
	}
}
