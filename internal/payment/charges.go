package payment

import (
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tg_metered_bot/internal/domain"
)

// Source is where a charge was taken from.
type Source string

const (
	SourceNone    Source = ""
	SourceOnChain Source = "onchain"
	SourceCredits Source = "credits"
	SourceFiat    Source = "fiat"
)

// Balance returns the ledger field backing a credit source.
func (s Source) Balance() (domain.Balance, bool) {
	switch s {
	case SourceCredits:
		return domain.BalanceCredits, true
	case SourceFiat:
		return domain.BalanceFiat, true
	default:
		return "", false
	}
}

// Charge is one successful debit. A zero Charge means nothing was taken
// (free action, allowlisted requester or payments disabled).
type Charge struct {
	ID         string
	UpdateKey  string
	AccountID  int64
	PriceCents int64
	Source     Source
	// Units is the credit amount taken from a ledger balance.
	Units decimal.Decimal
	// Wei is the amount transferred to the hot wallet.
	Wei       *big.Int
	TxHash    string
	CreatedAt time.Time
}

// Charged reports whether the charge debited anything.
func (c Charge) Charged() bool {
	return c.Source != SourceNone && c.ID != ""
}

// chargeBook holds charges that can still be refunded. Taking an entry out is
// the refund idempotency token: the second take for the same charge fails.
type chargeBook struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]bookEntry
}

type bookEntry struct {
	charge Charge
	seq    uint64
}

func newChargeBook() *chargeBook {
	return &chargeBook{entries: make(map[string]bookEntry)}
}

func (b *chargeBook) put(c Charge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.entries[c.ID] = bookEntry{charge: c, seq: b.seq}
}

func (b *chargeBook) take(id string) (Charge, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[id]
	if !ok {
		return Charge{}, false
	}
	delete(b.entries, id)
	return entry.charge, true
}

// latest returns the most recent open charge of an update at the given price.
func (b *chargeBook) latest(updateKey string, priceCents int64) (Charge, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		found Charge
		best  uint64
	)
	for _, entry := range b.entries {
		if entry.charge.UpdateKey != updateKey || entry.charge.PriceCents != priceCents {
			continue
		}
		if entry.seq > best {
			found, best = entry.charge, entry.seq
		}
	}
	return found, best > 0
}

func (b *chargeBook) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
