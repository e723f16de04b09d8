package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/domain"
	"tg_metered_bot/internal/logging"
)

const (
	// DefaultRateInterval is how often the ONE/USD price is refreshed.
	DefaultRateInterval = time.Minute

	rateRequestTimeout = 10 * time.Second
	rateCoinID         = "harmony"
	rateCurrency       = "usd"
)

// RatePoller keeps the last known ONE/USD rate from a CoinGecko-style
// simple price endpoint. The rate is zero until the first successful poll.
type RatePoller struct {
	url    string
	client *http.Client
	logger *logrus.Entry

	mu        sync.RWMutex
	rate      decimal.Decimal
	updatedAt time.Time
}

// NewRatePoller constructs a RatePoller. A nil client uses a client with a
// request timeout.
func NewRatePoller(url string, client *http.Client, logger *logrus.Entry) *RatePoller {
	if client == nil {
		client = &http.Client{Timeout: rateRequestTimeout}
	}
	if logger == nil {
		logger = logging.Logger()
	}
	return &RatePoller{
		url:    url,
		client: client,
		logger: logger,
		rate:   decimal.Zero,
	}
}

// Rate returns the last known USD price of one ONE.
func (p *RatePoller) Rate() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rate
}

// UpdatedAt returns when the rate was last refreshed.
func (p *RatePoller) UpdatedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updatedAt
}

// Refresh fetches the rate once.
func (p *RatePoller) Refresh(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch rate: %w: %v", domain.ErrExternalOracleUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch rate: %w: status %d", domain.ErrExternalOracleUnavailable, resp.StatusCode)
	}

	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode rate: %w", err)
	}

	rate, ok := body[rateCoinID][rateCurrency]
	if !ok || !rate.IsPositive() {
		return fmt.Errorf("rate response has no positive %s/%s price", rateCoinID, rateCurrency)
	}

	p.mu.Lock()
	p.rate = rate
	p.updatedAt = time.Now().UTC()
	p.mu.Unlock()

	return nil
}

// Run refreshes the rate immediately and then every interval until ctx is
// canceled. Failures keep the previous rate.
func (p *RatePoller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRateInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			p.logger.WithField("event", "rate_poll_failed").WithError(err).Warn("cannot refresh ONE rate")
		} else if err == nil {
			p.logger.WithFields(logging.Fields{
				"event": "rate_polled",
				"rate":  p.Rate().String(),
			}).Debug("refreshed ONE rate")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
