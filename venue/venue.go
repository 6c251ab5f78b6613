// Package venue holds the exchange adapters. The decision core only ever
// sees the Client capability set; hyperliquid is the reference
// implementation.
package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/web3guy0/sage/providers"
	"github.com/web3guy0/sage/types"
)

// AccountState is the margin picture for one account, as reported by the
// venue. The risk governor consumes a normalized copy.
type AccountState struct {
	AccountValue      decimal.Decimal `json:"account_value"`
	MarginUsed        decimal.Decimal `json:"margin_used"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	TotalNotional     decimal.Decimal `json:"total_notional"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// OrderRequest is a single IOC limit order.
type OrderRequest struct {
	Asset      string
	Direction  types.Direction
	Size       decimal.Decimal
	Price      decimal.Decimal
	ReduceOnly bool
}

// OrderAck is the venue's answer to PlaceOrder.
type OrderAck struct {
	OrderID string
	Status  string // filled | resting | simulated
	Filled  decimal.Decimal
	AvgPx   decimal.Decimal
}

// Client is the venue capability set the engine consumes. Implementations
// must be safe for concurrent use.
type Client interface {
	Name() string
	GetFunding(ctx context.Context, asset string) (rateBps float64, next *time.Time, err error)
	GetMarkPrice(ctx context.Context, asset string) (decimal.Decimal, error)
	GetAccountState(ctx context.Context, address string) (AccountState, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	StreamFills(ctx context.Context, addresses []string) (<-chan types.Fill, error)
	FetchFills(ctx context.Context, address string, since time.Time) ([]types.Fill, error)
}

// FundingSource adapts a Client to the funding provider's fetch interface.
func FundingSource(c Client) providers.FundingFetcher { return fundingSource{c} }

type fundingSource struct{ c Client }

func (f fundingSource) FundingRate(ctx context.Context, asset string) (float64, *time.Time, error) {
	return f.c.GetFunding(ctx, asset)
}

// ═══════════════════════════════════════════════════════════════════════════════
// REQUEST PACING
// ═══════════════════════════════════════════════════════════════════════════════

// One request per interval, burst 1.
var venueRequestInterval = map[string]time.Duration{
	"hyperliquid": 300 * time.Millisecond,
	"bybit":       750 * time.Millisecond,
}

const venueRequestIntervalDefault = 500 * time.Millisecond

func newLimiter(venue string) *rate.Limiter {
	interval, ok := venueRequestInterval[strings.ToLower(venue)]
	if !ok {
		interval = venueRequestIntervalDefault
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRANSIENT IO RETRY
// ═══════════════════════════════════════════════════════════════════════════════

const (
	retryAttempts = 3
	retryBaseWait = 500 * time.Millisecond
)

// permanentError marks failures no retry can fix (client-side 4xx).
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// withRetry runs fn up to retryAttempts times with exponential backoff,
// aborting immediately on permanent errors or context cancellation.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return fmt.Errorf("%s: %w", op, perm.err)
		}
		if attempt == retryAttempts {
			break
		}

		wait := retryBaseWait << (attempt - 1)
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("⚠️ venue request failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
