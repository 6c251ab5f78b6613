package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the taker side of a fill as reported by the venue.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Direction of an open position episode.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Fill is a single execution event attributed to a tracked address.
type Fill struct {
	FillID        string            `json:"fill_id"`
	Source        string            `json:"source"` // venue, e.g. "hyperliquid"
	Address       string            `json:"address"`
	Asset         string            `json:"asset"`
	Side          Side              `json:"side"`
	Size          decimal.Decimal   `json:"size"`  // absolute, > 0
	Price         decimal.Decimal   `json:"price"` // > 0
	TS            time.Time         `json:"ts"`
	StartPosition decimal.Decimal   `json:"start_position"`       // signed position before this fill
	ClosedPnL     *decimal.Decimal  `json:"closed_pnl,omitempty"` // venue-reported realized PnL
	Fees          decimal.Decimal   `json:"fees"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// SignedSize returns +Size for buys and -Size for sells.
func (f *Fill) SignedSize() decimal.Decimal {
	if f.Side == SideSell {
		return f.Size.Neg()
	}
	return f.Size
}

// EnsureID assigns the deterministic backfill identity when the venue
// omitted a fill id. Backfilled ids collide on purpose: the same fill
// re-synced later must dedupe to the same key.
func (f *Fill) EnsureID() {
	if f.FillID == "" {
		f.FillID = fmt.Sprintf("backfill-%s-%d", strings.ToLower(f.Address), f.TS.Unix())
	}
}

// Validate rejects fills the pipeline must never ingest.
func (f *Fill) Validate() error {
	if f.Address == "" {
		return fmt.Errorf("fill missing address")
	}
	if f.Asset == "" {
		return fmt.Errorf("fill missing asset")
	}
	if f.Side != SideBuy && f.Side != SideSell {
		return fmt.Errorf("fill %s: unknown side %q", f.FillID, f.Side)
	}
	if f.Size.Sign() <= 0 {
		return fmt.Errorf("fill %s: non-positive size %s", f.FillID, f.Size)
	}
	if f.Price.Sign() <= 0 {
		return fmt.Errorf("fill %s: non-positive price %s", f.FillID, f.Price)
	}
	if f.TS.IsZero() {
		return fmt.Errorf("fill %s: zero timestamp", f.FillID)
	}
	return nil
}

// CandidateEvent arrives on a.candidates.v1: an upstream vote that an
// address is worth tracking.
type CandidateEvent struct {
	Address  string    `json:"address"`
	Weight   float64   `json:"weight,omitempty"`
	Rank     int       `json:"rank,omitempty"`
	Period   string    `json:"period,omitempty"`
	Position string    `json:"position,omitempty"`
	TS       time.Time `json:"ts"`
}

// ScoreEvent is published on b.scores.v1 after each closed episode
// updates a trader's posterior.
type ScoreEvent struct {
	Address string            `json:"address"`
	Score   float64           `json:"score"`  // [-1, 1]
	Weight  float64           `json:"weight"` // [0.05, 1.0]
	Rank    int               `json:"rank"`
	WindowS int               `json:"window_s"`
	TS      time.Time         `json:"ts"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// GateResult records a single gate evaluation. Every consensus and risk
// gate emits one whether it passed or not, so skips always carry the
// numeric margin alongside the verdict.
type GateResult struct {
	Name      string  `json:"name"`
	Passed    bool    `json:"passed"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Detail    string  `json:"detail,omitempty"`
}

// Decision is an approved consensus entry, published on d.decisions.v1.
type Decision struct {
	ID           string          `json:"id"`
	Asset        string          `json:"asset"`
	Direction    Direction       `json:"direction"`
	EntryRef     decimal.Decimal `json:"entry_ref"` // weighted entry VWAP of contributors
	StopFraction float64         `json:"stop_fraction"`
	EffectiveK   float64         `json:"effective_k"`
	EVR          float64         `json:"ev_r"`
	Contributors []string        `json:"contributors"`
	Gates        []GateResult    `json:"gates,omitempty"`
	TS           time.Time       `json:"ts"`
}
