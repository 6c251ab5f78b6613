package episodes

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sage/types"
)

// Status of an episode.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// CloseReason records why an episode ended.
type CloseReason string

const (
	CloseFullClose     CloseReason = "full_close"
	CloseDirectionFlip CloseReason = "direction_flip"
	CloseTimeout       CloseReason = "timeout"
)

// R-multiples are clamped to this band; the unclamped value is kept for audit.
const (
	RMin = -2.0
	RMax = 2.0
)

// Episode is the position lifecycle for one (address, asset): flat through
// open back to flat, or a direction flip. Every field is derived from the
// ordered fills consumed so far, so replaying the same fill log yields a
// byte-identical record.
type Episode struct {
	Address   string          `json:"address"`
	Asset     string          `json:"asset"`
	Direction types.Direction `json:"direction"`

	EntryFills    []types.Fill    `json:"entry_fills"`
	EntryVWAP     decimal.Decimal `json:"entry_vwap"`
	EntrySize     decimal.Decimal `json:"entry_size"`
	EntryTS       time.Time       `json:"entry_ts"`
	EntryNotional decimal.Decimal `json:"entry_notional"`

	ExitFills []types.Fill    `json:"exit_fills"`
	ExitVWAP  decimal.Decimal `json:"exit_vwap"`
	ExitSize  decimal.Decimal `json:"exit_size"`
	ExitTS    time.Time       `json:"exit_ts"`

	StopFraction float64         `json:"stop_fraction"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	StopBps      float64         `json:"stop_bps"`
	RiskAmount   decimal.Decimal `json:"risk_amount"`

	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	ResultR          float64         `json:"result_r"`
	ResultRUnclamped float64         `json:"result_r_unclamped"`

	Status       Status      `json:"status"`
	ClosedReason CloseReason `json:"closed_reason,omitempty"`
}

// SignedPosition is the net signed size over every fill the episode holds.
func (e *Episode) SignedPosition() decimal.Decimal {
	pos := decimal.Zero
	for i := range e.EntryFills {
		pos = pos.Add(e.EntryFills[i].SignedSize())
	}
	for i := range e.ExitFills {
		pos = pos.Add(e.ExitFills[i].SignedSize())
	}
	return pos
}

// HoldSecs is the episode duration in seconds; zero while still open.
func (e *Episode) HoldSecs() int64 {
	if e.Status != StatusClosed || e.ExitTS.IsZero() {
		return 0
	}
	return int64(e.ExitTS.Sub(e.EntryTS) / time.Second)
}

// addEntry appends an entry fill and recomputes the derived entry fields.
func (e *Episode) addEntry(f types.Fill) {
	e.EntryFills = append(e.EntryFills, f)
	if len(e.EntryFills) == 1 {
		e.EntryTS = f.TS
	}

	notional := decimal.Zero
	size := decimal.Zero
	for i := range e.EntryFills {
		notional = notional.Add(e.EntryFills[i].Price.Mul(e.EntryFills[i].Size))
		size = size.Add(e.EntryFills[i].Size)
	}
	if size.Sign() > 0 {
		e.EntryVWAP = notional.Div(size)
	}

	e.EntrySize = e.SignedPosition().Abs()
	e.EntryNotional = e.EntryVWAP.Mul(e.EntrySize)
	e.RiskAmount = e.EntryNotional.Mul(decimal.NewFromFloat(e.StopFraction))
	e.StopBps = e.StopFraction * 10000

	stopOffset := e.EntryVWAP.Mul(decimal.NewFromFloat(e.StopFraction))
	if e.Direction == types.DirectionLong {
		e.StopPrice = e.EntryVWAP.Sub(stopOffset)
	} else {
		e.StopPrice = e.EntryVWAP.Add(stopOffset)
	}
}

// addExit appends an exit fill (partial or final close portion).
func (e *Episode) addExit(f types.Fill) {
	e.ExitFills = append(e.ExitFills, f)
}

// close finalizes the episode. exitTS is the closing fill's timestamp, or
// the sweep time for timeouts. Venue-reported PnL wins over the VWAP
// computation when every exit fill carries it.
func (e *Episode) close(reason CloseReason, exitTS time.Time) {
	e.Status = StatusClosed
	e.ClosedReason = reason
	e.ExitTS = exitTS

	exitNotional := decimal.Zero
	exitSize := decimal.Zero
	venuePnL := decimal.Zero
	venueCount := 0
	for i := range e.ExitFills {
		exitNotional = exitNotional.Add(e.ExitFills[i].Price.Mul(e.ExitFills[i].Size))
		exitSize = exitSize.Add(e.ExitFills[i].Size)
		if e.ExitFills[i].ClosedPnL != nil {
			venuePnL = venuePnL.Add(*e.ExitFills[i].ClosedPnL)
			venueCount++
		}
	}
	e.ExitSize = exitSize
	if exitSize.Sign() > 0 {
		e.ExitVWAP = exitNotional.Div(exitSize)
	}

	switch {
	case venueCount > 0 && venueCount == len(e.ExitFills):
		e.RealizedPnL = venuePnL
	case exitSize.Sign() > 0:
		diff := e.ExitVWAP.Sub(e.EntryVWAP)
		if e.Direction == types.DirectionShort {
			diff = diff.Neg()
		}
		e.RealizedPnL = diff.Mul(exitSize)
	default:
		// timeout with no exits: nothing realized
		e.RealizedPnL = decimal.Zero
	}

	if e.RiskAmount.Sign() > 0 {
		e.ResultRUnclamped = e.RealizedPnL.Div(e.RiskAmount).InexactFloat64()
	}
	e.ResultR = clampR(e.ResultRUnclamped)
}

func clampR(r float64) float64 {
	if r < RMin {
		return RMin
	}
	if r > RMax {
		return RMax
	}
	return r
}

func directionOf(signed decimal.Decimal) types.Direction {
	if signed.Sign() < 0 {
		return types.DirectionShort
	}
	return types.DirectionLong
}
