package episodes

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sage/types"
)

// flatTolerance: positions within this of zero count as flat.
var flatTolerance = decimal.NewFromFloat(1e-9)

// maxSeenPerKey bounds the per-key dedupe window.
const maxSeenPerKey = 4096

type keyState struct {
	episode *Episode
	seen    map[string]struct{}
	order   []string
}

func (ks *keyState) remember(fillID string) {
	ks.seen[fillID] = struct{}{}
	ks.order = append(ks.order, fillID)
	if len(ks.order) > maxSeenPerKey {
		delete(ks.seen, ks.order[0])
		ks.order = ks.order[1:]
	}
}

// Tracker is the per-(address,asset) position lifecycle machine. The caller
// must deliver fills for a given key in non-decreasing ts order (ties by
// fill_id); the engine's shard router guarantees that. Duplicate fill ids
// are no-ops.
type Tracker struct {
	mu          sync.Mutex
	states      map[string]*keyState
	defaultStop float64
	timeout     time.Duration
	stopFn      func(asset string) float64
}

// NewTracker builds a tracker with the given default stop fraction and
// episode timeout (age at which open episodes are force-closed).
func NewTracker(defaultStop float64, timeout time.Duration) *Tracker {
	return &Tracker{
		states:      make(map[string]*keyState),
		defaultStop: defaultStop,
		timeout:     timeout,
	}
}

// SetStopFractionFn installs a per-asset stop fraction source (ATR-driven).
// Applied at episode open; nil keeps the default.
func (t *Tracker) SetStopFractionFn(fn func(asset string) float64) {
	t.mu.Lock()
	t.stopFn = fn
	t.mu.Unlock()
}

// Key normalizes (address, asset) into the tracker's shard key.
func Key(address, asset string) string {
	return strings.ToLower(address) + "|" + strings.ToUpper(asset)
}

// Apply consumes one fill and returns any episodes it closed (a direction
// flip closes one episode and opens the next from the same fill's residual).
func (t *Tracker) Apply(fill types.Fill) ([]*Episode, error) {
	if err := fill.Validate(); err != nil {
		return nil, err
	}
	fill.EnsureID()

	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key(fill.Address, fill.Asset)
	st, ok := t.states[key]
	if !ok {
		st = &keyState{seen: make(map[string]struct{})}
		t.states[key] = st
	}
	if _, dup := st.seen[fill.FillID]; dup {
		return nil, nil
	}
	st.remember(fill.FillID)

	prev := decimal.Zero
	if st.episode != nil {
		prev = st.episode.SignedPosition()
	}
	next := prev.Add(fill.SignedSize())

	var closed []*Episode

	switch {
	case isFlat(prev):
		if st.episode != nil {
			// flat but unclosed episode should not exist; close it out
			log.Warn().Str("key", key).Msg("⚠️ flat episode left open, force-closing")
			st.episode.close(CloseFullClose, fill.TS)
			closed = append(closed, st.episode)
			st.episode = nil
		}
		if isFlat(next) {
			return closed, nil // dust fill, nothing to open
		}
		st.episode = t.open(fill, directionOf(next))

	case isFlat(next):
		st.episode.addExit(fill)
		st.episode.close(CloseFullClose, fill.TS)
		closed = append(closed, st.episode)
		st.episode = nil

	case prev.Sign() == next.Sign():
		if next.Abs().GreaterThan(prev.Abs()) {
			st.episode.addEntry(fill)
		} else {
			st.episode.addExit(fill)
		}

	default:
		// direction flip: split the fill into the closing portion and the
		// residual that seeds the next episode
		exitPart := fill
		exitPart.Size = prev.Abs()
		st.episode.addExit(exitPart)
		st.episode.close(CloseDirectionFlip, fill.TS)
		closed = append(closed, st.episode)

		entryPart := fill
		entryPart.Size = next.Abs()
		entryPart.ClosedPnL = nil
		st.episode = t.open(entryPart, directionOf(next))
	}

	for _, ep := range closed {
		log.Info().
			Str("address", ep.Address).
			Str("asset", ep.Asset).
			Str("direction", string(ep.Direction)).
			Str("reason", string(ep.ClosedReason)).
			Float64("r", ep.ResultR).
			Msg("📉 episode closed")
	}
	return closed, nil
}

func (t *Tracker) open(fill types.Fill, dir types.Direction) *Episode {
	stop := t.defaultStop
	if t.stopFn != nil {
		if s := t.stopFn(fill.Asset); s > 0 {
			stop = s
		}
	}
	ep := &Episode{
		Address:      strings.ToLower(fill.Address),
		Asset:        strings.ToUpper(fill.Asset),
		Direction:    dir,
		StopFraction: stop,
		Status:       StatusOpen,
	}
	ep.addEntry(fill)
	log.Debug().
		Str("address", ep.Address).
		Str("asset", ep.Asset).
		Str("direction", string(dir)).
		Str("vwap", ep.EntryVWAP.String()).
		Msg("📈 episode opened")
	return ep
}

// SweepTimeouts closes every open episode older than the timeout, as of the
// given instant. Keys are visited in sorted order so replays stay
// deterministic.
func (t *Tracker) SweepTimeouts(now time.Time) []*Episode {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.states))
	for k, st := range t.states {
		if st.episode != nil && now.Sub(st.episode.EntryTS) >= t.timeout {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var closed []*Episode
	for _, k := range keys {
		st := t.states[k]
		st.episode.close(CloseTimeout, now)
		closed = append(closed, st.episode)
		log.Info().
			Str("key", k).
			Str("age", now.Sub(st.episode.EntryTS).String()).
			Msg("⏳ episode timed out")
		st.episode = nil
	}
	return closed
}

// OpenEpisodes returns copies of every open episode, sorted by key. The
// copies are safe to read while the tracker keeps processing fills.
func (t *Tracker) OpenEpisodes() []Episode {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.states))
	for k, st := range t.states {
		if st.episode != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]Episode, 0, len(keys))
	for _, k := range keys {
		out = append(out, copyEpisode(t.states[k].episode))
	}
	return out
}

// OpenCount reports how many episodes are currently open.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.states {
		if st.episode != nil {
			n++
		}
	}
	return n
}

// Position returns the current signed position for (address, asset).
func (t *Tracker) Position(address, asset string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[Key(address, asset)]; ok && st.episode != nil {
		return st.episode.SignedPosition()
	}
	return decimal.Zero
}

func copyEpisode(ep *Episode) Episode {
	cp := *ep
	cp.EntryFills = append([]types.Fill(nil), ep.EntryFills...)
	cp.ExitFills = append([]types.Fill(nil), ep.ExitFills...)
	return cp
}

func isFlat(x decimal.Decimal) bool {
	return x.Abs().LessThan(flatTolerance)
}

// String implements a compact debug rendering.
func (e *Episode) String() string {
	return fmt.Sprintf("%s %s %s vwap=%s size=%s status=%s",
		e.Address, e.Asset, e.Direction, e.EntryVWAP, e.EntrySize, e.Status)
}
