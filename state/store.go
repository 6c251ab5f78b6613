package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sage/types"
)

// Bounds and staleness for the two live maps.
const (
	MaxScores       = 500
	MaxTracked      = 1000
	StaleAfter      = 24 * time.Hour
	trackedMirrorOp = 2 * time.Second
)

// TrackedTrader is one roster entry: an address the pipeline follows.
type TrackedTrader struct {
	Address   string    `json:"address"`
	Source    string    `json:"source"` // leaderboard, operator, candidate
	Weight    float64   `json:"weight"`
	Rank      int       `json:"rank"`
	Period    string    `json:"period,omitempty"`   // leaderboard window, e.g. "30d"
	Position  string    `json:"position,omitempty"` // leaderboard slot label
	AddedTS   time.Time `json:"added_ts"`
	UpdatedTS time.Time `json:"updated_ts"`
}

// Mirror persists the tracked roster so a restart does not forget who we
// follow. Score entries are rebuilt from the stream and are not mirrored.
type Mirror interface {
	UpsertTracked(ctx context.Context, t TrackedTrader) error
	RecentTracked(ctx context.Context, since time.Time) ([]TrackedTrader, error)
}

// Store is the bounded in-memory working set. A nil mirror is valid and
// keeps everything process-local (dry-run, tests).
type Store struct {
	mu      sync.RWMutex
	scores  *lruMap[types.ScoreEvent]
	tracked *lruMap[TrackedTrader]
	mirror  Mirror
}

func NewStore(mirror Mirror) *Store {
	return &Store{
		scores:  newLRUMap[types.ScoreEvent](MaxScores),
		tracked: newLRUMap[TrackedTrader](MaxTracked),
		mirror:  mirror,
	}
}

// Restore reloads roster entries the mirror saw in the last day. Called
// once at startup before any stream consumption.
func (s *Store) Restore(ctx context.Context, now time.Time) error {
	if s.mirror == nil {
		return nil
	}
	rows, err := s.mirror.RecentTracked(ctx, now.Add(-StaleAfter))
	if err != nil {
		return err
	}
	// oldest first so list recency ends up matching update time
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedTS.Before(rows[j].UpdatedTS) })

	s.mu.Lock()
	for _, row := range rows {
		row.Address = strings.ToLower(row.Address)
		s.tracked.put(row.Address, row, row.UpdatedTS)
	}
	n := s.tracked.len()
	s.mu.Unlock()

	log.Info().Int("tracked", n).Msg("📥 Tracked roster restored from mirror")
	return nil
}

// PutScore records the latest score event for its address.
func (s *Store) PutScore(ev types.ScoreEvent) {
	addr := strings.ToLower(ev.Address)
	ev.Address = addr

	s.mu.Lock()
	dropped, overflowed := s.scores.put(addr, ev, ev.TS)
	s.mu.Unlock()

	if overflowed {
		log.Debug().Str("dropped", dropped).Msg("score map at capacity, least recent dropped")
	}
}

// Score returns the live score entry for an address.
func (s *Store) Score(address string) (types.ScoreEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scores.get(strings.ToLower(address))
}

// TopScores returns up to n entries ordered by score descending, address
// ascending on ties.
func (s *Store) TopScores(n int) []types.ScoreEvent {
	s.mu.RLock()
	all := s.scores.values()
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].Address < all[j].Address
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Track adds or refreshes a roster entry and mirrors it. Mirror failures
// are logged, not returned: the in-memory roster is authoritative until
// the next restart.
func (s *Store) Track(ctx context.Context, t TrackedTrader) {
	t.Address = strings.ToLower(t.Address)
	if t.AddedTS.IsZero() {
		t.AddedTS = t.UpdatedTS
	}

	s.mu.Lock()
	if prev, ok := s.tracked.get(t.Address); ok {
		t.AddedTS = prev.AddedTS
	}
	dropped, overflowed := s.tracked.put(t.Address, t, t.UpdatedTS)
	s.mu.Unlock()

	if overflowed {
		log.Debug().Str("dropped", dropped).Msg("tracked roster at capacity, least recent dropped")
	}

	if s.mirror != nil {
		mctx, cancel := context.WithTimeout(ctx, trackedMirrorOp)
		defer cancel()
		if err := s.mirror.UpsertTracked(mctx, t); err != nil {
			log.Warn().Err(err).Str("address", t.Address).Msg("⚠️ tracked mirror write failed")
		}
	}
}

// IsTracked reports roster membership.
func (s *Store) IsTracked(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tracked.get(strings.ToLower(address))
	return ok
}

// Tracked returns the roster entry for an address.
func (s *Store) Tracked(address string) (TrackedTrader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracked.get(strings.ToLower(address))
}

// TrackedAddresses returns every tracked address, sorted.
func (s *Store) TrackedAddresses() []string {
	s.mu.RLock()
	entries := s.tracked.values()
	s.mu.RUnlock()

	addrs := make([]string, len(entries))
	for i, t := range entries {
		addrs[i] = t.Address
	}
	sort.Strings(addrs)
	return addrs
}

// Untrack removes an address from the roster.
func (s *Store) Untrack(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked.delete(strings.ToLower(address))
}

// EvictStale drops entries older than a day from both maps.
func (s *Store) EvictStale(now time.Time) (scoresDropped, trackedDropped int) {
	cutoff := now.Add(-StaleAfter)

	s.mu.Lock()
	droppedScores := s.scores.evictBefore(cutoff)
	droppedTracked := s.tracked.evictBefore(cutoff)
	s.mu.Unlock()

	if len(droppedScores)+len(droppedTracked) > 0 {
		log.Info().
			Int("scores", len(droppedScores)).
			Int("tracked", len(droppedTracked)).
			Msg("🧹 Stale state evicted")
	}
	return len(droppedScores), len(droppedTracked)
}

// Counts returns the live sizes of both maps.
func (s *Store) Counts() (scores, tracked int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scores.len(), s.tracked.len()
}
