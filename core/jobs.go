package core

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sage/risk"
	"github.com/web3guy0/sage/scoring"
	"github.com/web3guy0/sage/snapshot"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PERIODIC JOBS
// ═══════════════════════════════════════════════════════════════════════════════

// riskRefreshLoop keeps the governor's account picture current and rolls
// the daily equity baseline at each UTC day boundary.
func (e *Engine) riskRefreshLoop(ctx context.Context) {
	e.refreshRisk(ctx)
	ticker := time.NewTicker(riskRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshRisk(ctx)
		}
	}
}

func (e *Engine) refreshRisk(ctx context.Context) {
	if e.cfg.WalletAddress == "" {
		return
	}
	acct, err := e.venue.GetAccountState(ctx, e.cfg.WalletAddress)
	if err != nil {
		log.Warn().Err(err).Msg("account state refresh failed, governor keeps last picture")
		return
	}

	now := time.Now().UTC()
	e.mu.Lock()
	if day := now.YearDay(); day != e.dailyDay {
		e.dailyDay = day
		e.dailyStart = acct.AccountValue
		log.Info().Str("equity", acct.AccountValue.StringFixed(2)).Msg("🌅 Daily equity baseline reset")
	}
	dailyStart := e.dailyStart
	e.mu.Unlock()

	marginRatio := 0.0
	if acct.MaintenanceMargin.Sign() > 0 {
		marginRatio = acct.AccountValue.Div(acct.MaintenanceMargin).InexactFloat64()
	}

	e.governor.Refresh(risk.RiskState{
		AccountValue:        acct.AccountValue,
		MarginUsed:          acct.MarginUsed,
		MaintenanceMargin:   acct.MaintenanceMargin,
		TotalExposure:       acct.TotalNotional,
		MarginRatio:         marginRatio,
		DailyPnL:            acct.AccountValue.Sub(dailyStart),
		DailyStartingEquity: dailyStart,
		UpdatedAt:           acct.UpdatedAt,
	})
}

// sweepLoop force-closes episodes that have been open past the timeout.
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(timeoutSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed := e.tracker.SweepTimeouts(time.Now().UTC())
			if len(closed) > 0 {
				e.handleClosed(ctx, closed)
				openEpisodes.Set(float64(e.tracker.OpenCount()))
			}
		}
	}
}

// evictLoop drops score and roster entries that have gone a day without an
// update.
func (e *Engine) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(staleEvictEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.state.EvictStale(time.Now().UTC())
		}
	}
}

// fillSyncLoop backfills fills for every tracked address through the REST
// path. The tracker dedupes by fill id, so overlap with the stream is
// harmless.
func (e *Engine) fillSyncLoop(ctx context.Context) {
	since := time.Now().UTC().Add(-fillSyncLookback)
	ticker := time.NewTicker(e.cfg.FillSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			since = e.syncFills(ctx, since)
		}
	}
}

func (e *Engine) syncFills(ctx context.Context, since time.Time) time.Time {
	start := time.Now().UTC()
	total := 0
	for _, addr := range e.state.TrackedAddresses() {
		fills, err := e.venue.FetchFills(ctx, addr, since)
		if err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("fill sync failed for address")
			continue
		}
		for _, f := range fills {
			e.Dispatch(ctx, f)
		}
		total += len(fills)
	}
	if total > 0 {
		log.Info().Int("fills", total).Time("since", since).Msg("🔄 Fill sync complete")
	}
	return start
}

// streamLoop keeps a live fill subscription for the current roster,
// resubscribing periodically so newly tracked addresses get picked up.
func (e *Engine) streamLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		addrs := e.state.TrackedAddresses()
		if len(addrs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeEvery):
			}
			continue
		}
		e.streamOnce(ctx, addrs)
	}
}

func (e *Engine) streamOnce(ctx context.Context, addrs []string) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := e.venue.StreamFills(streamCtx, addrs)
	if err != nil {
		log.Warn().Err(err).Msg("fill stream unavailable, retrying")
		select {
		case <-ctx.Done():
		case <-time.After(resubscribeEvery):
		}
		return
	}

	refresh := time.NewTimer(resubscribeEvery)
	defer refresh.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			return // resubscribe with a fresh roster
		case fill, ok := <-ch:
			if !ok {
				return
			}
			e.Dispatch(ctx, fill)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// DAILY SNAPSHOT
// ═══════════════════════════════════════════════════════════════════════════════

// snapshotLoop runs the selection once per UTC date. The date check is
// cheap, so it polls hourly and skips days that already have rows.
func (e *Engine) snapshotLoop(ctx context.Context) {
	e.runSnapshotIfDue(ctx, time.Now().UTC())
	ticker := time.NewTicker(snapshotCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runSnapshotIfDue(ctx, time.Now().UTC())
		}
	}
}

func (e *Engine) runSnapshotIfDue(ctx context.Context, now time.Time) {
	date := now.Truncate(24 * time.Hour)

	e.mu.RLock()
	done := e.snapDoneFor.Equal(date)
	e.mu.RUnlock()
	if done {
		return
	}

	if has, err := e.db.HasSnapshotFor(ctx, date); err != nil {
		log.Error().Err(err).Msg("snapshot existence check failed")
		return
	} else if has {
		e.markSnapshotDone(date)
		return
	}

	traders := e.snapshotUniverse()
	if len(traders) == 0 {
		e.markSnapshotDone(date)
		return
	}

	rows, err := e.snapshots.Run(ctx, date, traders)
	if err != nil {
		log.Error().Err(err).Time("date", date).Msg("snapshot run failed")
		return
	}
	e.markSnapshotDone(date)

	selected := 0
	for _, row := range rows {
		if row.FDRQualified {
			selected++
		}
	}
	log.Info().
		Time("date", date).
		Int("traders", len(rows)).
		Int("fdr_selected", selected).
		Msg("📸 Daily snapshot complete")
}

func (e *Engine) markSnapshotDone(date time.Time) {
	e.mu.Lock()
	e.snapDoneFor = date
	e.mu.Unlock()
}

// snapshotUniverse is every address with a posterior, in sorted order so
// the run is deterministic. Roster membership marks leaderboard scans.
func (e *Engine) snapshotUniverse() []snapshot.TraderInput {
	e.mu.RLock()
	addrs := make([]string, 0, len(e.posteriors))
	for addr := range e.posteriors {
		addrs = append(addrs, addr)
	}
	clones := make(map[string]*scoring.NIGPosterior, len(addrs))
	for _, addr := range addrs {
		clones[addr] = e.posteriors[addr].Clone()
	}
	e.mu.RUnlock()
	sort.Strings(addrs)

	traders := make([]snapshot.TraderInput, 0, len(addrs))
	for _, addr := range addrs {
		traders = append(traders, snapshot.TraderInput{
			Address:     addr,
			Posterior:   clones[addr],
			Leaderboard: e.state.IsTracked(addr),
		})
	}
	return traders
}
