package core

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sage/bus"
	"github.com/web3guy0/sage/consensus"
	"github.com/web3guy0/sage/episodes"
	"github.com/web3guy0/sage/internal/config"
	"github.com/web3guy0/sage/risk"
	"github.com/web3guy0/sage/scoring"
	"github.com/web3guy0/sage/snapshot"
	"github.com/web3guy0/sage/state"
	"github.com/web3guy0/sage/storage"
	"github.com/web3guy0/sage/types"
	"github.com/web3guy0/sage/venue"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Fills → EpisodeTracker → NIG posterior → Thompson score → b.scores.v1
//   Open episodes → votes → ConsensusDetector → RiskGovernor → d.decisions.v1
//   Nightly: Snapshot engine (BH selection) over every tracked trader
//
// ═══════════════════════════════════════════════════════════════════════════════

// Loop intervals not worth an env knob.
const (
	consensusInterval   = 30 * time.Second
	riskRefreshInterval = 60 * time.Second
	timeoutSweepEvery   = 10 * time.Minute
	staleEvictEvery     = time.Hour
	snapshotCheckEvery  = time.Hour
	resubscribeEvery    = 5 * time.Minute
	fillSyncLookback    = time.Hour
	scoreWindowSecs     = 7 * 24 * 3600
)

// DecisionNotifier pushes approved decisions and kill-switch trips to the
// operator surface (Telegram).
type DecisionNotifier interface {
	NotifyDecision(d *types.Decision)
	NotifyKillSwitch(reason string)
}

// Components are the wired collaborators the engine binds together. DB and
// Snapshots may be nil (dry runs and tests keep everything in memory).
type Components struct {
	Cfg       *config.Config
	Bus       bus.Bus
	Venue     venue.Client
	DB        *storage.Store
	State     *state.Store
	Tracker   *episodes.Tracker
	Detector  *consensus.Detector
	Governor  *risk.Governor
	Snapshots *snapshot.Engine
}

type Engine struct {
	mu sync.RWMutex

	cfg       *config.Config
	bus       bus.Bus
	venue     venue.Client
	db        *storage.Store
	state     *state.Store
	tracker   *episodes.Tracker
	detector  *consensus.Detector
	governor  *risk.Governor
	snapshots *snapshot.Engine

	shards     *shardPool
	posteriors map[string]*scoring.NIGPosterior

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Stats
	fillsSeen    int
	episodesDone int
	decisionsOut int
	skips        int
	lastDecision *types.Decision

	// Daily equity rollover for the drawdown gate.
	dailyDay    int
	dailyStart  decimal.Decimal
	snapDoneFor time.Time

	notifier DecisionNotifier
}

// NewEngine binds the components. Call Start to begin consuming streams.
func NewEngine(c Components) *Engine {
	return &Engine{
		cfg:        c.Cfg,
		bus:        c.Bus,
		venue:      c.Venue,
		db:         c.DB,
		state:      c.State,
		tracker:    c.Tracker,
		detector:   c.Detector,
		governor:   c.Governor,
		snapshots:  c.Snapshots,
		shards:     newShardPool(defaultShardCount),
		posteriors: make(map[string]*scoring.NIGPosterior),
	}
}

// SetNotifier installs the operator notifier. Must be called before Start.
func (e *Engine) SetNotifier(n DecisionNotifier) {
	e.notifier = n
}

// Start subscribes to the input streams and launches the periodic loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	candidates, err := e.bus.Subscribe(ctx, bus.SubjectCandidates)
	if err != nil {
		return err
	}
	fills, err := e.bus.Subscribe(ctx, bus.SubjectFills)
	if err != nil {
		return err
	}

	e.shards.start()

	e.spawn(func() { e.candidateLoop(ctx, candidates) })
	e.spawn(func() { e.fillLoop(ctx, fills) })
	e.spawn(func() { e.consensusLoop(ctx) })
	e.spawn(func() { e.riskRefreshLoop(ctx) })
	e.spawn(func() { e.sweepLoop(ctx) })
	e.spawn(func() { e.evictLoop(ctx) })
	e.spawn(func() { e.fillSyncLoop(ctx) })
	e.spawn(func() { e.streamLoop(ctx) })
	if e.snapshots != nil && e.db != nil {
		e.spawn(func() { e.snapshotLoop(ctx) })
	}

	log.Info().
		Int("shards", defaultShardCount).
		Bool("dry_run", e.cfg.DryRun).
		Str("venue", e.cfg.Venue).
		Msg("⚡ Engine started")
	return nil
}

// Stop cancels every loop and drains the shard workers.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.shards.stop()
	log.Info().Msg("Engine stopped")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// ═══════════════════════════════════════════════════════════════════════════════
// STREAM CONSUMERS
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) candidateLoop(ctx context.Context, ch <-chan bus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var cand types.CandidateEvent
			if err := json.Unmarshal(msg.Data, &cand); err != nil {
				log.Warn().Err(err).Msg("bad candidate event, skipping")
				continue
			}
			if cand.Address == "" {
				continue
			}
			e.state.Track(ctx, state.TrackedTrader{
				Address:   normalizeAddress(cand.Address),
				Weight:    cand.Weight,
				Rank:      cand.Rank,
				Period:    cand.Period,
				Position:  cand.Position,
				AddedTS:   cand.TS,
				UpdatedTS: time.Now().UTC(),
			})
			candidatesSeen.Inc()
		}
	}
}

func (e *Engine) fillLoop(ctx context.Context, ch <-chan bus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var fill types.Fill
			if err := json.Unmarshal(msg.Data, &fill); err != nil {
				log.Warn().Err(err).Msg("bad fill event, skipping")
				continue
			}
			e.Dispatch(ctx, fill)
		}
	}
}

// Dispatch funnels a fill to its (address, asset) shard so no two fills
// for the same key ever race. Exposed for the sync jobs and tests.
func (e *Engine) Dispatch(ctx context.Context, fill types.Fill) {
	e.shards.dispatch(episodes.Key(fill.Address, fill.Asset), func() {
		e.processFill(ctx, fill)
	})
}

func (e *Engine) processFill(ctx context.Context, fill types.Fill) {
	closed, err := e.tracker.Apply(fill)
	if err != nil {
		log.Warn().Err(err).Str("fill_id", fill.FillID).Msg("fill rejected")
		return
	}
	fillsProcessed.Inc()
	e.mu.Lock()
	e.fillsSeen++
	e.mu.Unlock()

	e.handleClosed(ctx, closed)
	openEpisodes.Set(float64(e.tracker.OpenCount()))
}

// handleClosed archives each closed episode, folds its R into the trader's
// posterior, and publishes the refreshed score.
func (e *Engine) handleClosed(ctx context.Context, closed []*episodes.Episode) {
	for _, ep := range closed {
		episodesClosed.WithLabelValues(string(ep.ClosedReason)).Inc()
		e.mu.Lock()
		e.episodesDone++
		e.mu.Unlock()

		if e.db != nil {
			if err := e.db.ArchiveEpisode(ctx, ep); err != nil {
				log.Error().Err(err).Str("address", ep.Address).Msg("episode archive failed")
			}
		}

		post := e.updatePosterior(ep.Address, ep.ResultR)
		e.publishScore(ctx, ep, post)
	}
}

func (e *Engine) updatePosterior(address string, r float64) scoring.NIGPosterior {
	e.mu.Lock()
	defer e.mu.Unlock()
	post, ok := e.posteriors[address]
	if !ok {
		post = scoring.NewNIGPosterior()
		e.posteriors[address] = post
	}
	post.Update(r)
	return *post
}

// Posterior returns a read-only copy of a trader's posterior.
func (e *Engine) Posterior(address string) (*scoring.NIGPosterior, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if post, ok := e.posteriors[address]; ok {
		return post.Clone(), true
	}
	return nil, false
}

// publishScore maps the posterior to a bounded score event. The Thompson
// draw is seeded from the episode identity so re-deliveries republish the
// exact same score.
func (e *Engine) publishScore(ctx context.Context, ep *episodes.Episode, post scoring.NIGPosterior) {
	draw := post.SampleSeeded(scoreSeed(ep))

	ev := types.ScoreEvent{
		Address: ep.Address,
		Score:   clamp(draw/2, -1, 1),
		Weight:  clamp(post.Weight(), 0.05, 1.0),
		WindowS: scoreWindowSecs,
		TS:      ep.ExitTS,
		Meta: map[string]string{
			"source": ep.Asset,
			"reason": string(ep.ClosedReason),
		},
	}
	e.state.PutScore(ev)
	ev.Rank = e.rankOf(ep.Address)

	if err := e.bus.Publish(ctx, bus.SubjectScores, ev); err != nil {
		log.Error().Err(err).Str("address", ep.Address).Msg("score publish failed")
		return
	}
	scoresPublished.Inc()
}

func (e *Engine) rankOf(address string) int {
	for i, ev := range e.state.TopScores(state.MaxScores) {
		if ev.Address == address {
			return i + 1
		}
	}
	return 0
}

// normalizeAddress canonicalizes EVM hex addresses via their checksummed
// form before lowercasing; non-EVM identifiers pass through untouched.
func normalizeAddress(addr string) string {
	if common.IsHexAddress(addr) {
		return strings.ToLower(common.HexToAddress(addr).Hex())
	}
	return addr
}

// scoreSeed derives a stable 63-bit seed from the closed episode identity.
func scoreSeed(ep *episodes.Episode) int64 {
	h := fnv.New64a()
	io.WriteString(h, ep.Address)
	io.WriteString(h, "|")
	io.WriteString(h, ep.Asset)
	io.WriteString(h, "|")
	io.WriteString(h, ep.ExitTS.UTC().Format(time.RFC3339Nano))
	return int64(h.Sum64() >> 1)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONSENSUS → RISK → DECISION
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) consensusLoop(ctx context.Context) {
	ticker := time.NewTicker(consensusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.consensusTick(ctx, time.Now().UTC())
		}
	}
}

// consensusTick evaluates every asset with live votes and publishes any
// decision that survives both the consensus gates and the risk governor.
func (e *Engine) consensusTick(ctx context.Context, now time.Time) {
	votes := consensus.BuildVotes(e.tracker.OpenEpisodes(), func(addr string) (*scoring.NIGPosterior, bool) {
		return e.Posterior(addr)
	})

	for asset, assetVotes := range votes {
		price, err := e.venue.GetMarkPrice(ctx, asset)
		if err != nil {
			log.Warn().Err(err).Str("asset", asset).Msg("mark price unavailable, skipping evaluation")
			continue
		}

		eval := e.detector.Evaluate(ctx, asset, assetVotes, price, now)
		if eval.Skipped() {
			consensusEvals.WithLabelValues("skip").Inc()
			e.mu.Lock()
			e.skips++
			e.mu.Unlock()
			continue
		}
		consensusEvals.WithLabelValues("pass").Inc()

		e.approveAndPublish(ctx, eval.Decision, now)
	}
}

func (e *Engine) approveAndPublish(ctx context.Context, d *types.Decision, now time.Time) {
	wasTripped, _, _, _ := e.governor.Switch().Status()

	proposed := e.governor.State().AccountValue.Mul(decimal.NewFromFloat(e.cfg.MaxPositionPct))
	approval := e.governor.RunAllChecks(proposed, now)

	if tripped, reason, _, _ := e.governor.Switch().Status(); tripped && !wasTripped {
		killSwitchTrips.Inc()
		if e.notifier != nil {
			e.notifier.NotifyKillSwitch(reason)
		}
	}

	if !approval.Approved {
		riskBlocks.WithLabelValues(approval.Gates[len(approval.Gates)-1].Name).Inc()
		e.mu.Lock()
		e.skips++
		e.mu.Unlock()
		return
	}

	d.Gates = append(d.Gates, approval.Gates...)
	if err := e.bus.Publish(ctx, bus.SubjectDecisions, d); err != nil {
		log.Error().Err(err).Str("asset", d.Asset).Msg("decision publish failed")
		return
	}
	decisionsPublished.Inc()

	e.mu.Lock()
	e.decisionsOut++
	e.lastDecision = d
	e.mu.Unlock()

	if e.notifier != nil {
		e.notifier.NotifyDecision(d)
	}
	e.execute(ctx, d, proposed)
}

// execute turns an approved decision into one IOC order sized off the
// account. The venue adapter simulates the fill in dry-run mode.
func (e *Engine) execute(ctx context.Context, d *types.Decision, notional decimal.Decimal) {
	if d.EntryRef.Sign() <= 0 || notional.Sign() <= 0 {
		return
	}
	ack, err := e.venue.PlaceOrder(ctx, venue.OrderRequest{
		Asset:     d.Asset,
		Direction: d.Direction,
		Size:      notional.Div(d.EntryRef),
		Price:     d.EntryRef,
	})
	if err != nil {
		log.Error().Err(err).Str("asset", d.Asset).Msg("order failed")
		return
	}
	log.Info().
		Str("order_id", ack.OrderID).
		Str("status", ack.Status).
		Str("asset", d.Asset).
		Str("direction", string(d.Direction)).
		Msg("✅ Decision executed")
}

// ═══════════════════════════════════════════════════════════════════════════════
// OPERATOR SURFACE
// ═══════════════════════════════════════════════════════════════════════════════

// Stats is the engine counters snapshot for the bot and the API.
type Stats struct {
	Fills          int
	EpisodesClosed int
	OpenEpisodes   int
	Decisions      int
	Skips          int
	TrackedTraders int
	Scores         int
}

func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	fills, done, decisions, skips := e.fillsSeen, e.episodesDone, e.decisionsOut, e.skips
	e.mu.RUnlock()

	scores, tracked := e.state.Counts()
	return Stats{
		Fills:          fills,
		EpisodesClosed: done,
		OpenEpisodes:   e.tracker.OpenCount(),
		Decisions:      decisions,
		Skips:          skips,
		TrackedTraders: tracked,
		Scores:         scores,
	}
}

// LastDecision returns the most recent approved decision, if any.
func (e *Engine) LastDecision() *types.Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastDecision
}

// RiskState exposes the governor's account picture.
func (e *Engine) RiskState() risk.RiskState {
	return e.governor.State()
}

// KillStatus reports the kill switch for the operator surface.
func (e *Engine) KillStatus() (tripped bool, reason string, trippedAt time.Time, trips int) {
	return e.governor.Switch().Status()
}

// ResetKillSwitch is the operator reset path (Telegram /resetkill).
func (e *Engine) ResetKillSwitch() error {
	return e.governor.Switch().Reset(time.Now().UTC())
}

// TopScores proxies the state store for the operator surfaces.
func (e *Engine) TopScores(n int) []types.ScoreEvent {
	return e.state.TopScores(n)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
