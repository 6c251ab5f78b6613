// Sage - Alpha-pool copy-trading decision core
//
// Sage follows a curated pool of skilled perp traders, rebuilds their
// position lifecycles from fill streams, keeps a Bayesian skill posterior
// per trader, and publishes weighted scores plus supermajority consensus
// decisions gated by a multi-check risk governor.
//
// Pipeline:
// 1. Candidates and fills arrive on the bus (a.candidates.v1, c.fills.v1)
// 2. EpisodeTracker turns fills into open/closed episodes with R-multiples
// 3. Closed episodes update NIG posteriors; Thompson scores publish on b.scores.v1
// 4. Open episodes vote; consensus + risk gates emit d.decisions.v1
// 5. Nightly snapshot runs BH-FDR selection over every tracked trader
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sage/api"
	"github.com/web3guy0/sage/bot"
	"github.com/web3guy0/sage/bus"
	"github.com/web3guy0/sage/consensus"
	"github.com/web3guy0/sage/core"
	"github.com/web3guy0/sage/episodes"
	"github.com/web3guy0/sage/internal/config"
	"github.com/web3guy0/sage/providers"
	"github.com/web3guy0/sage/risk"
	"github.com/web3guy0/sage/snapshot"
	"github.com/web3guy0/sage/state"
	"github.com/web3guy0/sage/storage"
	"github.com/web3guy0/sage/venue"
)

const version = "1.0.0"

const (
	correlationHalfLifeDays = 7.0
	correlationWindow       = 30 * 24 * time.Hour
	correlationRefresh      = 24 * time.Hour
	stopFractionTimeout     = 2 * time.Second
)

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Walk-forward replay mode: re-score past selections and exit.
	if len(os.Args) > 3 && os.Args[1] == "--replay" {
		runReplay(cfg, os.Args[2], os.Args[3])
		return
	}

	log.Info().
		Str("version", version).
		Str("venue", cfg.Venue).
		Bool("dry_run", cfg.DryRun).
		Msg("⚡ Sage decision core starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ====== PERSISTENCE ======
	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	stateStore := state.NewStore(db)
	if err := stateStore.Restore(ctx, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Msg("⚠️ Roster restore failed, starting empty")
	}

	// ====== VENUE ======
	client, err := venue.NewHyperliquid(venue.Options{
		APIURL:     cfg.HyperliquidAPIURL,
		WSURL:      cfg.HyperliquidWSURL,
		PrivateKey: cfg.WalletPrivateKey,
		Vault:      cfg.VaultAddress,
		DryRun:     cfg.DryRun,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize venue client")
	}

	// ====== PROVIDERS ======
	atr := providers.NewATRProvider(db)
	regime := providers.NewRegimeDetector(db)
	funding := providers.NewFundingProvider(cfg.Venue, venue.FundingSource(client))
	hold := providers.NewHoldTimeEstimator(db)
	corr := providers.NewCorrelationProvider(correlationHalfLifeDays)
	go correlationLoop(ctx, db, corr)

	// ====== PIPELINE ======
	tracker := episodes.NewTracker(cfg.DefaultStopFraction, cfg.EpisodeTimeout)
	tracker.SetStopFractionFn(func(asset string) float64 {
		sfCtx, sfCancel := context.WithTimeout(ctx, stopFractionTimeout)
		defer sfCancel()
		return atr.Get(sfCtx, asset).StopFraction()
	})

	detCfg := consensus.DefaultConfig(cfg.Venue)
	detCfg.MinTraders = cfg.MinTraders
	detCfg.Supermajority = cfg.Supermajority
	detCfg.MinEffectiveK = cfg.MinEffectiveK
	detCfg.FreshnessMax = cfg.FreshnessMax
	detCfg.PriceBandATR = cfg.PriceBandATR
	detCfg.MinEVR = cfg.MinEVR
	detCfg.StrictATR = cfg.StrictATR
	detector := consensus.NewDetector(detCfg, atr, funding, hold, regime, corr)

	governor := risk.NewGovernor(risk.Config{
		EquityFloor:        cfg.EquityFloor,
		MarginRatioMin:     cfg.MarginRatioMin,
		MarginRatioWarn:    cfg.MarginRatioWarn,
		DailyDrawdownLimit: cfg.DailyDrawdownLimit,
		MaxPositionPct:     cfg.MaxPositionPct,
		MaxExposurePct:     cfg.MaxExposurePct,
		KillSwitchCooldown: cfg.KillSwitchCooldown,
	})

	snapEngine := snapshot.NewEngine(db, atr, db, cfg.SnapshotMinEpisodes, cfg.FDRAlpha)

	// ====== BUS ======
	var eventBus bus.Bus
	if cfg.RedisAddr != "" {
		eventBus, err = bus.NewRedisBus(redisURL(cfg))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis bus")
		}
	} else {
		eventBus = bus.NewMemoryBus()
		log.Info().Msg("📨 In-process bus (no REDIS_ADDR configured)")
	}

	// ====== ENGINE ======
	engine := core.NewEngine(core.Components{
		Cfg:       cfg,
		Bus:       eventBus,
		Venue:     client,
		DB:        db,
		State:     stateStore,
		Tracker:   tracker,
		Detector:  detector,
		Governor:  governor,
		Snapshots: snapEngine,
	})

	// ====== TELEGRAM BOT ======
	var telegramBot *bot.TelegramBot
	if cfg.TelegramToken != "" {
		telegramBot, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, engine)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram bot unavailable, continuing without it")
		} else {
			engine.SetNotifier(telegramBot)
			telegramBot.Start()
		}
	}

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	// ====== HTTP ======
	api.NewServer(cfg.ListenAddr, engine).Start(ctx)

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	if telegramBot != nil {
		telegramBot.NotifyStartup(mode)
	}
	log.Info().Str("mode", mode).Msg("✅ All systems online")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	cancel()
	engine.Stop()
	if telegramBot != nil {
		telegramBot.Stop()
	}
	if err := eventBus.Close(); err != nil {
		log.Warn().Err(err).Msg("Bus close failed")
	}

	log.Info().Msg("👋 Goodbye!")
}

// correlationLoop reloads pairwise trader correlations from the episode
// archive once a day.
func correlationLoop(ctx context.Context, db *storage.Store, corr *providers.CorrelationProvider) {
	load := func() {
		now := time.Now().UTC()
		series, err := db.DailyRSums(ctx, now.Add(-correlationWindow))
		if err != nil {
			log.Warn().Err(err).Msg("correlation reload failed")
			return
		}
		corr.LoadDaily(series, now)
	}
	load()

	ticker := time.NewTicker(correlationRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			load()
		}
	}
}

// runReplay walks the stored snapshots between two dates and prints the
// realized performance of each day's selection.
func runReplay(cfg *config.Config, startArg, endArg string) {
	start, err := time.Parse("2006-01-02", startArg)
	if err != nil {
		log.Fatal().Err(err).Str("arg", startArg).Msg("Bad replay start date (want YYYY-MM-DD)")
	}
	end, err := time.Parse("2006-01-02", endArg)
	if err != nil {
		log.Fatal().Err(err).Str("arg", endArg).Msg("Bad replay end date (want YYYY-MM-DD)")
	}

	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}

	res, err := snapshot.Replay(context.Background(), db, start, end, cfg.FDRAlpha)
	if err != nil {
		log.Fatal().Err(err).Msg("Replay failed")
	}

	fmt.Printf("Walk-forward replay %s → %s\n", res.From.Format("2006-01-02"), res.To.Format("2006-01-02"))
	for _, p := range res.Periods {
		fmt.Printf("  %s  selected=%-3d episodes=%-4d grossR=%+.2f netR=%+.2f deaths=%d censored=%d\n",
			p.Date.Format("2006-01-02"), len(p.Selected), p.Episodes, p.GrossR, p.NetR, p.Deaths, p.Censored)
	}
	fmt.Printf("Totals: grossR=%+.2f netR=%+.2f winRate=%.0f%% sharpe=%.2f deaths=%d censored=%d\n",
		res.TotalGross, res.TotalNet, res.WinRate*100, res.Sharpe, res.Deaths, res.Censored)
}

// redisURL normalizes REDIS_ADDR into a parseable URL.
func redisURL(cfg *config.Config) string {
	addr := cfg.RedisAddr
	if len(addr) < 8 || addr[:8] != "redis://" {
		addr = "redis://" + addr
	}
	if cfg.RedisPassword != "" {
		addr = fmt.Sprintf("redis://:%s@%s/%d", cfg.RedisPassword, cfg.RedisAddr, cfg.RedisDB)
	}
	return addr
}
