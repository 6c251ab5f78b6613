// Package storage is the persistence layer: tracked roster mirror,
// episode archive, 1m mark candles and daily trader snapshots, behind
// one gorm handle that speaks PostgreSQL in production and SQLite for
// local runs. All writes are idempotent upserts on natural keys.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/sage/episodes"
	"github.com/web3guy0/sage/providers"
	"github.com/web3guy0/sage/snapshot"
	"github.com/web3guy0/sage/state"
)

type Store struct {
	db *gorm.DB
}

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS
// ═══════════════════════════════════════════════════════════════════════════════

// TrackedAddress mirrors the in-memory roster.
type TrackedAddress struct {
	Address   string    `gorm:"primaryKey"`
	Source    string
	Weight    float64
	Rank      int
	Period    string
	Position  string
	AddedAt   time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (TrackedAddress) TableName() string { return "sage_tracked_addresses" }

// PositionSignal archives one episode. The natural key is the opening
// moment of the position: re-archiving after a resync is an update, not
// a duplicate.
type PositionSignal struct {
	ID      uint      `gorm:"primaryKey;autoIncrement"`
	Address string    `gorm:"uniqueIndex:uniq_signal_key;index:idx_signal_addr"`
	Asset   string    `gorm:"uniqueIndex:uniq_signal_key;index:idx_signal_asset"`
	EntryTS time.Time `gorm:"uniqueIndex:uniq_signal_key"`

	Direction     string
	Status        string          `gorm:"index"`
	EntryVWAP     decimal.Decimal `gorm:"type:decimal(30,10)"`
	EntrySize     decimal.Decimal `gorm:"type:decimal(30,10)"`
	EntryNotional decimal.Decimal `gorm:"type:decimal(30,10)"`
	ExitVWAP      decimal.Decimal `gorm:"type:decimal(30,10)"`
	ExitTS        time.Time       `gorm:"index"`
	HoldSecs      int64
	StopFraction  float64
	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:decimal(30,10)"`
	RClamped      float64
	RUnclamped    float64
	ClosedReason  string
	UpdatedAt     time.Time
}

func (PositionSignal) TableName() string { return "position_signals" }

// Mark1m is one 1-minute candle of venue mark prices.
type Mark1m struct {
	Asset string    `gorm:"primaryKey"`
	TS    time.Time `gorm:"primaryKey"`

	Mid   decimal.Decimal `gorm:"type:decimal(30,10)"`
	High  decimal.Decimal `gorm:"type:decimal(30,10)"`
	Low   decimal.Decimal `gorm:"type:decimal(30,10)"`
	Close decimal.Decimal `gorm:"type:decimal(30,10)"`
	ATR14 *float64
}

func (Mark1m) TableName() string { return "marks_1m" }

// TraderSnapshotRow persists one daily snapshot record.
type TraderSnapshotRow struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	Address      string    `gorm:"uniqueIndex:uniq_snapshot_key"`
	SnapshotDate time.Time `gorm:"uniqueIndex:uniq_snapshot_key;index"`

	SelectionVersion string
	M                float64
	Kappa            float64
	Alpha            float64
	Beta             float64
	ThompsonDraw     float64
	ThompsonSeed     int64
	EpisodeCount     int
	AvgRGross        float64
	AvgRNet          float64
	SkillPValue      *float64

	FDRQualified         bool
	IsLeaderboardScanned bool
	IsPoolSelected       bool
	EventType            string
	DeathType            string
	CensorType           string
	CreatedAt            time.Time
}

func (TraderSnapshotRow) TableName() string { return "trader_snapshots" }

// ═══════════════════════════════════════════════════════════════════════════════
// CONSTRUCTION
// ═══════════════════════════════════════════════════════════════════════════════

// New opens the database. postgres:// URLs get PostgreSQL; anything else
// is treated as a SQLite path.
func New(databaseURL string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(databaseURL)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", databaseURL).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TrackedAddress{}, &PositionSignal{}, &Mark1m{}, &TraderSnapshotRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRACKED ROSTER (state.Mirror)
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Store) UpsertTracked(ctx context.Context, t state.TrackedTrader) error {
	row := TrackedAddress{
		Address:   strings.ToLower(t.Address),
		Source:    t.Source,
		Weight:    t.Weight,
		Rank:      t.Rank,
		Period:    t.Period,
		Position:  t.Position,
		AddedAt:   t.AddedTS,
		UpdatedAt: t.UpdatedTS,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source", "weight", "rank", "period", "position", "updated_at",
		}),
	}).Create(&row).Error
}

func (s *Store) RecentTracked(ctx context.Context, since time.Time) ([]state.TrackedTrader, error) {
	var rows []TrackedAddress
	if err := s.db.WithContext(ctx).
		Where("updated_at >= ?", since).
		Order("updated_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]state.TrackedTrader, len(rows))
	for i, r := range rows {
		out[i] = state.TrackedTrader{
			Address:   r.Address,
			Source:    r.Source,
			Weight:    r.Weight,
			Rank:      r.Rank,
			Period:    r.Period,
			Position:  r.Position,
			AddedTS:   r.AddedAt,
			UpdatedTS: r.UpdatedAt,
		}
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EPISODE ARCHIVE (snapshot.EpisodeSource, providers.HoldStatsSource)
// ═══════════════════════════════════════════════════════════════════════════════

// ArchiveEpisode upserts an episode keyed by (address, asset, entry_ts).
func (s *Store) ArchiveEpisode(ctx context.Context, ep *episodes.Episode) error {
	row := PositionSignal{
		Address:       strings.ToLower(ep.Address),
		Asset:         strings.ToUpper(ep.Asset),
		EntryTS:       ep.EntryTS.UTC(),
		Direction:     string(ep.Direction),
		Status:        string(ep.Status),
		EntryVWAP:     ep.EntryVWAP,
		EntrySize:     ep.EntrySize,
		EntryNotional: ep.EntryNotional,
		ExitVWAP:      ep.ExitVWAP,
		ExitTS:        ep.ExitTS.UTC(),
		HoldSecs:      ep.HoldSecs(),
		StopFraction:  ep.StopFraction,
		RealizedPnL:   ep.RealizedPnL,
		RClamped:      ep.ResultR,
		RUnclamped:    ep.ResultRUnclamped,
		ClosedReason:  string(ep.ClosedReason),
		UpdatedAt:     time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}, {Name: "asset"}, {Name: "entry_ts"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"direction", "status", "entry_vwap", "entry_size", "entry_notional",
			"exit_vwap", "exit_ts", "hold_secs", "stop_fraction", "realized_pnl",
			"r_clamped", "r_unclamped", "closed_reason", "updated_at",
		}),
	}).Create(&row).Error
}

// ClosedEpisodes returns a trader's closed episodes with exits up to the
// cutoff, oldest exit first.
func (s *Store) ClosedEpisodes(ctx context.Context, address string, until time.Time) ([]snapshot.EpisodeStat, error) {
	var rows []PositionSignal
	if err := s.db.WithContext(ctx).
		Where("address = ? AND status = ? AND exit_ts <= ?", strings.ToLower(address), string(episodes.StatusClosed), until).
		Order("exit_ts ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]snapshot.EpisodeStat, len(rows))
	for i, r := range rows {
		out[i] = snapshot.EpisodeStat{Asset: r.Asset, R: r.RClamped, ExitTS: r.ExitTS}
	}
	return out, nil
}

// RealizedR returns clamped R of closed episodes entered in [from, to),
// entry order. Feeds the walk-forward replay window.
func (s *Store) RealizedR(ctx context.Context, address string, from, to time.Time) ([]float64, error) {
	var rows []PositionSignal
	if err := s.db.WithContext(ctx).
		Where("address = ? AND status = ? AND entry_ts >= ? AND entry_ts < ?",
			strings.ToLower(address), string(episodes.StatusClosed), from, to).
		Order("entry_ts ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	rs := make([]float64, len(rows))
	for i, r := range rows {
		rs[i] = r.RClamped
	}
	return rs, nil
}

// MedianHoldSecs is the median hold of the asset's closed episodes exited
// since the given time. The median is computed here rather than in SQL so
// SQLite and PostgreSQL answer identically.
func (s *Store) MedianHoldSecs(ctx context.Context, asset string, since time.Time) (float64, int, error) {
	var holds []int64
	if err := s.db.WithContext(ctx).
		Model(&PositionSignal{}).
		Where("asset = ? AND status = ? AND exit_ts >= ?", strings.ToUpper(asset), string(episodes.StatusClosed), since).
		Pluck("hold_secs", &holds).Error; err != nil {
		return 0, 0, err
	}
	if len(holds) == 0 {
		return 0, 0, nil
	}

	sort.Slice(holds, func(i, j int) bool { return holds[i] < holds[j] })
	n := len(holds)
	median := float64(holds[n/2])
	if n%2 == 0 {
		median = float64(holds[n/2-1]+holds[n/2]) / 2
	}
	return median, n, nil
}

// DailyRSums folds closed episodes into per-trader daily R sums keyed by
// YYYYMMDD, the input shape the correlation provider loads.
func (s *Store) DailyRSums(ctx context.Context, since time.Time) (map[string]map[int]float64, error) {
	var rows []PositionSignal
	if err := s.db.WithContext(ctx).
		Where("status = ? AND exit_ts >= ?", string(episodes.StatusClosed), since).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	series := make(map[string]map[int]float64)
	for _, r := range rows {
		day := r.ExitTS.UTC()
		dateInt := day.Year()*10000 + int(day.Month())*100 + day.Day()
		if series[r.Address] == nil {
			series[r.Address] = make(map[int]float64)
		}
		series[r.Address][dateInt] += r.RClamped
	}
	return series, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARK CANDLES (providers.CandleSource)
// ═══════════════════════════════════════════════════════════════════════════════

// SaveCandles upserts 1m candles keyed by (asset, ts).
func (s *Store) SaveCandles(ctx context.Context, asset string, candles []providers.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	asset = strings.ToUpper(asset)

	rows := make([]Mark1m, len(candles))
	for i, c := range candles {
		mid := c.High.Add(c.Low).Div(decimal.NewFromInt(2))
		rows[i] = Mark1m{
			Asset: asset,
			TS:    c.TS.UTC(),
			Mid:   mid,
			High:  c.High,
			Low:   c.Low,
			Close: c.Close,
			ATR14: c.ATR14,
		}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "asset"}, {Name: "ts"}},
		DoUpdates: clause.AssignmentColumns([]string{"mid", "high", "low", "close", "atr14"}),
	}).CreateInBatches(rows, 500).Error
}

// RecentCandles returns up to limit most recent candles, ascending by ts.
func (s *Store) RecentCandles(ctx context.Context, asset string, limit int) ([]providers.Candle, error) {
	var rows []Mark1m
	if err := s.db.WithContext(ctx).
		Where("asset = ?", strings.ToUpper(asset)).
		Order("ts DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]providers.Candle, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = providers.Candle{
			TS:    r.TS,
			High:  r.High,
			Low:   r.Low,
			Close: r.Close,
			ATR14: r.ATR14,
		}
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SNAPSHOTS (snapshot.Sink, snapshot.Source)
// ═══════════════════════════════════════════════════════════════════════════════

// SaveSnapshots upserts the daily rows keyed by (address, snapshot_date).
func (s *Store) SaveSnapshots(ctx context.Context, rows []snapshot.TraderSnapshot) error {
	if len(rows) == 0 {
		return nil
	}

	models := make([]TraderSnapshotRow, len(rows))
	for i, r := range rows {
		models[i] = TraderSnapshotRow{
			Address:              r.Address,
			SnapshotDate:         r.SnapshotDate.UTC(),
			SelectionVersion:     r.SelectionVersion,
			M:                    r.M,
			Kappa:                r.Kappa,
			Alpha:                r.Alpha,
			Beta:                 r.Beta,
			ThompsonDraw:         r.ThompsonDraw,
			ThompsonSeed:         r.ThompsonSeed,
			EpisodeCount:         r.EpisodeCount,
			AvgRGross:            r.AvgRGross,
			AvgRNet:              r.AvgRNet,
			SkillPValue:          r.SkillPValue,
			FDRQualified:         r.FDRQualified,
			IsLeaderboardScanned: r.IsLeaderboardScanned,
			IsPoolSelected:       r.IsPoolSelected,
			EventType:            r.EventType,
			DeathType:            r.DeathType,
			CensorType:           r.CensorType,
			CreatedAt:            time.Now().UTC(),
		}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}, {Name: "snapshot_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"selection_version", "m", "kappa", "alpha", "beta",
			"thompson_draw", "thompson_seed", "episode_count",
			"avg_r_gross", "avg_r_net", "skill_p_value",
			"fdr_qualified", "is_leaderboard_scanned", "is_pool_selected",
			"event_type", "death_type", "censor_type",
		}),
	}).CreateInBatches(models, 200).Error
}

// SnapshotsOn returns the stored universe for one UTC date.
func (s *Store) SnapshotsOn(ctx context.Context, date time.Time) ([]snapshot.TraderSnapshot, error) {
	day := date.UTC().Truncate(24 * time.Hour)

	var rows []TraderSnapshotRow
	if err := s.db.WithContext(ctx).
		Where("snapshot_date = ?", day).
		Order("address ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]snapshot.TraderSnapshot, len(rows))
	for i, r := range rows {
		out[i] = snapshot.TraderSnapshot{
			Address:              r.Address,
			SnapshotDate:         r.SnapshotDate,
			SelectionVersion:     r.SelectionVersion,
			M:                    r.M,
			Kappa:                r.Kappa,
			Alpha:                r.Alpha,
			Beta:                 r.Beta,
			ThompsonDraw:         r.ThompsonDraw,
			ThompsonSeed:         r.ThompsonSeed,
			EpisodeCount:         r.EpisodeCount,
			AvgRGross:            r.AvgRGross,
			AvgRNet:              r.AvgRNet,
			SkillPValue:          r.SkillPValue,
			FDRQualified:         r.FDRQualified,
			IsLeaderboardScanned: r.IsLeaderboardScanned,
			IsPoolSelected:       r.IsPoolSelected,
			EventType:            r.EventType,
			DeathType:            r.DeathType,
			CensorType:           r.CensorType,
		}
	}
	return out, nil
}

// HasSnapshotFor reports whether a snapshot run already happened for the
// date, so the daily job is idempotent across restarts.
func (s *Store) HasSnapshotFor(ctx context.Context, date time.Time) (bool, error) {
	day := date.UTC().Truncate(24 * time.Hour)
	var count int64
	err := s.db.WithContext(ctx).
		Model(&TraderSnapshotRow{}).
		Where("snapshot_date = ?", day).
		Count(&count).Error
	return count > 0, err
}

// Stats returns row counts for the operator surfaces.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for name, model := range map[string]any{
		"tracked_addresses": &TrackedAddress{},
		"position_signals":  &PositionSignal{},
		"marks_1m":          &Mark1m{},
		"trader_snapshots":  &TraderSnapshotRow{},
	} {
		var count int64
		if err := s.db.WithContext(ctx).Model(model).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		stats[name] = count
	}
	return stats, nil
}
