package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sage/core"
	"github.com/web3guy0/sage/risk"
	"github.com/web3guy0/sage/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   📣 Decision alerts as they publish
//   🚨 Kill-switch trip alerts
//   🎛️ Control commands (/status, /risk, /ranks, /resetkill)
//
// ═══════════════════════════════════════════════════════════════════════════════

const ranksShown = 10

// StatsProvider is the engine surface the bot reads and pokes. The core
// engine satisfies it.
type StatsProvider interface {
	GetStats() core.Stats
	RiskState() risk.RiskState
	KillStatus() (tripped bool, reason string, trippedAt time.Time, trips int)
	ResetKillSwitch() error
	TopScores(n int) []types.ScoreEvent
	LastDecision() *types.Decision
}

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	stats StatsProvider
}

// NewTelegramBot creates the bot against an existing chat.
func NewTelegramBot(token string, chatID int64, stats StatsProvider) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		stats:  stats,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

// Start begins listening for commands.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyDecision sends an approved-decision alert.
func (b *TelegramBot) NotifyDecision(d *types.Decision) {
	emoji := "🟢"
	if d.Direction == types.DirectionShort {
		emoji = "🔴"
	}

	msg := fmt.Sprintf(`%s *CONSENSUS DECISION*

📊 *%s* — %s
━━━━━━━━━━━━━━━━
💵 Entry ref: *%s*
🛑 Stop: *%.2f%%*
👥 Traders: *%d* (effK %.1f)
📈 EV: *%.2fR*`,
		emoji,
		d.Asset, strings.ToUpper(string(d.Direction)),
		d.EntryRef.StringFixed(2),
		d.StopFraction*100,
		len(d.Contributors), d.EffectiveK,
		d.EVR,
	)
	b.sendMarkdown(msg)
}

// NotifyKillSwitch sends a kill-switch trip alert.
func (b *TelegramBot) NotifyKillSwitch(reason string) {
	b.sendMarkdown(fmt.Sprintf(`🚨 *KILL SWITCH TRIPPED*

Reason: %s

All trading is halted. Use /resetkill after the cooldown.`, reason))
}

// NotifyStartup announces the process coming up.
func (b *TelegramBot) NotifyStartup(mode string) {
	b.sendMarkdown(fmt.Sprintf("🚀 *Sage online* — mode: %s", mode))
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	log.Debug().Str("command", msg.Command()).Msg("Telegram command")

	switch msg.Command() {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "risk":
		b.cmdRisk()
	case "ranks", "top":
		b.cmdRanks()
	case "decision":
		b.cmdDecision()
	case "resetkill":
		b.cmdResetKill()
	case "ping":
		b.send("🏓 pong")
	default:
		b.send("Unknown command. Try /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.sendMarkdown(`*Sage Commands*

/status — pipeline counters
/risk — account & kill-switch state
/ranks — top trader scores
/decision — last approved decision
/resetkill — operator kill-switch reset
/ping — liveness check`)
}

func (b *TelegramBot) cmdStatus() {
	s := b.stats.GetStats()
	b.sendMarkdown(fmt.Sprintf(`📊 *Pipeline Status*

Fills processed: *%d*
Episodes closed: *%d*
Episodes open: *%d*
Decisions: *%d* (skips %d)
Tracked traders: *%d*
Live scores: *%d*`,
		s.Fills, s.EpisodesClosed, s.OpenEpisodes, s.Decisions, s.Skips, s.TrackedTraders, s.Scores))
}

func (b *TelegramBot) cmdRisk() {
	state := b.stats.RiskState()
	tripped, reason, trippedAt, trips := b.stats.KillStatus()

	kill := "✅ clear"
	if tripped {
		kill = fmt.Sprintf("🚨 tripped (%s, at %s)", reason, trippedAt.UTC().Format("15:04 MST"))
	}

	b.sendMarkdown(fmt.Sprintf(`🛡️ *Risk State*

Equity: *$%s*
Exposure: *$%s*
Margin ratio: *%.2f*
Daily PnL: *$%s*
Daily drawdown: *%.1f%%*
Kill switch: %s (trips: %d)`,
		state.AccountValue.StringFixed(2),
		state.TotalExposure.StringFixed(2),
		state.MarginRatio,
		state.DailyPnL.StringFixed(2),
		state.DailyDrawdownPct()*100,
		kill, trips))
}

func (b *TelegramBot) cmdRanks() {
	scores := b.stats.TopScores(ranksShown)
	if len(scores) == 0 {
		b.send("No scores yet.")
		return
	}

	var sb strings.Builder
	sb.WriteString("🏆 *Top Traders*\n\n")
	for i, s := range scores {
		sb.WriteString(fmt.Sprintf("%d. `%s` score %.3f weight %.2f\n", i+1, shortAddr(s.Address), s.Score, s.Weight))
	}
	b.sendMarkdown(sb.String())
}

func (b *TelegramBot) cmdDecision() {
	d := b.stats.LastDecision()
	if d == nil {
		b.send("No decisions yet.")
		return
	}
	b.NotifyDecision(d)
}

func (b *TelegramBot) cmdResetKill() {
	if err := b.stats.ResetKillSwitch(); err != nil {
		b.send(fmt.Sprintf("❌ Reset refused: %v", err))
		return
	}
	b.sendMarkdown("✅ *Kill switch reset.* Trading gates are live again.")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func shortAddr(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}
