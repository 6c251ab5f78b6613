package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KILL SWITCH - Latched trading halt
// ═══════════════════════════════════════════════════════════════════════════════
//
// Once tripped the switch stays latched until BOTH the cooldown has
// elapsed AND an operator resets it. There is no automatic re-arm: a
// drawdown bad enough to trip deserves a human look before trading
// resumes.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Cooldown bounds. Anything configured outside is clamped.
const (
	KillSwitchCooldownMin = time.Hour
	KillSwitchCooldownMax = 7 * 24 * time.Hour
)

type KillSwitch struct {
	mu sync.RWMutex

	cooldown time.Duration

	tripped   bool
	trippedAt time.Time
	reason    string
	tripCount int
}

func NewKillSwitch(cooldown time.Duration) *KillSwitch {
	if cooldown < KillSwitchCooldownMin {
		cooldown = KillSwitchCooldownMin
	}
	if cooldown > KillSwitchCooldownMax {
		cooldown = KillSwitchCooldownMax
	}
	return &KillSwitch{cooldown: cooldown}
}

// Trip latches the switch. Re-tripping while latched keeps the original
// trigger time so the cooldown clock never restarts silently.
func (k *KillSwitch) Trip(reason string, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.tripCount++
	if k.tripped {
		return
	}
	k.tripped = true
	k.trippedAt = now
	k.reason = reason
	log.Error().
		Str("reason", reason).
		Dur("cooldown", k.cooldown).
		Time("reset_available", now.Add(k.cooldown)).
		Msg("🚨 KILL SWITCH TRIPPED")
}

// Active reports whether the switch is latched.
func (k *KillSwitch) Active() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.tripped
}

// ResetAvailableAt is the earliest instant an operator reset succeeds.
// Zero when the switch is not latched.
func (k *KillSwitch) ResetAvailableAt() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.tripped {
		return time.Time{}
	}
	return k.trippedAt.Add(k.cooldown)
}

// Reset clears the latch. It fails while the cooldown is still running
// so an operator cannot fat-finger trading back on mid-incident.
func (k *KillSwitch) Reset(now time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.tripped {
		return nil
	}
	availableAt := k.trippedAt.Add(k.cooldown)
	if now.Before(availableAt) {
		return fmt.Errorf("kill switch cooldown active, reset available in %s", availableAt.Sub(now).Round(time.Second))
	}
	k.tripped = false
	k.reason = ""
	log.Info().Int("lifetime_trips", k.tripCount).Msg("✅ Kill switch reset by operator")
	return nil
}

// Status returns the latch state for operator surfaces.
func (k *KillSwitch) Status() (tripped bool, reason string, trippedAt time.Time, trips int) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.tripped, k.reason, k.trippedAt, k.tripCount
}
