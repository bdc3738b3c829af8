package agent

import (
	"regexp"
	"sync"

	"github.com/rs/zerolog/log"

	"example.com/hearth/services/arbiter/internal/models"
)

// Indicator is whatever the device uses to surface capability changes to the
// household: an LED ring, a screen banner, a chime.
type Indicator interface {
	ShowNormal()
	ShowWarning(message string)
	ShowAlert(message string)
}

// LogIndicator is the default indicator for headless deployments
type LogIndicator struct{}

func (LogIndicator) ShowNormal() {
	log.Info().Msg("Indicator: normal")
}

func (LogIndicator) ShowWarning(message string) {
	log.Warn().Str("indicator", "warning").Msg(message)
}

func (LogIndicator) ShowAlert(message string) {
	log.Error().Str("indicator", "alert").Msg(message)
}

// directCommandPatterns match utterances that can bypass the full processing
// pipeline and go straight to the automation platform in minimal mode
var directCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^turn (on|off) (the )?[\w\s]+$`),
	regexp.MustCompile(`(?i)^switch (on|off) (the )?[\w\s]+$`),
	regexp.MustCompile(`(?i)^set (the )?[\w\s]+ to [\w\s%]+$`),
	regexp.MustCompile(`(?i)^(open|close) (the )?[\w\s]+$`),
	regexp.MustCompile(`(?i)^(lock|unlock) (the )?[\w\s]+$`),
	regexp.MustCompile(`(?i)^(dim|brighten) (the )?[\w\s]+$`),
	regexp.MustCompile(`(?i)^(start|stop) (the )?[\w\s]+$`),
}

// IsDirectCommand reports whether an utterance matches the direct
// automation-command grammar
func IsDirectCommand(utterance string) bool {
	for _, pattern := range directCommandPatterns {
		if pattern.MatchString(utterance) {
			return true
		}
	}
	return false
}

// DegradationHandler tracks the broadcast degradation level and adapts the
// device: indicator state, command gating, and whether the wake pipeline
// runs at all.
type DegradationHandler struct {
	indicator Indicator

	mu      sync.RWMutex
	current models.DegradationLevel
}

// NewDegradationHandler creates a handler starting at full capability
func NewDegradationHandler(indicator Indicator) *DegradationHandler {
	if indicator == nil {
		indicator = LogIndicator{}
	}
	return &DegradationHandler{
		indicator: indicator,
		current:   models.LevelFull,
	}
}

// Apply consumes a broadcast health snapshot and runs the transition action
// if the level changed
func (h *DegradationHandler) Apply(snapshot models.HealthSnapshot) {
	h.mu.Lock()
	previous := h.current
	h.current = snapshot.Level
	h.mu.Unlock()

	if previous == snapshot.Level {
		return
	}

	log.Info().
		Str("from", string(previous)).
		Str("to", string(snapshot.Level)).
		Msg("Applying degradation transition")

	switch snapshot.Level {
	case models.LevelFull:
		h.indicator.ShowNormal()
	case models.LevelDegraded:
		h.indicator.ShowWarning("Accelerated features unavailable, conversational capability retained")
	case models.LevelMinimal:
		h.indicator.ShowWarning("Restricted to direct automation commands")
	case models.LevelOffline:
		h.indicator.ShowAlert("Voice services offline, wake pipeline disabled")
	}
}

// Level returns the current degradation level
func (h *DegradationHandler) Level() models.DegradationLevel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// WakeEnabled reports whether the device should run its wake pipeline at all
func (h *DegradationHandler) WakeEnabled() bool {
	return h.Level() != models.LevelOffline
}

// AllowCommand reports whether an utterance may proceed at the current level.
// Full and degraded keep the whole conversational surface; minimal admits
// only pattern-matched direct commands; offline admits nothing.
func (h *DegradationHandler) AllowCommand(utterance string) bool {
	switch h.Level() {
	case models.LevelFull, models.LevelDegraded:
		return true
	case models.LevelMinimal:
		return IsDirectCommand(utterance)
	default:
		return false
	}
}
