package arbitration

import (
	"math"
	"time"

	"example.com/hearth/services/arbiter/internal/models"
)

// Scoring weights. Tunable, but the defaults are what the rest of the system
// is calibrated against.
const (
	SameRoomBonus     = 100.0
	AdjacentRoomBonus = 50.0
	AudioEnergyCap    = 30.0
	AudioEnergyScale  = 10.0
	ConfidenceScale   = 20.0
	RecentBonus       = 5.0
	RecentWindow      = 5 * time.Minute
)

// deviceTypePriority maps device classes to their base priority. New device
// classes are added here, not branched on elsewhere.
var deviceTypePriority = map[models.DeviceType]float64{
	models.DeviceTypeTablet:       10,
	models.DeviceTypeSmartDisplay: 10,
	models.DeviceTypePhone:        5,
	models.DeviceTypeDesktop:      0,
	models.DeviceTypeSpeaker:      8,
}

// roomAdjacency is the static adjacency table for the proximity terms. Rooms
// absent from the table simply contribute nothing.
var roomAdjacency = map[string][]string{
	"kitchen":     {"dining_room", "living_room", "hallway"},
	"dining_room": {"kitchen", "living_room"},
	"living_room": {"kitchen", "dining_room", "hallway"},
	"hallway":     {"kitchen", "living_room", "bedroom", "bathroom", "office"},
	"bedroom":     {"hallway", "bathroom"},
	"bathroom":    {"hallway", "bedroom"},
	"office":      {"hallway"},
	"garage":      {},
}

// Scorer computes a numeric priority for a device's claim on an utterance.
// It is a pure function of its inputs: no I/O, no randomness, and missing
// optional data contributes zero rather than being guessed.
type Scorer struct {
	now func() time.Time
}

// NewScorer creates a scorer using the wall clock
func NewScorer() *Scorer {
	return &Scorer{now: time.Now}
}

// NewScorerAt creates a scorer with a fixed clock, for deterministic tests
func NewScorerAt(now func() time.Time) *Scorer {
	return &Scorer{now: now}
}

// Score computes the proximity score for one device's wake event.
// speakerLocation may be empty when the speaker could not be located; the
// device location comes from the event if present, else the registry.
func (s *Scorer) Score(device models.DeviceInfo, speakerLocation string, event models.WakeEvent) float64 {
	score := 0.0

	deviceLocation := event.Location
	if deviceLocation == "" {
		deviceLocation = device.Location
	}

	// Proximity terms apply only when both locations are known
	if speakerLocation != "" && deviceLocation != "" {
		if deviceLocation == speakerLocation {
			score += SameRoomBonus
		} else if adjacent(deviceLocation, speakerLocation) {
			score += AdjacentRoomBonus
		}
	}

	score += math.Min(AudioEnergyCap, event.AudioEnergy*AudioEnergyScale)
	score += event.WakeConfidence * ConfidenceScale
	score += deviceTypePriority[device.DeviceType]

	if device.LastInteractionAt != nil && s.now().Sub(*device.LastInteractionAt) <= RecentWindow {
		score += RecentBonus
	}

	return score
}

func adjacent(a, b string) bool {
	for _, room := range roomAdjacency[a] {
		if room == b {
			return true
		}
	}
	return false
}
