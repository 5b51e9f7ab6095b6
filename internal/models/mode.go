package models

import (
	"fmt"
	"strings"
	"time"
)

// ModeName is the global operating state.
type ModeName string

const (
	ModeNormal      ModeName = "normal"
	ModeTournament  ModeName = "tournament"
	ModeMaintenance ModeName = "maintenance"
	ModeEmergency   ModeName = "emergency"
)

// EmergencyLevel grades the emergency mode.
type EmergencyLevel string

const (
	LevelNone   EmergencyLevel = ""
	LevelYellow EmergencyLevel = "yellow"
	LevelOrange EmergencyLevel = "orange"
	LevelRed    EmergencyLevel = "red"
	LevelBlack  EmergencyLevel = "black"
)

var levelOrder = map[EmergencyLevel]int{LevelYellow: 1, LevelOrange: 2, LevelRed: 3, LevelBlack: 4}

// Rank orders levels; LevelNone ranks 0.
func (l EmergencyLevel) Rank() int { return levelOrder[l] }

// Raise returns the next level up, saturating at black.
func (l EmergencyLevel) Raise() EmergencyLevel {
	switch l {
	case LevelNone:
		return LevelYellow
	case LevelYellow:
		return LevelOrange
	case LevelOrange:
		return LevelRed
	default:
		return LevelBlack
	}
}

// Lower returns the next level down; below yellow is LevelNone.
func (l EmergencyLevel) Lower() EmergencyLevel {
	switch l {
	case LevelBlack:
		return LevelRed
	case LevelRed:
		return LevelOrange
	case LevelOrange:
		return LevelYellow
	default:
		return LevelNone
	}
}

// Mode is the global state consulted by the policy and the limiters.
type Mode struct {
	Name  ModeName       `json:"name"`
	Level EmergencyLevel `json:"level,omitempty"`
}

// NormalMode is the default state.
var NormalMode = Mode{Name: ModeNormal}

// ParseMode validates a name/level pair.
func ParseMode(name, level string) (Mode, error) {
	m := Mode{Name: ModeName(strings.ToLower(name)), Level: EmergencyLevel(strings.ToLower(level))}
	return m, m.Validate()
}

// Validate checks that the level is set exactly when the mode is emergency.
func (m Mode) Validate() error {
	switch m.Name {
	case ModeNormal, ModeTournament, ModeMaintenance:
		if m.Level != LevelNone {
			return fmt.Errorf("mode %s does not take a level", m.Name)
		}
	case ModeEmergency:
		if m.Level.Rank() == 0 {
			return fmt.Errorf("emergency mode requires a level (yellow|orange|red|black)")
		}
	default:
		return fmt.Errorf("unknown mode %q", m.Name)
	}
	return nil
}

// Elevated reports whether the mode tightens thresholds and honours priority tags.
func (m Mode) Elevated() bool {
	return m.Name == ModeTournament || m.Name == ModeEmergency
}

func (m Mode) String() string {
	if m.Name == ModeEmergency {
		return fmt.Sprintf("emergency(%s)", m.Level)
	}
	return string(m.Name)
}

// HistoryKind labels a history entry.
type HistoryKind string

const (
	HistoryVerdict     HistoryKind = "verdict"
	HistoryModeChange  HistoryKind = "mode_change"
	HistoryDetection   HistoryKind = "detection"
	HistoryTermination HistoryKind = "termination"
	HistoryAdmin       HistoryKind = "admin"
	HistoryHealth      HistoryKind = "health"
)

// HistoryEntry is a compact record of a notable verdict or state transition.
type HistoryEntry struct {
	Seq           uint64         `json:"seq"`
	At            time.Time      `json:"at"`
	Kind          HistoryKind    `json:"kind"`
	IP            string         `json:"ip,omitempty"`
	Identity      string         `json:"identity,omitempty"`
	Route         string         `json:"route,omitempty"`
	Verdict       VerdictKind    `json:"verdict,omitempty"`
	Class         Classification `json:"classification"`
	Score         float64        `json:"score,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Mode          string         `json:"mode,omitempty"`
}
