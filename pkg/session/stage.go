// Package session defines the delivery session model: the fixed protocol
// stages, terminal outcomes and the per-session state mutated by the state
// machine and the approval gate.
package session

import (
	"fmt"
)

// Stage is one of the seven fixed points of the delivery protocol.
// The numeric value is the stage's position in the total order.
type Stage int

const (
	StageDiscover Stage = iota
	StageValidate
	StageSync
	StageArm
	StageDeliver
	StageCooldown
	StagePostCheckAudit
)

var stageNames = [...]string{
	StageDiscover:       "Discover",
	StageValidate:       "Validate",
	StageSync:           "Sync",
	StageArm:            "Arm",
	StageDeliver:        "Deliver",
	StageCooldown:       "Cooldown",
	StagePostCheckAudit: "PostCheckAudit",
}

// Stages returns every stage in protocol order.
func Stages() []Stage {
	return []Stage{
		StageDiscover,
		StageValidate,
		StageSync,
		StageArm,
		StageDeliver,
		StageCooldown,
		StagePostCheckAudit,
	}
}

// Index returns the stage's position in the total order.
func (s Stage) Index() int { return int(s) }

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	return s >= StageDiscover && s <= StagePostCheckAudit
}

// Terminal reports whether s is the sole terminal stage.
func (s Stage) Terminal() bool { return s == StagePostCheckAudit }

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// ParseStage maps a stage name back to its Stage.
func ParseStage(name string) (Stage, error) {
	for _, st := range Stages() {
		if stageNames[st] == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(b []byte) error {
	st, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
