// Package ladder models escalation threshold ladders and the percentage
// elapsed arithmetic the escalation sweep runs on.
package ladder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindStandard Kind = "STANDARD"
	KindCritical Kind = "CRITICAL"
	KindCustom   Kind = "CUSTOM"
)

// MaxCustomSteps bounds custom ladders.
const MaxCustomSteps = 5

// MaxEscalationLevel is the highest level a unit can reach. Custom steps
// beyond it are accepted but never fire.
const MaxEscalationLevel = 3

var ErrInvalid = errors.New("invalid escalation ladder")

// Step is one rung: the level reached once Threshold percent of the window
// has elapsed. Roles is optional; empty means use the configured roles for
// the level.
type Step struct {
	Level     int      `json:"level"`
	Threshold float64  `json:"threshold"`
	Roles     []string `json:"roles,omitempty"`
}

type Ladder struct {
	Kind  Kind   `json:"kind"`
	Steps []Step `json:"steps"`
}

func Standard() Ladder {
	return fromThresholds(KindStandard, []float64{50, 75, 90})
}

func Critical() Ladder {
	return fromThresholds(KindCritical, []float64{30, 60, 90})
}

// Custom builds and validates a ladder from strictly increasing thresholds.
func Custom(thresholds []float64) (Ladder, error) {
	l := fromThresholds(KindCustom, thresholds)
	if err := l.Validate(); err != nil {
		return Ladder{}, err
	}
	return l, nil
}

func fromThresholds(kind Kind, thresholds []float64) Ladder {
	steps := make([]Step, 0, len(thresholds))
	for i, t := range thresholds {
		steps = append(steps, Step{Level: i + 1, Threshold: t})
	}
	return Ladder{Kind: kind, Steps: steps}
}

// Parse resolves a kind name, with thresholds only for CUSTOM.
func Parse(kind string, thresholds []float64) (Ladder, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(kind))) {
	case "", KindStandard:
		if len(thresholds) > 0 {
			return Ladder{}, fmt.Errorf("%w: thresholds only apply to CUSTOM", ErrInvalid)
		}
		return Standard(), nil
	case KindCritical:
		if len(thresholds) > 0 {
			return Ladder{}, fmt.Errorf("%w: thresholds only apply to CUSTOM", ErrInvalid)
		}
		return Critical(), nil
	case KindCustom:
		return Custom(thresholds)
	default:
		return Ladder{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
}

// Validate checks 1..5 strictly increasing thresholds in [0,100] with levels
// numbered from 1.
func (l Ladder) Validate() error {
	switch l.Kind {
	case KindStandard, KindCritical, KindCustom:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, l.Kind)
	}
	if len(l.Steps) == 0 || len(l.Steps) > MaxCustomSteps {
		return fmt.Errorf("%w: need 1-%d steps, got %d", ErrInvalid, MaxCustomSteps, len(l.Steps))
	}
	for i, s := range l.Steps {
		if s.Level != i+1 {
			return fmt.Errorf("%w: step %d has level %d", ErrInvalid, i, s.Level)
		}
		if s.Threshold < 0 || s.Threshold > 100 {
			return fmt.Errorf("%w: threshold %.2f out of range [0,100]", ErrInvalid, s.Threshold)
		}
		if i > 0 && s.Threshold <= l.Steps[i-1].Threshold {
			return fmt.Errorf("%w: thresholds must be strictly increasing (%.2f after %.2f)", ErrInvalid, s.Threshold, l.Steps[i-1].Threshold)
		}
	}
	return nil
}

// MaxLevel is the highest level this ladder can escalate to.
func (l Ladder) MaxLevel() int {
	return min(len(l.Steps), MaxEscalationLevel)
}

func (l Ladder) Thresholds() []float64 {
	out := make([]float64, len(l.Steps))
	for i, s := range l.Steps {
		out[i] = s.Threshold
	}
	return out
}

// Next returns the lowest step above current whose threshold has been
// reached. A sweep advances at most one level, so a unit that skipped past
// several thresholds climbs them over consecutive sweeps.
func (l Ladder) Next(current int, pct float64) (Step, bool) {
	for _, s := range l.Steps {
		if s.Level > MaxEscalationLevel {
			break
		}
		if s.Level <= current {
			continue
		}
		if s.Threshold <= pct {
			return s, true
		}
		return Step{}, false
	}
	return Step{}, false
}

// PercentElapsed is (now - created) / (deadline - created) * 100. A window
// that is empty or inverted counts as fully elapsed.
func PercentElapsed(created, deadline, now time.Time) float64 {
	window := deadline.Sub(created)
	if window <= 0 {
		return 100
	}
	return float64(now.Sub(created)) / float64(window) * 100
}

func (l Ladder) JSON() (string, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromJSON decodes a stored ladder; an empty payload yields STANDARD.
func FromJSON(s string) (Ladder, error) {
	if strings.TrimSpace(s) == "" {
		return Standard(), nil
	}
	var l Ladder
	if err := json.Unmarshal([]byte(s), &l); err != nil {
		return Ladder{}, fmt.Errorf("decode ladder: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Ladder{}, err
	}
	return l, nil
}
