package voting

import "github.com/binauthz/ballotbox/internal/model"

// Thresholds are the score boundaries of the voting state machine. Ban is
// inclusive from below, the allow thresholds inclusive from above. A
// LocalAllow of zero disables the local-allow tier entirely, so blockables
// jump straight from UNTRUSTED to GLOBALLY_ALLOWED.
type Thresholds struct {
	Ban         int64
	LocalAllow  int64
	GlobalAllow int64
}

// DefaultThresholds are the production values.
func DefaultThresholds() Thresholds {
	return Thresholds{Ban: -26, LocalAllow: 15, GlobalAllow: 50}
}

// StateForScore maps a score to the state the machine wants the blockable
// in. Overrides (SUSPECT, the silent-ban variant, PENDING) are handled by
// the callers; this is the pure threshold function.
func (t Thresholds) StateForScore(score int64) model.State {
	switch {
	case score <= t.Ban:
		return model.StateBanned
	case score >= t.GlobalAllow:
		return model.StateGloballyAllowed
	case t.LocalAllow > 0 && score >= t.LocalAllow:
		return model.StateApprovedForLocalAllow
	default:
		return model.StateUntrusted
	}
}
