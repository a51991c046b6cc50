package p2p

import "time"

const (
	defaultScoreMin      = -100
	defaultScoreMax      = 100
	defaultBanFloor      = -50
	defaultEvictionFloor = -25

	handshakeRewardDelta   = 1
	timeoutPenaltyDelta    = -2
	transportErrorDelta    = -5
	protocolViolationDelta = -20

	defaultRelapseWindow = 6 * time.Hour
)

// defaultBanSteps is the escalation ladder applied to repeat offenders: a
// short first ban, then hours, then a long cap.
var defaultBanSteps = []time.Duration{
	10 * time.Minute,
	time.Hour,
	24 * time.Hour,
}

// ScorePolicy bundles every numeric threshold of the score and ban engine.
// All decisions are table lookups over this value so operators can tune the
// schedule without code changes.
type ScorePolicy struct {
	ScoreMin      int
	ScoreMax      int
	DefaultScore  int
	BanFloor      int
	EvictionFloor int

	// Deltas per session outcome.
	HandshakeReward  int
	TimeoutPenalty   int
	ErrorPenalty     int
	ViolationPenalty int

	BanSteps      []time.Duration
	RelapseWindow time.Duration
}

// DefaultScorePolicy returns the built-in thresholds.
func DefaultScorePolicy() ScorePolicy {
	return ScorePolicy{
		ScoreMin:         defaultScoreMin,
		ScoreMax:         defaultScoreMax,
		DefaultScore:     0,
		BanFloor:         defaultBanFloor,
		EvictionFloor:    defaultEvictionFloor,
		HandshakeReward:  handshakeRewardDelta,
		TimeoutPenalty:   timeoutPenaltyDelta,
		ErrorPenalty:     transportErrorDelta,
		ViolationPenalty: protocolViolationDelta,
		BanSteps:         defaultBanSteps,
		RelapseWindow:    defaultRelapseWindow,
	}
}

// ScoreForEvent maps a session outcome to a score delta. The mapping is a
// fixed table, not learned.
func (p ScorePolicy) ScoreForEvent(outcome SessionOutcome) int {
	switch outcome {
	case OutcomeClean:
		return 0
	case OutcomeTimeout:
		return p.TimeoutPenalty
	case OutcomeError:
		return p.ErrorPenalty
	case OutcomeViolation:
		return p.ViolationPenalty
	}
	return 0
}

// Bannable reports whether the outcome on its own justifies a ban once the
// score sits at or below the ban floor.
func (p ScorePolicy) Bannable(outcome SessionOutcome) bool {
	return outcome == OutcomeViolation
}

// Clamp bounds a score to [ScoreMin, ScoreMax].
func (p ScorePolicy) Clamp(score int) int {
	if score < p.ScoreMin {
		return p.ScoreMin
	}
	if score > p.ScoreMax {
		return p.ScoreMax
	}
	return score
}

// BanDuration returns the next ban length for a peer with the given ban
// history. Bans outside the relapse window reset the escalation ladder.
func (p ScorePolicy) BanDuration(priorBans int, lastBan, now time.Time) time.Duration {
	steps := p.BanSteps
	if len(steps) == 0 {
		steps = defaultBanSteps
	}
	window := p.RelapseWindow
	if window <= 0 {
		window = defaultRelapseWindow
	}
	if priorBans > 0 && !lastBan.IsZero() && now.Sub(lastBan) > window {
		priorBans = 0
	}
	if priorBans >= len(steps) {
		priorBans = len(steps) - 1
	}
	if priorBans < 0 {
		priorBans = 0
	}
	return steps[priorBans]
}

// IsBanned reports whether the record carries a ban that has not yet lapsed.
// Expired bans are ignored here and cleared lazily by the address book.
func (p ScorePolicy) IsBanned(rec PeerRecord, now time.Time) bool {
	return !rec.BanUntil.IsZero() && rec.BanUntil.After(now)
}

// IsEvictable reports whether the peer may be chosen as an eviction victim.
// Reserved peers never are, regardless of score.
func (p ScorePolicy) IsEvictable(rec PeerRecord, now time.Time) bool {
	if rec.Reserved {
		return false
	}
	return p.IsBanned(rec, now) || rec.Score < p.EvictionFloor
}
