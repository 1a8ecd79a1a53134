package autoscale

import (
	"time"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// Policy bounds and thresholds of one queue's worker pool
type Policy struct {
	HighWater         int64         // depth above which the pool grows
	LowWater          int64         // depth below which the pool may shrink
	Staleness         time.Duration // oldest-message age above which the pool grows
	LowWindow         time.Duration // how long depth must stay low before shrinking
	Cooldown          time.Duration // minimum gap between two scale-downs
	Floor             int
	Ceiling           int
	MessagesPerWorker int64 // backlog one worker is expected to absorb
}

// State is what the controller remembers between samples
type State struct {
	Current       int
	LowSince      time.Time // zero while depth is not low
	LastScaleDown time.Time
}

// Reason explains a decision
type Reason string

const (
	ReasonBacklog   Reason = "backlog"
	ReasonStale     Reason = "stale"
	ReasonIdle      Reason = "idle"
	ReasonCooldown  Reason = "cooldown"
	ReasonSteady    Reason = "steady"
	ReasonClamped   Reason = "clamped"
	ReasonLowWindow Reason = "low_window"
)

// Decide returns the target worker count for sample and the next state. The
// target is non-decreasing in depth and in oldest age for a fixed state.
// Growth is never rate limited; shrinking takes one step at a time, only
// after depth stayed low for the window and the cooldown has passed.
func Decide(p Policy, s State, sample domain.QueueDepthSample, now time.Time) (int, Reason, State) {
	next := s
	target := s.Current
	reason := ReasonSteady

	switch {
	case sample.Depth > p.HighWater || (p.Staleness > 0 && sample.OldestMessageAge > p.Staleness):
		next.LowSince = time.Time{}
		target = max(s.Current+1, backlogWorkers(sample.Depth, p.MessagesPerWorker))
		reason = ReasonBacklog
		if sample.Depth <= p.HighWater {
			reason = ReasonStale
		}

	case sample.Depth < p.LowWater:
		if next.LowSince.IsZero() {
			next.LowSince = now
		}
		switch {
		case now.Sub(next.LowSince) < p.LowWindow:
			reason = ReasonLowWindow
		case !s.LastScaleDown.IsZero() && now.Sub(s.LastScaleDown) < p.Cooldown:
			reason = ReasonCooldown
		default:
			target = s.Current - 1
			reason = ReasonIdle
		}

	default:
		next.LowSince = time.Time{}
	}

	if clamped := clamp(target, p.Floor, p.Ceiling); clamped != target {
		target = clamped
		reason = ReasonClamped
	}
	if target < s.Current {
		next.LastScaleDown = now
	}
	next.Current = target
	return target, reason, next
}

func backlogWorkers(depth, perWorker int64) int {
	if perWorker <= 0 {
		return 0
	}
	return int((depth + perWorker - 1) / perWorker)
}

func clamp(n, floor, ceiling int) int {
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	if n < floor {
		n = floor
	}
	return n
}
