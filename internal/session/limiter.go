package session

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/masc-dev/masc/internal/room"
)

// Category buckets tool calls for rate limiting.
type Category string

const (
	CategoryGeneral   Category = "general"
	CategoryBroadcast Category = "broadcast"
	CategoryTaskOps   Category = "task-ops"
	CategoryFileLock  Category = "file-lock"
)

// RateLimits holds per-category token rates in tokens per minute plus the
// shared burst pool size.
type RateLimits struct {
	General   int
	Broadcast int
	TaskOps   int
	FileLock  int
	Burst     int
}

// DefaultRateLimits mirrors the config defaults.
func DefaultRateLimits() RateLimits {
	return RateLimits{General: 120, Broadcast: 30, TaskOps: 60, FileLock: 30, Burst: 3}
}

func (l RateLimits) perMinute(cat Category) int {
	switch cat {
	case CategoryBroadcast:
		return l.Broadcast
	case CategoryTaskOps:
		return l.TaskOps
	case CategoryFileLock:
		return l.FileLock
	default:
		return l.General
	}
}

// roleMultiplier scales category rates: readers get half, admins double.
func roleMultiplier(role room.AgentRole) float64 {
	switch role {
	case room.RoleReader:
		return 0.5
	case room.RoleAdmin:
		return 2.0
	default:
		return 1.0
	}
}

// limiterSet holds one token bucket per category for one agent.
type limiterSet struct {
	limits   RateLimits
	limiters map[Category]*rate.Limiter
}

func newLimiterSet(limits RateLimits) *limiterSet {
	return &limiterSet{
		limits:   limits,
		limiters: make(map[Category]*rate.Limiter),
	}
}

func (s *limiterSet) limiter(cat Category, role room.AgentRole) *rate.Limiter {
	want := rate.Limit(float64(s.limits.perMinute(cat)) / 60.0 * roleMultiplier(role))
	lim, ok := s.limiters[cat]
	if !ok {
		burst := s.limits.Burst + 1
		lim = rate.NewLimiter(want, burst)
		s.limiters[cat] = lim
		return lim
	}
	// Role changes take effect on the next check.
	if lim.Limit() != want {
		lim.SetLimit(want)
	}
	return lim
}

// CheckRateLimit consumes one token from the agent's bucket for cat. On
// refusal it reports how long the caller should wait before retrying; no
// state is consumed.
func (r *Registry) CheckRateLimit(name string, cat Category, role room.AgentRole) (bool, time.Duration) {
	r.mu.Lock()
	e, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return true, 0
	}
	lim := e.limiters.limiter(cat, role)
	r.mu.Unlock()

	if lim.Allow() {
		return true, 0
	}
	res := lim.Reserve()
	wait := res.Delay()
	res.Cancel()
	return false, wait
}

// RateStatus reports the remaining burst headroom per category for name.
func (r *Registry) RateStatus(name string, role room.AgentRole) map[Category]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[name]
	if !ok {
		return nil
	}
	out := make(map[Category]float64, 4)
	for _, cat := range []Category{CategoryGeneral, CategoryBroadcast, CategoryTaskOps, CategoryFileLock} {
		out[cat] = e.limiters.limiter(cat, role).Tokens()
	}
	return out
}
