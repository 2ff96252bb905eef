package scheduler

import "time"

// cooldownRegistry tracks the last successful completion per pair. It is
// guarded by the Scheduler mutex.
type cooldownRegistry struct {
	duration time.Duration
	last     map[pairKey]time.Time
}

func newCooldownRegistry(duration time.Duration) *cooldownRegistry {
	return &cooldownRegistry{duration: duration, last: make(map[pairKey]time.Time)}
}

func (r *cooldownRegistry) remaining(key pairKey, now time.Time) time.Duration {
	if r.duration <= 0 {
		return 0
	}
	completed, ok := r.last[key]
	if !ok {
		return 0
	}
	left := r.duration - now.Sub(completed)
	if left <= 0 {
		return 0
	}
	return left
}

func (r *cooldownRegistry) record(key pairKey, at time.Time) {
	if prev, ok := r.last[key]; ok && prev.After(at) {
		return
	}
	r.last[key] = at
}

func (r *cooldownRegistry) clear(key pairKey) bool {
	_, ok := r.last[key]
	delete(r.last, key)
	return ok
}

func (r *cooldownRegistry) clearAll() int {
	n := len(r.last)
	r.last = make(map[pairKey]time.Time)
	return n
}

// prune forgets entries that can no longer deny admission.
func (r *cooldownRegistry) prune(now time.Time) {
	for key := range r.last {
		if r.remaining(key, now) == 0 {
			delete(r.last, key)
		}
	}
}

// CooldownStatus is one pair still inside its cooldown window.
type CooldownStatus struct {
	Subject   string        `json:"subject"`
	Variant   string        `json:"variant"`
	Remaining time.Duration `json:"remaining"`
}

func (r *cooldownRegistry) active(now time.Time) []CooldownStatus {
	var out []CooldownStatus
	for key := range r.last {
		if left := r.remaining(key, now); left > 0 {
			out = append(out, CooldownStatus{Subject: key.subject, Variant: key.variant, Remaining: left})
		}
	}
	return out
}
