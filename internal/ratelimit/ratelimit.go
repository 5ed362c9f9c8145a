package ratelimit

import (
	"context"
	"sort"
	"time"
)

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when Allowed
}

// Limiter admits or denies a request for identity. A denied check leaves
// no trace: it consumes quota from none of the rules.
type Limiter interface {
	Check(ctx context.Context, identity string) (Decision, error)
}

// Bucket is one identity's admissions inside one rule's rolling window.
type Bucket struct {
	Identity    string
	WindowStart time.Time
	Count       int
	Limit       int
}

// Rule is a limit per rolling window, ex: 30 per minute.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) enabled() bool { return r.Limit > 0 && r.Window > 0 }

func activeRules(rules []Rule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.enabled() {
			out = append(out, r)
		}
	}
	return out
}

func longestWindow(rules []Rule) time.Duration {
	var w time.Duration
	for _, r := range rules {
		w = max(w, r.Window)
	}
	return w
}

// inWindow returns the index of the first admission inside the rolling
// window ending at now. log is sorted oldest first; an admission exactly
// one window old has already left it.
func inWindow(log []time.Time, now time.Time, window time.Duration) int {
	start := now.Add(-window)
	return sort.Search(len(log), func(i int) bool { return log[i].After(start) })
}

// evaluate decides over an identity's admission log. Every rule is
// checked; a denial reports the longest wait among the denying rules.
func evaluate(rules []Rule, log []time.Time, now time.Time) Decision {
	allowed := Decision{Allowed: true, Remaining: -1}
	denied := Decision{}
	for _, r := range rules {
		first := inWindow(log, now, r.Window)
		n := len(log) - first
		if n >= r.Limit {
			// once the oldest n-limit+1 admissions age out, one slot frees up
			wait := log[first+n-r.Limit].Add(r.Window).Sub(now)
			if wait > denied.RetryAfter {
				denied = Decision{Limit: r.Limit, RetryAfter: wait}
			}
			continue
		}
		if left := r.Limit - n - 1; allowed.Remaining < 0 || left < allowed.Remaining {
			allowed.Remaining, allowed.Limit = left, r.Limit
		}
	}
	if denied.RetryAfter > 0 {
		return denied
	}
	return allowed
}
