package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/lingualeap/apiguard/storage"
)

// keyState is the adaptive state of one counter key
type keyState struct {
	bucket   *rate.Limiter
	class    string
	lastHot  time.Time // last time the bucket was drained
	lastSeen time.Time
}

// classChange describes a rule class transition
type classChange struct {
	from, to string
}

// observeAdaptiveLocked records one hit on key and returns its active rule class.
// Caller must hold l.mu.
func (l *Limiter) observeAdaptiveLocked(key string, now time.Time) (string, *classChange) {
	if !l.cfg.Adaptive.Enabled {
		return storage.RuleClassNormal, nil
	}

	st, ok := l.adaptive.Get(key)
	if !ok {
		st = &keyState{
			bucket: rate.NewLimiter(rate.Limit(l.cfg.Adaptive.Rate), l.cfg.Adaptive.Burst),
			class:  storage.RuleClassNormal,
		}
		l.adaptive.Put(key, st)
	}
	st.lastSeen = now

	hot := !st.bucket.AllowN(now, 1)
	if hot {
		st.lastHot = now
	}

	switch {
	case st.class == storage.RuleClassNormal && hot:
		st.class = storage.RuleClassStrict
		return st.class, &classChange{from: storage.RuleClassNormal, to: storage.RuleClassStrict}
	case st.class == storage.RuleClassStrict && !hot && now.Sub(st.lastHot) >= l.cfg.Adaptive.CalmPeriod:
		st.class = storage.RuleClassNormal
		return st.class, &classChange{from: storage.RuleClassStrict, to: storage.RuleClassNormal}
	}
	return st.class, nil
}

// sightings tracks distinct members seen within a rolling window
type sightings struct {
	seen      map[string]time.Time
	alertedAt time.Time
}

// observe records member at now, forgets members older than window and reports how
// many distinct members remain and whether an alert is due for exceeding threshold.
// At most one alert is raised per window.
func (s *sightings) observe(member string, now time.Time, window time.Duration, threshold, maxMembers int) (int, bool) {
	cutoff := now.Add(-window)
	for m, ts := range s.seen {
		if ts.Before(cutoff) {
			delete(s.seen, m)
		}
	}
	if _, known := s.seen[member]; known || maxMembers <= 0 || len(s.seen) < maxMembers {
		s.seen[member] = now
	}

	distinct := len(s.seen)
	if distinct <= threshold {
		return distinct, false
	}
	if !s.alertedAt.IsZero() && now.Sub(s.alertedAt) < window {
		return distinct, false
	}
	s.alertedAt = now
	return distinct, true
}

// bypassSignal is a detection raised by observeBypassLocked
type bypassSignal struct {
	eventType string
	distinct  int
	window    time.Duration
}

// observeBypassLocked tracks the ip/user association of one request.
// Caller must hold l.mu.
func (l *Limiter) observeBypassLocked(ip, userID, endpoint string, now time.Time) []bypassSignal {
	var signals []bypassSignal
	cfg := l.cfg.Bypass

	ips, ok := l.userIPs.Get(userID)
	if !ok {
		ips = &sightings{seen: make(map[string]time.Time)}
		l.userIPs.Put(userID, ips)
	}
	if distinct, alert := ips.observe(ip, now, cfg.IPWindow, cfg.MaxIPsPerUser, l.cfg.MaxTrackedKeys); alert {
		signals = append(signals, bypassSignal{eventType: "ip_rotation", distinct: distinct, window: cfg.IPWindow})
	}

	pairs, ok := l.endpointPairs.Get(endpoint)
	if !ok {
		pairs = &sightings{seen: make(map[string]time.Time)}
		l.endpointPairs.Put(endpoint, pairs)
	}
	if distinct, alert := pairs.observe(combinedIdentifier(ip, userID), now, cfg.PairBurstWindow, cfg.PairBurstThreshold, l.cfg.MaxTrackedKeys); alert {
		signals = append(signals, bypassSignal{eventType: "distributed", distinct: distinct, window: cfg.PairBurstWindow})
	}

	return signals
}
