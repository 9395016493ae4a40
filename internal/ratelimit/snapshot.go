package ratelimit

import (
	"time"
)

type WindowUsage struct {
	Window  Window `json:"window"`
	Used    int    `json:"used"`
	Limit   int    `json:"limit"`
	ResetIn int64  `json:"reset_in_seconds"`
}

type Usage struct {
	Blocked        bool                    `json:"blocked"`
	BlockedSeconds int64                   `json:"blocked_seconds,omitempty"`
	Strikes        int                     `json:"strikes"`
	Classes        map[Class][]WindowUsage `json:"classes"`
}

// Snapshot reports the usage of an identity. It never counts as a request.
func (l *Limiter) Snapshot(identity string) Usage {
	now := time.Now()
	usage := Usage{Classes: make(map[Class][]WindowUsage, len(Classes))}

	l.mu.RLock()
	c, ok := l.clients[identity]
	l.mu.RUnlock()
	if ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		if now.Before(c.blockedUntil) {
			usage.Blocked = true
			usage.BlockedSeconds = seconds(c.blockedUntil.Sub(now))
		}
		for _, t := range c.strikes {
			if now.Sub(t) < l.cfg.StrikeWindow {
				usage.Strikes++
			}
		}
	}

	for _, class := range Classes {
		ceilings := l.cfg.Ceilings[class]
		var counters *[4]counter
		if ok {
			counters = c.counters[class]
		}
		ret := make([]WindowUsage, 0, len(windows))
		for _, w := range windows {
			start := now.Truncate(w.Span())
			wu := WindowUsage{
				Window:  w,
				Limit:   ceilings[w],
				ResetIn: seconds(start.Add(w.Span()).Sub(now)),
			}
			if counters != nil && counters[w].start.Equal(start) {
				wu.Used = counters[w].count
			}
			ret = append(ret, wu)
		}
		usage.Classes[class] = ret
	}
	return usage
}

// seconds rounds d up to whole seconds
func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// RetryAfterSeconds is the value of a Retry-After header for d, at least one
func RetryAfterSeconds(d time.Duration) int64 {
	return max(seconds(d), 1)
}
