// Package ratelimit admits requests per client identity. Every identity has
// four clock aligned windows per class and an abuse tier, which blocks
// identities repeatedly hitting the hourly ceiling.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/CZERTAINLY/mediagate/internal/model"
)

type Class string

const (
	Download Class = "download"
	Status   Class = "status"
)

var Classes = []Class{Download, Status}

type Window int

const (
	Second Window = iota
	Minute
	Hour
	Day
)

var windows = [...]Window{Second, Minute, Hour, Day}

var spans = [...]time.Duration{time.Second, time.Minute, time.Hour, 24 * time.Hour}

func (w Window) Span() time.Duration { return spans[w] }

func (w Window) String() string {
	switch w {
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	}
	return "unknown"
}

func (w Window) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *Window) UnmarshalText(b []byte) error {
	for _, x := range windows {
		if x.String() == string(b) {
			*w = x
			return nil
		}
	}
	return fmt.Errorf("unknown window %q", b)
}

type Reason string

const (
	Allowed     Reason = ""
	RateLimited Reason = "rate_limited"
	Blocked     Reason = "blocked"
)

// Decision is the result of Limiter.Admit. Window is the exhausted window
// with the longest wait and is set only for RateLimited.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     Reason
	Window     Window
}

type Ceilings [4]int

type Config struct {
	Ceilings map[Class]Ceilings
	// Strikes within StrikeWindow block an identity
	Strikes      int
	StrikeWindow time.Duration
	Block        time.Duration
	MaxBlock     time.Duration
}

func ConfigFromLimits(l model.Limits) Config {
	ceilings := func(c model.Ceilings) Ceilings {
		return Ceilings{c.Second, c.Minute, c.Hour, c.Day}
	}
	return Config{
		Ceilings: map[Class]Ceilings{
			Download: ceilings(l.Download),
			Status:   ceilings(l.Status),
		},
		Strikes:      l.Abuse.Strikes,
		StrikeWindow: l.Abuse.Window.Duration(),
		Block:        l.Abuse.Block.Duration(),
		MaxBlock:     l.Abuse.MaxBlock.Duration(),
	}
}

type Limiter struct {
	cfg Config

	mu      sync.RWMutex
	clients map[string]*client
}

type counter struct {
	start time.Time
	count int
}

type client struct {
	mu           sync.Mutex
	counters     map[Class]*[4]counter
	strikes      []time.Time
	blocks       int
	blockedUntil time.Time
	lastSeen     time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		clients: make(map[string]*client),
	}
}

// Admit checks every window of the class and, when all are below their
// ceilings, counts the request in all of them.
func (l *Limiter) Admit(identity string, class Class) Decision {
	now := time.Now()
	c := l.client(identity)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSeen = now
	if now.Before(c.blockedUntil) {
		return Decision{RetryAfter: c.blockedUntil.Sub(now), Reason: Blocked}
	}
	if c.blocks > 0 && now.Sub(c.blockedUntil) >= l.cfg.MaxBlock {
		c.blocks = 0
	}

	ceilings := l.cfg.Ceilings[class]
	counters := c.roll(class, now)
	var (
		exhausted bool
		hourly    bool
		decision  = Decision{Reason: RateLimited}
	)
	for _, w := range windows {
		ctr := counters[w]
		if ctr.count < ceilings[w] {
			continue
		}
		exhausted = true
		hourly = hourly || w == Hour
		if wait := ctr.start.Add(w.Span()).Sub(now); wait > decision.RetryAfter {
			decision.RetryAfter = wait
			decision.Window = w
		}
	}
	if !exhausted {
		for _, w := range windows {
			counters[w].count++
		}
		return Decision{Allowed: true}
	}
	if hourly && l.strike(c, now) {
		return Decision{RetryAfter: c.blockedUntil.Sub(now), Reason: Blocked}
	}
	return decision
}

// strike records an hourly denial and reports whether it blocked the client
func (l *Limiter) strike(c *client, now time.Time) bool {
	if l.cfg.Strikes <= 0 {
		return false
	}
	kept := c.strikes[:0]
	for _, t := range c.strikes {
		if now.Sub(t) < l.cfg.StrikeWindow {
			kept = append(kept, t)
		}
	}
	c.strikes = append(kept, now)
	if len(c.strikes) < l.cfg.Strikes {
		return false
	}

	block := l.cfg.Block
	for i := 0; i < c.blocks && block < l.cfg.MaxBlock; i++ {
		block *= 2
	}
	block = min(block, l.cfg.MaxBlock)
	c.blocks++
	c.strikes = nil
	c.blockedUntil = now.Add(block)
	return true
}

func (l *Limiter) client(identity string) *client {
	l.mu.RLock()
	c, ok := l.clients[identity]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.clients[identity]; ok {
		return c
	}
	c = &client{counters: make(map[Class]*[4]counter, len(Classes))}
	l.clients[identity] = c
	return c
}

// roll resets the windows which are not current anymore, c.mu must be held
func (c *client) roll(class Class, now time.Time) *[4]counter {
	counters, ok := c.counters[class]
	if !ok {
		counters = new([4]counter)
		c.counters[class] = counters
	}
	for _, w := range windows {
		start := now.Truncate(w.Span())
		if !counters[w].start.Equal(start) {
			counters[w] = counter{start: start}
		}
	}
	return counters
}

// GC drops identities which were idle for a day and are neither blocked
// nor escalated. It returns the number of dropped identities.
func (l *Limiter) GC(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var dropped int
	for id, c := range l.clients {
		c.mu.Lock()
		idle := now.Sub(c.lastSeen) >= Day.Span() &&
			!now.Before(c.blockedUntil) &&
			(c.blocks == 0 || now.Sub(c.blockedUntil) >= l.cfg.MaxBlock)
		c.mu.Unlock()
		if idle {
			delete(l.clients, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked identities
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}
