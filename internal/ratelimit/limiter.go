// Package ratelimit provides fixed-window-per-minute rate limiting keyed by
// a logical name and an identifier.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures a fixed-window limiter.
type Config struct {
	// Rate is the number of calls allowed per 60-second window.
	Rate int `yaml:"rate"`
	// Enabled controls whether the limiter rejects anything at all.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a permissive default.
func DefaultConfig() Config {
	return Config{Rate: 60, Enabled: true}
}

const window = 60 * time.Second

// window tracks call timestamps for a single key within the last minute.
type keyWindow struct {
	mu    sync.Mutex
	times []time.Time
}

// prune drops timestamps older than the window, assuming the lock is held.
func (w *keyWindow) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.times = w.times[i:]
	}
}

// check evaluates and, if allowed, records a call at now against rate.
func (w *keyWindow) check(now time.Time, rate int) (allowed bool, wait time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	if len(w.times) < rate {
		w.times = append(w.times, now)
		return true, 0
	}
	oldest := w.times[0]
	wait = window - now.Sub(oldest)
	if wait < 0 {
		wait = 0
	}
	return false, wait
}

func (w *keyWindow) status(now time.Time, rate int) Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	remaining := rate - len(w.times)
	if remaining < 0 {
		remaining = 0
	}
	var wait time.Duration
	if remaining == 0 && len(w.times) > 0 {
		wait = window - now.Sub(w.times[0])
		if wait < 0 {
			wait = 0
		}
	}
	return Status{
		AllowedNow:      remaining > 0,
		Remaining:       remaining,
		WaitTime:        wait,
		WindowSeconds:   int(window.Seconds()),
	}
}

// Limiter enforces a fixed rate per key over a rolling 60-second window.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*keyWindow
	config  Config
	maxKeys int
}

// NewLimiter creates a fixed-window limiter for the given rate.
func NewLimiter(config Config) *Limiter {
	if config.Rate <= 0 {
		config.Rate = DefaultConfig().Rate
	}
	return &Limiter{
		windows: make(map[string]*keyWindow),
		config:  config,
		maxKeys: 10000,
	}
}

// Check reports whether key is allowed now and, if not, how long to wait.
func (l *Limiter) Check(key string) (allowed bool, wait time.Duration) {
	if !l.config.Enabled {
		return true, 0
	}
	return l.getWindow(key).check(time.Now(), l.config.Rate)
}

// Allow is a convenience wrapper around Check that discards the wait time.
func (l *Limiter) Allow(key string) bool {
	allowed, _ := l.Check(key)
	return allowed
}

func (l *Limiter) getWindow(key string) *keyWindow {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	if len(l.windows) >= l.maxKeys {
		l.prune()
	}
	w = &keyWindow{}
	l.windows[key] = w
	return w
}

// prune drops keys whose window has fully emptied. Must hold l.mu.
func (l *Limiter) prune() {
	now := time.Now()
	for key, w := range l.windows {
		w.mu.Lock()
		w.prune(now)
		empty := len(w.times) == 0
		w.mu.Unlock()
		if empty {
			delete(l.windows, key)
		}
	}
}

// WaitTime returns how long until key would be allowed again.
func (l *Limiter) WaitTime(key string) time.Duration {
	return l.GetStatus(key).WaitTime
}

// Reset clears the window for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Status reports the current state for a key without consuming a slot.
type Status struct {
	Key           string        `json:"key"`
	AllowedNow    bool          `json:"allowed_now"`
	Remaining     int           `json:"remaining"`
	WaitTime      time.Duration `json:"wait_time"`
	WindowSeconds int           `json:"window_seconds"`
}

// GetStatus reports status for a key without recording a call.
func (l *Limiter) GetStatus(key string) Status {
	if !l.config.Enabled {
		return Status{Key: key, AllowedNow: true, Remaining: l.config.Rate, WindowSeconds: int(window.Seconds())}
	}
	st := l.getWindow(key).status(time.Now(), l.config.Rate)
	st.Key = key
	return st
}

// CompositeKey joins parts into a single rate-limit key.
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

// MultiLimiter checks a key against several limiters (e.g. a global API
// budget composed with a per-user budget).
type MultiLimiter struct {
	limiters []*Limiter
}

// NewMultiLimiter builds a MultiLimiter over the given limiters.
func NewMultiLimiter(limiters ...*Limiter) *MultiLimiter {
	return &MultiLimiter{limiters: limiters}
}

// Check evaluates every limiter for key, recording the call in each that
// allows it (callers that deny any limiter shouldn't count against others,
// but since the window check is side-effecting we record only while all
// upstream checks have passed; on the first rejection we stop early).
func (m *MultiLimiter) Check(key string) (allowed bool, wait time.Duration) {
	for _, l := range m.limiters {
		ok, w := l.Check(key)
		if !ok {
			if w > wait {
				wait = w
			}
			allowed = false
			return false, wait
		}
	}
	return true, 0
}

// Allow checks if all limiters allow the request.
func (m *MultiLimiter) Allow(key string) bool {
	allowed, _ := m.Check(key)
	return allowed
}

// WaitTime returns the maximum wait time across all limiters.
func (m *MultiLimiter) WaitTime(key string) time.Duration {
	var maxWait time.Duration
	for _, l := range m.limiters {
		wait := l.WaitTime(key)
		if wait > maxWait {
			maxWait = wait
		}
	}
	return maxWait
}
