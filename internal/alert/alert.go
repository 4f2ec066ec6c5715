// Package alert posts operator alerts (pool exhaustion, workflow delivery
// failures, failed sweeps) to Slack and Discord channels.
package alert

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Level is an alert's severity.
type Level string

const (
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// color returns the attachment/embed color for the level.
func (l Level) color() string {
	if l == LevelError {
		return "#a30200"
	}
	return "#daa038"
}

// Field is a labelled value shown under the alert body.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Alert is one operator notification. Key groups repeats of the same
// condition for throttling.
type Alert struct {
	Key    string
	Level  Level
	Title  string
	Body   string
	Fields []Field
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// Multi fans an alert out to every alerter and joins their errors.
type Multi []Alerter

// Alert implements Alerter.
func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttle drops repeats of an alert key inside the cooldown window.
type Throttle struct {
	next     Alerter
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottle wraps next. A zero cooldown passes every alert through.
func NewThrottle(next Alerter, cooldown time.Duration) *Throttle {
	return &Throttle{next: next, cooldown: cooldown, now: time.Now, last: make(map[string]time.Time)}
}

// Alert implements Alerter. Suppressed alerts return nil.
func (t *Throttle) Alert(ctx context.Context, a Alert) error {
	if a.Key != "" && t.cooldown > 0 {
		now := t.now()
		t.mu.Lock()
		if at, ok := t.last[a.Key]; ok && now.Sub(at) < t.cooldown {
			t.mu.Unlock()
			return nil
		}
		t.last[a.Key] = now
		t.mu.Unlock()
	}
	return t.next.Alert(ctx, a)
}

// backoff returns the wait before retry attempt n, capped at limit.
func backoff(base, limit time.Duration, n int) time.Duration {
	wait := base << uint(n)
	if wait <= 0 || wait > limit {
		wait = limit
	}
	return wait
}

const maxRetries = 3

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
