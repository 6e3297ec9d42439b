package matrix

import (
	"context"
	"sync"
	"time"

	"github.com/shawkym/mxview/pkg/log"
)

// Why a call had to wait.
const (
	waitCooldown = "retry_after"
	waitSpacing  = "pace"
)

// Homeservers measure Retry-After from when they answered, so every wait is
// padded by a tenth, within these bounds.
const (
	minPadding = 25 * time.Millisecond
	maxPadding = 500 * time.Millisecond
)

// pacers holds one *Pacer per homeserver.
var pacers sync.Map

// Pacer spaces write calls (sends, state events, invites) to one homeserver
// and holds the Retry-After cooldown that every call to it obeys.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	nextSlot time.Time
	blocked  time.Time
	now      func() time.Time
}

// pacerFor returns the pacer shared by every client of baseURL and applies
// rate to it.
func pacerFor(baseURL string, rate float64) *Pacer {
	v, _ := pacers.LoadOrStore(cleanBaseURL(baseURL), newPacer(0))
	p := v.(*Pacer)
	p.SetRate(rate)
	return p
}

func newPacer(rate float64) *Pacer {
	p := &Pacer{now: time.Now}
	p.SetRate(rate)
	return p
}

// SetRate sets the spacing in writes per second. Zero or less turns
// spacing off; cooldowns still apply.
func (p *Pacer) SetRate(rate float64) {
	var interval time.Duration
	if rate > 0 {
		interval = max(time.Duration(float64(time.Second)/rate), time.Millisecond)
	}
	p.mu.Lock()
	p.interval = interval
	p.mu.Unlock()
}

// Pause blocks every call for at least d.
func (p *Pacer) Pause(d time.Duration) {
	if p == nil || d <= 0 {
		return
	}
	p.mu.Lock()
	if until := p.now().Add(d); until.After(p.blocked) {
		p.blocked = until
	}
	p.mu.Unlock()
}

// Wait blocks until call may go out. Writes take a slot; reads only wait
// out a cooldown.
func (p *Pacer) Wait(ctx context.Context, call string, write bool) error {
	if p == nil {
		return nil
	}
	now := p.now()
	at, why := p.reserve(now, write)
	if !at.After(now) {
		return nil
	}
	d := at.Sub(now)
	d += padding(d)
	log.WithFields(map[string]interface{}{
		"call":    call,
		"reason":  why,
		"wait_ms": d.Milliseconds(),
	}).Debug("holding matrix request")

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// reserve returns when a call arriving at now may start, and why it waits.
func (p *Pacer) reserve(now time.Time, write bool) (time.Time, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start, why := now, ""
	if p.blocked.After(start) {
		start, why = p.blocked, waitCooldown
	}
	if !write || p.interval == 0 {
		return start, why
	}
	if p.nextSlot.After(start) {
		start, why = p.nextSlot, waitSpacing
	}
	p.nextSlot = start.Add(p.interval)
	return start, why
}

func padding(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return min(max(d/10, minPadding), maxPadding)
}
