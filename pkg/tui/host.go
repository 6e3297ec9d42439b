package tui

import (
	"sync"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// viewportHost exposes a viewport's scroll metrics to the timeline
// controller. Offsets are in lines.
type viewportHost struct {
	vp *viewport.Model
}

func (h viewportHost) ScrollTop() int { return h.vp.YOffset }

func (h viewportHost) SetScrollTop(top int) { h.vp.SetYOffset(top) }

func (h viewportHost) ScrollHeight() int { return h.vp.TotalLineCount() }

func (h viewportHost) ClientHeight() int { return h.vp.Height }

// loopMsg carries a function posted to the UI loop.
type loopMsg struct {
	fn func()
}

// sender is the part of tea.Program used to reach the UI goroutine.
type sender interface {
	Send(msg tea.Msg)
}

// programLoop posts functions onto the bubbletea event loop, where Update
// runs them. Posts made before the program is known are queued.
type programLoop struct {
	mu      sync.Mutex
	p       sender
	pending []func()
}

func (l *programLoop) Post(fn func()) {
	l.mu.Lock()
	p := l.p
	if p == nil {
		l.pending = append(l.pending, fn)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	p.Send(loopMsg{fn: fn})
}

func (l *programLoop) setProgram(p sender) {
	l.mu.Lock()
	l.p = p
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	// Send blocks until the program reads it.
	go func() {
		for _, fn := range pending {
			p.Send(loopMsg{fn: fn})
		}
	}()
}
