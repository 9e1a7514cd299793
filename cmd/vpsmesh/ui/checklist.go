package ui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

var spinFrames = [...]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Checklist redraws the current step list in place on a terminal.
type Checklist struct {
	w             io.Writer
	mu            sync.Mutex
	steps         []stepState
	renderedLines int
	frame         int
	started       bool
	stop          chan struct{}
	once          sync.Once
}

func NewChecklist(w io.Writer) *Checklist {
	return &Checklist{w: w, stop: make(chan struct{})}
}

func (c *Checklist) OnSnapshot(snap stepSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = snap.Steps
	c.redrawLocked()
	if !c.started {
		c.started = true
		go c.spin()
	}
}

// Close stops the spinner and leaves the last frame on screen.
func (c *Checklist) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Checklist) spin() {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.frame = (c.frame + 1) % len(spinFrames)
			c.redrawLocked()
			c.mu.Unlock()
		}
	}
}

func (c *Checklist) redrawLocked() {
	if c.renderedLines > 0 {
		fmt.Fprintf(c.w, "\033[%dA", c.renderedLines)
	}
	for _, s := range c.steps {
		fmt.Fprintf(c.w, "\r%s\033[K\n", c.line(s))
	}
	for i := len(c.steps); i < c.renderedLines; i++ {
		fmt.Fprint(c.w, "\r\033[K\n")
	}
	c.renderedLines = max(len(c.steps), c.renderedLines)
}

func (c *Checklist) line(s stepState) string {
	var icon, label string
	switch s.Status {
	case stepRunning:
		icon, label = Accent(spinFrames[c.frame]), s.Title
	case stepDone:
		icon, label = Success("✓"), s.Title
	case stepFailed:
		icon, label = ErrorStyle.Render("✗"), ErrorStyle.Render(s.Title)
	default:
		icon, label = Muted("●"), Muted(s.Title)
	}
	line := stepIndent(s) + icon + " " + label
	if s.Message != "" {
		line += " " + Muted(s.Message)
	}
	return line
}
