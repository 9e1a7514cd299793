package status

import "sync"

// Tracker remembers which tunnel this process brought up. Only one tunnel is
// active at a time.
type Tracker struct {
	mu     sync.Mutex
	active string
}

func (t *Tracker) Set(name string) {
	t.mu.Lock()
	t.active = name
	t.mu.Unlock()
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	t.active = ""
	t.mu.Unlock()
}

// Active returns the tracked tunnel, if any.
func (t *Tracker) Active() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, t.active != ""
}

// Sync asks o which of names is running and tracks the first one found. A
// tracked tunnel that is no longer running is cleared.
func (t *Tracker) Sync(o Oracle, names []string) (string, bool) {
	for _, name := range names {
		if o.IsActive(name) {
			t.Set(name)
			return name, true
		}
	}
	t.Clear()
	return "", false
}
