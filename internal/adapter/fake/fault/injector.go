// Package fault lets fake adapters fail on demand at named points such as
// "tunnels.save_mirror".
package fault

import (
	"fmt"
	"strings"
	"sync"

	"vpsmesh/internal/check"
)

// Hook inspects the arguments of a call and returns an error to inject.
type Hook func(args ...any) error

type point struct {
	once   []error
	always error
	hook   Hook
}

// Injector holds the configured faults. The zero value is not usable; use
// NewInjector. A nil *Injector never fails.
type Injector struct {
	mu     sync.Mutex
	points map[string]*point
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*point)}
}

// FailOnce queues err for the next evaluation of name. Queued errors are
// returned in order.
func (i *Injector) FailOnce(name string, err error) {
	check.Assert(err != nil, "fault.Injector.FailOnce: err must not be nil")
	i.update(name, func(p *point) { p.once = append(p.once, err) })
}

// FailAlways injects err on every evaluation of name.
func (i *Injector) FailAlways(name string, err error) {
	check.Assert(err != nil, "fault.Injector.FailAlways: err must not be nil")
	i.update(name, func(p *point) { p.always = err })
}

// SetHook installs an argument-aware hook for name.
func (i *Injector) SetHook(name string, hook Hook) {
	check.Assert(hook != nil, "fault.Injector.SetHook: hook must not be nil")
	i.update(name, func(p *point) { p.hook = hook })
}

// Clear removes every fault configured for name.
func (i *Injector) Clear(name string) {
	if i == nil {
		return
	}
	i.mu.Lock()
	delete(i.points, name)
	i.mu.Unlock()
}

// Reset removes all configured faults.
func (i *Injector) Reset() {
	if i == nil {
		return
	}
	i.mu.Lock()
	i.points = make(map[string]*point)
	i.mu.Unlock()
}

// Eval reports the fault for this call of name, checking the hook first,
// then queued errors, then the persistent error.
func (i *Injector) Eval(name string, args ...any) error {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	p := i.points[name]
	if p == nil {
		i.mu.Unlock()
		return nil
	}
	hook, always := p.hook, p.always
	var once error
	if len(p.once) > 0 {
		once, p.once = p.once[0], p.once[1:]
	}
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("injected fault at %s: %w", name, err)
		}
	}
	if once != nil {
		return fmt.Errorf("injected fault at %s: %w", name, once)
	}
	if always != nil {
		return fmt.Errorf("injected fault at %s: %w", name, always)
	}
	return nil
}

func (i *Injector) update(name string, fn func(*point)) {
	check.Assert(i != nil, "fault.Injector: receiver must not be nil")
	check.Assert(strings.TrimSpace(name) != "", "fault.Injector: point name must not be empty")
	if i == nil || strings.TrimSpace(name) == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.points[name]
	if !ok {
		p = &point{}
		i.points[name] = p
	}
	fn(p)
}
