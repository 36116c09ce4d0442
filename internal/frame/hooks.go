package frame

// Hook runs at a fixed point of the frame pipeline
type Hook func(dt float64)

type namedHook struct {
	name string
	fn   Hook
}

// Hooks is an ordered list of named callbacks. The update loop invokes it
// directly instead of wrapping the update routine it surrounds.
type Hooks struct {
	hooks []namedHook
}

// Add appends a hook, replacing any hook already registered under name
func (h *Hooks) Add(name string, fn Hook) {
	for i, existing := range h.hooks {
		if existing.name == name {
			h.hooks[i].fn = fn
			return
		}
	}
	h.hooks = append(h.hooks, namedHook{name: name, fn: fn})
}

// Remove unregisters the named hook and reports whether it existed
func (h *Hooks) Remove(name string) bool {
	for i, existing := range h.hooks {
		if existing.name == name {
			h.hooks = append(h.hooks[:i], h.hooks[i+1:]...)
			return true
		}
	}
	return false
}

// Has reports whether a hook is registered under name
func (h *Hooks) Has(name string) bool {
	for _, existing := range h.hooks {
		if existing.name == name {
			return true
		}
	}
	return false
}

// Run invokes every hook in registration order
func (h *Hooks) Run(dt float64) {
	for _, existing := range h.hooks {
		existing.fn(dt)
	}
}

// Len returns the number of registered hooks
func (h *Hooks) Len() int {
	return len(h.hooks)
}
