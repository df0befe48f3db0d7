package hooking

import (
	"sync"
)

// CountingHook counts how often each hook position is invoked.
type CountingHook struct {
	lock   sync.Mutex
	names  []string
	counts map[string]uint64
}

// NewCountingHook creates a new CountingHook.
func NewCountingHook() *CountingHook {
	return &CountingHook{counts: make(map[string]uint64)}
}

// Func counts the position of ctx.
func (h *CountingHook) Func(ctx HookCtx) {
	if ctx.Pos == nil {
		return
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	if _, ok := h.counts[ctx.Pos.Name]; !ok {
		h.names = append(h.names, ctx.Pos.Name)
	}

	h.counts[ctx.Pos.Name]++
}

// Names returns the positions seen, in the order they were first seen.
func (h *CountingHook) Names() []string {
	h.lock.Lock()
	defer h.lock.Unlock()

	return append([]string(nil), h.names...)
}

// Count returns the number of invocations at the position with the given
// name.
func (h *CountingHook) Count(name string) uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.counts[name]
}
