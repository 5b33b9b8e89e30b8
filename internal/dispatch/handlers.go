package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc is an in-process tool implementation. It may block on I/O; the
// dispatcher imposes the call deadline through ctx.
type HandlerFunc func(ctx context.Context, action string, params map[string]any) (any, error)

// HandlerTable maps handler locators to in-process functions. LocalFunction
// descriptors reference entries here by their HandlerLocator field.
type HandlerTable struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandlerTable builds an empty table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{handlers: make(map[string]HandlerFunc)}
}

// Register installs a handler under a locator. Re-registering replaces.
func (t *HandlerTable) Register(locator string, fn HandlerFunc) error {
	if locator == "" {
		return fmt.Errorf("handler locator is required")
	}
	if fn == nil {
		return fmt.Errorf("handler %s: function is nil", locator)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[locator] = fn
	return nil
}

// Get returns the handler for a locator.
func (t *HandlerTable) Get(locator string) (HandlerFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.handlers[locator]
	return fn, ok
}

// Locators lists registered locators, sorted, for introspection.
func (t *HandlerTable) Locators() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.handlers))
	for k := range t.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
