package limit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownClass reports a serialized limit whose class has no registered
// factory. Callers reloading limit lists skip such entries instead of
// failing the whole reload.
var ErrUnknownClass = errors.New("unknown limit class")

// Factory finishes construction of a hydrated limit: attaching hooks,
// applying class defaults, and validating class-specific attributes.
type Factory func(l *Limit) error

var classes = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: map[string]Factory{}}

// Register adds a limit class to the registry. Classes register at program
// initialization; registering a duplicate name is a programming error.
func Register(name string, factory Factory) {
	classes.mu.Lock()
	defer classes.mu.Unlock()
	if _, ok := classes.factories[name]; ok {
		panic(fmt.Sprintf("limit class %q registered twice", name))
	}
	classes.factories[name] = factory
}

func init() {
	// The base class needs no hooks or extra attributes.
	Register(BaseClass, func(*Limit) error { return nil })
}

// Hydrate reconstructs a limit from its serialized form, dispatching on the
// embedded class identifier. An unregistered class yields ErrUnknownClass.
func Hydrate(raw string) (*Limit, error) {
	var l Limit
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return nil, fmt.Errorf("hydrate limit: %w", err)
	}
	if l.Class == "" {
		l.Class = BaseClass
	}
	classes.mu.RLock()
	factory, ok := classes.factories[l.Class]
	classes.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, l.Class)
	}
	if err := factory(&l); err != nil {
		return nil, fmt.Errorf("hydrate limit class %q: %w", l.Class, err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// SetHooks attaches class behavior to a limit; intended for use by
// registered factories.
func (l *Limit) SetHooks(filter FilterHook, route RouteHook) {
	l.filter = filter
	l.route = route
}
