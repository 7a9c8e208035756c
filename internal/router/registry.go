package router

import (
	"log/slog"
	"sort"
	"sync"
)

// ActionFunc handles one validated client frame.
type ActionFunc func(actx *ActionContext) error

// Registry maps client actions to their handlers.
type Registry struct {
	logger   *slog.Logger
	actions  map[string]ActionFunc
	actionMu sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		actions: make(map[string]ActionFunc),
		logger:  logger.With(slog.String("component", "action_registry")),
	}
}

// RegisterCore installs the built-in client actions.
func (r *Registry) RegisterCore() {
	r.RegisterAction(actionSubscribe, handleSubscribe)
	r.RegisterAction(actionUnsubscribe, handleUnsubscribe)
	r.RegisterAction(actionPing, handlePing)
	r.RegisterAction(actionListSubscriptions, handleListSubscriptions)
	r.logger.Debug("Registered core actions", slog.Int("count", len(r.actions)))
}

func (r *Registry) RegisterAction(name string, fn ActionFunc) {
	r.actionMu.Lock()
	defer r.actionMu.Unlock()
	if _, exists := r.actions[name]; exists {
		panic("action function already registered: " + name)
	}
	r.actions[name] = fn
}

func (r *Registry) Action(name string) (ActionFunc, bool) {
	r.actionMu.RLock()
	defer r.actionMu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

// Names returns every registered action, sorted.
func (r *Registry) Names() []string {
	r.actionMu.RLock()
	defer r.actionMu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
