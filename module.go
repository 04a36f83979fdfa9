package hive

import (
	"sort"
	"sync"
)

// Module is the factory side of the service module contract: one Module per
// registered name, producing one Instance per launched service.
type Module interface {
	Create() Instance
}

// Instance is one service implementation. Init runs on the launching worker
// before any message is delivered; it installs the message handler through
// ctx.SetCallback. Release tears the instance down after the service has
// left the registry.
type Instance interface {
	Init(ctx *Context, args string) error
	Release()
}

// Signaler is an optional capability: modules that care about signals
// implement it. Signal 0 conventionally requests a cooperative trap, signal
// 1 a memory report. Everything else is module-defined.
type Signaler interface {
	Signal(n int)
}

// Debugger is an optional capability backing the DBGCMD command.
type Debugger interface {
	DebugCommand(cmd string) string
}

// ModuleFunc adapts a plain constructor to the Module interface.
type ModuleFunc func() Instance

func (f ModuleFunc) Create() Instance { return f() }

// moduleRegistry maps module names to factories. Modules register at program
// init (imported for side effects, the way database/sql drivers do); the
// cpath config key is kept for compatibility but resolution happens here.
type moduleRegistry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

func newModuleRegistry() *moduleRegistry {
	return &moduleRegistry{modules: make(map[string]Module)}
}

// register binds name to m. A second registration of the same name keeps the
// first entry, mirroring the double-load rule of the dynamic loader.
func (r *moduleRegistry) register(name string, m Module) Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.modules[name]; ok {
		return existing
	}
	r.modules[name] = m
	return m
}

func (r *moduleRegistry) query(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

func (r *moduleRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for name := range r.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var globalModules = newModuleRegistry()

// RegisterModule makes a service module launchable by name. It returns the
// winning registration, so a duplicate register yields the existing module.
func RegisterModule(name string, m Module) Module {
	return globalModules.register(name, m)
}

// RegisterModuleFunc is RegisterModule for a bare constructor.
func RegisterModuleFunc(name string, f func() Instance) Module {
	return globalModules.register(name, ModuleFunc(f))
}
