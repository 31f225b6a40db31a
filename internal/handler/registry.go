package handler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps handler identifiers to factories. Registrations happen at
// startup; resolutions are memoized and may run from many goroutines.
type Registry struct {
	mu        sync.Mutex
	modules   map[string]map[string]Factory // module -> class -> factory
	aliases   map[string]Identifier
	resolved  map[string]resolution
	instances map[Identifier]Handler
}

type resolution struct {
	id      Identifier
	factory Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules:   make(map[string]map[string]Factory),
		aliases:   make(map[string]Identifier),
		resolved:  make(map[string]resolution),
		instances: make(map[Identifier]Handler),
	}
}

// Register adds a factory under module.class and any dot-less aliases.
func (r *Registry) Register(module, class string, factory Factory, aliases ...string) error {
	id := Identifier{Module: module, Class: class}
	if err := id.validate(); err != nil {
		return fmt.Errorf("register handler: %w", err)
	}
	if factory == nil {
		return fmt.Errorf("register handler %s: nil factory", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	classes, ok := r.modules[module]
	if !ok {
		classes = make(map[string]Factory)
		r.modules[module] = classes
	}
	if _, dup := classes[class]; dup {
		return fmt.Errorf("register handler %s: already registered", id)
	}
	for _, a := range aliases {
		if a == "" || strings.Contains(a, ".") {
			return fmt.Errorf("register handler %s: invalid alias %q", id, a)
		}
		if prev, taken := r.aliases[a]; taken {
			return fmt.Errorf("register handler %s: alias %q already points to %s", id, a, prev)
		}
	}

	classes[class] = factory
	for _, a := range aliases {
		r.aliases[a] = id
	}
	return nil
}

// MustRegister is Register for static startup tables.
func (r *Registry) MustRegister(module, class string, factory Factory, aliases ...string) {
	if err := r.Register(module, class, factory, aliases...); err != nil {
		panic(err)
	}
}

// Resolve returns the factory for identifier. Failures are ResolutionError
// values naming the missing module or class.
func (r *Registry) Resolve(identifier string) (Factory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.resolveLocked(identifier)
	if err != nil {
		return nil, err
	}
	return res.factory, nil
}

func (r *Registry) resolveLocked(identifier string) (resolution, error) {
	if res, ok := r.resolved[identifier]; ok {
		return res, nil
	}

	id, err := ParseIdentifier(identifier)
	if err != nil {
		return resolution{}, err
	}
	if id.IsAlias() {
		target, ok := r.aliases[id.Class]
		if !ok {
			return resolution{}, Errorf(ResolutionError, "cannot find module or alias %q", id.Class)
		}
		id = target
	}

	classes, ok := r.modules[id.Module]
	if !ok {
		return resolution{}, Errorf(ResolutionError, "cannot find module %q", id.Module)
	}
	f, ok := classes[id.Class]
	if !ok {
		return resolution{}, Errorf(ResolutionError, "module %q has no class %q", id.Module, id.Class)
	}

	res := resolution{id: id, factory: f}
	r.resolved[identifier] = res
	return res, nil
}

// Instance returns the shared instance for identifier, creating it on first
// use. An alias shares the instance of the handler it points to. Instances
// are never evicted.
func (r *Registry) Instance(identifier string) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.resolveLocked(identifier)
	if err != nil {
		return nil, err
	}
	if h, ok := r.instances[res.id]; ok {
		return h, nil
	}
	h := res.factory()
	if h == nil {
		return nil, Errorf(ResolutionError, "factory for %q returned nil", identifier)
	}
	r.instances[res.id] = h
	return h, nil
}

// Identifiers lists registered module.Class names in sorted order.
func (r *Registry) Identifiers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for module, classes := range r.modules {
		for class := range classes {
			out = append(out, Join(module, class))
		}
	}
	sort.Strings(out)
	return out
}

// Info describes one registered handler.
type Info struct {
	Identifier  string   `json:"identifier"`
	RequestType string   `json:"request_type"`
	Description string   `json:"description"`
	Aliases     []string `json:"aliases,omitempty"`
}

// Describe instantiates each handler once to report its request type and
// description.
func (r *Registry) Describe() []Info {
	ids := r.Identifiers()

	r.mu.Lock()
	byTarget := make(map[string][]string)
	for alias, id := range r.aliases {
		byTarget[id.String()] = append(byTarget[id.String()], alias)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(ids))
	for _, ident := range ids {
		f, err := r.Resolve(ident)
		if err != nil {
			continue
		}
		info := Info{Identifier: ident, Aliases: byTarget[ident]}
		sort.Strings(info.Aliases)
		if h := f(); h != nil {
			info.RequestType = h.RequestType()
			info.Description = h.Description()
		}
		out = append(out, info)
	}
	return out
}
