package scheduling

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"taskgrid/pkg/logx"
)

// Factory produces a fresh Task instance. Requiring a function (rather than
// accepting an instance) pushes the "new instance per run" rule into the
// type system; the runtime probe below catches factories that cheat.
type Factory func() Task

type registration struct {
	desc        Descriptor
	hasDesc     bool
	factory     Factory
	unavailable bool
}

// Registry maps task-type ids to descriptors and factories.
type Registry struct {
	mu    sync.RWMutex
	log   logx.Logger
	types map[string]*registration
}

func NewRegistry(log logx.Logger) *Registry {
	return &Registry{log: log, types: map[string]*registration{}}
}

// Register binds a descriptor and factory to the descriptor's type id.
func (r *Registry) Register(desc Descriptor, factory Factory) error {
	return r.register(desc.TypeID, desc, true, factory)
}

// RegisterType binds a factory to a bare type id; a descriptor with
// conservative defaults is synthesized on lookup.
func (r *Registry) RegisterType(typeID string, factory Factory) error {
	return r.register(typeID, Descriptor{}, false, factory)
}

func (r *Registry) register(typeID string, desc Descriptor, hasDesc bool, factory Factory) error {
	typeID = strings.TrimSpace(typeID)
	if typeID == "" {
		return fmt.Errorf("%w: descriptor needs a type id", ErrInvalidConfig)
	}
	if factory == nil {
		return fmt.Errorf("%w: task type %q has no factory", ErrTypeUnavailable, typeID)
	}

	reg := &registration{desc: desc, hasDesc: hasDesc, factory: factory}

	// Probe the factory: a shared-instance ("singleton") task cannot be
	// independently configured per run and is treated as unavailable.
	if isSharedInstanceFactory(factory) {
		r.log.Warn("task type factory returns a shared instance; type marked unavailable",
			logx.String("type", typeID))
		reg.unavailable = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[typeID]; dup {
		return fmt.Errorf("%w: task type %q already registered", ErrInvalidConfig, typeID)
	}
	r.types[typeID] = reg
	return nil
}

func isSharedInstanceFactory(factory Factory) bool {
	a, b := factory(), factory()
	if a == nil || b == nil {
		return true
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() == reflect.Ptr && vb.Kind() == reflect.Ptr {
		return va.Pointer() == vb.Pointer()
	}
	return false
}

// FindDescriptor returns the descriptor for a type id, synthesizing one for
// types registered without explicit metadata.
func (r *Registry) FindDescriptor(typeID string) (Descriptor, bool) {
	r.mu.RLock()
	reg := r.types[typeID]
	r.mu.RUnlock()
	if reg == nil {
		return Descriptor{}, false
	}
	if !reg.hasDesc {
		return synthesizeDescriptor(typeID), true
	}
	return reg.desc, true
}

// Descriptors lists all registered (available) types.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.types))
	for typeID, reg := range r.types {
		if reg.unavailable {
			continue
		}
		if reg.hasDesc {
			out = append(out, reg.desc)
		} else {
			out = append(out, synthesizeDescriptor(typeID))
		}
	}
	return out
}

// NewInstance produces a fresh task of the given type.
func (r *Registry) NewInstance(typeID string) (Task, error) {
	r.mu.RLock()
	reg := r.types[typeID]
	r.mu.RUnlock()
	if reg == nil || reg.unavailable {
		return nil, fmt.Errorf("%w: %q", ErrTypeUnavailable, typeID)
	}
	t := reg.factory()
	if t == nil {
		return nil, fmt.Errorf("%w: %q factory returned nil", ErrTypeUnavailable, typeID)
	}
	return t, nil
}

// Create validates the configuration, instantiates the task, injects the
// configuration and the owning handle, and returns it ready to run.
func (r *Registry) Create(cfg TaskConfiguration, h Handle) (Task, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t, err := r.NewInstance(cfg.TypeID)
	if err != nil {
		return nil, err
	}
	if err := t.Configure(cfg); err != nil {
		return nil, err
	}
	t.SetTaskHandle(h)
	return t, nil
}
