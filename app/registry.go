package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robmorgan/metronome/logger"
)

var (
	// ErrDependencyCycle is returned when components depend on each other in a loop.
	ErrDependencyCycle = errors.New("app: dependency cycle")
	// ErrUnknownDependency is returned when a component depends on a name nobody registered.
	ErrUnknownDependency = errors.New("app: unknown dependency")
	// ErrDuplicateComponent is returned when two components share a name.
	ErrDuplicateComponent = errors.New("app: duplicate component")
)

// Component is a subsystem with an ordered lifecycle.
type Component interface {
	Name() string
	DependsOn() []string
	Initialize(ctx context.Context) error
	Close() error
}

// Registry initialises components after their dependencies and closes them in reverse.
type Registry struct {
	mu          sync.Mutex
	components  []Component
	initialized []Component
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds components. Order of registration does not matter.
func (r *Registry) Register(cs ...Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components = append(r.components, cs...)
}

// Order resolves the initialisation order. Ties keep registration order.
func (r *Registry) Order() ([]Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return resolve(r.components)
}

func resolve(components []Component) ([]Component, error) {
	byName := make(map[string]Component, len(components))
	for _, c := range components {
		if _, dup := byName[c.Name()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateComponent, c.Name())
		}
		byName[c.Name()] = c
	}
	for _, c := range components {
		for _, dep := range c.DependsOn() {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("%w: %s needs %s", ErrUnknownDependency, c.Name(), dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(components))
	order := make([]Component, 0, len(components))

	var visit func(c Component, path []string) error
	visit = func(c Component, path []string) error {
		switch state[c.Name()] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %v", ErrDependencyCycle, append(path, c.Name()))
		}
		state[c.Name()] = visiting
		for _, dep := range c.DependsOn() {
			if err := visit(byName[dep], append(path, c.Name())); err != nil {
				return err
			}
		}
		state[c.Name()] = done
		order = append(order, c)
		return nil
	}

	for _, c := range components {
		if err := visit(c, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Initialize brings every component up in dependency order. The order is resolved before anything is
// touched; on failure the components already initialised are closed again.
func (r *Registry) Initialize(ctx context.Context) error {
	order, err := r.Order()
	if err != nil {
		return err
	}
	log := logger.GetProjectLogger().WithField("component", "registry")

	for _, c := range order {
		if err := ctx.Err(); err != nil {
			r.Close()
			return err
		}
		log.WithField("name", c.Name()).Debug("initializing component")
		if err := c.Initialize(ctx); err != nil {
			r.Close()
			return fmt.Errorf("app: initializing %s: %w", c.Name(), err)
		}
		r.mu.Lock()
		r.initialized = append(r.initialized, c)
		r.mu.Unlock()
	}
	return nil
}

// Close shuts initialised components down in reverse order and joins their errors.
func (r *Registry) Close() error {
	r.mu.Lock()
	comps := r.initialized
	r.initialized = nil
	r.mu.Unlock()

	var errs []error
	for i := len(comps) - 1; i >= 0; i-- {
		if err := comps[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: closing %s: %w", comps[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// component adapts plain functions to the Component interface.
type component struct {
	name  string
	deps  []string
	init  func(ctx context.Context) error
	close func() error
}

func (c *component) Name() string        { return c.name }
func (c *component) DependsOn() []string { return c.deps }

func (c *component) Initialize(ctx context.Context) error {
	if c.init == nil {
		return nil
	}
	return c.init(ctx)
}

func (c *component) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}
