package sandbox

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrProgramNotFound is returned when no program is registered under a name
var ErrProgramNotFound = errors.New("program not found")

// Program is the code a session runs. It is called once per execution on the
// session loop and sets up promises and channels through rt.
type Program func(rt *Runtime) error

// Loader resolves program names
type Loader interface {
	Load(name string) (Program, error)
}

// Registry is a Loader backed by programs registered at init
type Registry struct {
	mu       sync.RWMutex
	programs map[string]Program
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{programs: make(map[string]Program)}
}

// Register adds a program; names are unique
func (r *Registry) Register(name string, p Program) error {
	if name == "" || p == nil {
		return fmt.Errorf("program name and body are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.programs[name]; exists {
		return fmt.Errorf("program %s already registered", name)
	}
	r.programs[name] = p
	return nil
}

// Load returns the program registered under name
func (r *Registry) Load(name string) (Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrProgramNotFound)
	}
	return p, nil
}

// Names lists registered programs in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.programs))
	for name := range r.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
