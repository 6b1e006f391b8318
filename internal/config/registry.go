package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/pkg/models"
)

// registryFile is the on-disk shape of the workers YAML file.
type registryFile struct {
	Workers []models.WorkerSpec `yaml:"workers"`
}

// Registry is the closed table of worker capability descriptors. Lookups
// are served from the current table; Reload swaps it atomically, so
// supervisors holding a Snapshot keep the descriptors they started with.
type Registry struct {
	mu    sync.RWMutex
	path  string
	specs map[models.WorkerKind]models.WorkerSpec
}

// StaticRegistry is an immutable descriptor table.
type StaticRegistry map[models.WorkerKind]models.WorkerSpec

// Lookup returns the descriptor for the given worker kind.
func (r StaticRegistry) Lookup(kind models.WorkerKind) (models.WorkerSpec, bool) {
	spec, ok := r[kind]
	return spec, ok
}

// LoadRegistry reads the workers YAML file at path. An empty path returns
// the built-in default registry.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if path == "" {
		r.specs = defaultSpecs()
		return r, nil
	}
	specs, err := parseRegistryFile(path)
	if err != nil {
		return nil, err
	}
	r.specs = specs
	return r, nil
}

// Lookup returns the current descriptor for the given worker kind.
func (r *Registry) Lookup(kind models.WorkerKind) (models.WorkerSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[kind]
	return spec, ok
}

// Snapshot returns a frozen copy of the current table. Sessions take a
// snapshot at task start so a hot reload never changes a running workflow.
func (r *Registry) Snapshot() StaticRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(StaticRegistry, len(r.specs))
	for k, v := range r.specs {
		out[k] = v
	}
	return out
}

// Reload re-reads the registry file and swaps the descriptor table.
// Registries without a file are a no-op.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	specs, err := parseRegistryFile(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.specs = specs
	r.mu.Unlock()
	return nil
}

// Path returns the registry file path, or "" for the built-in registry.
func (r *Registry) Path() string {
	return r.path
}

func parseRegistryFile(path string) (map[models.WorkerKind]models.WorkerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workers file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse workers file %s: %w", path, err)
	}
	if len(file.Workers) == 0 {
		return nil, fmt.Errorf("workers file %s defines no workers", path)
	}

	specs := make(map[models.WorkerKind]models.WorkerSpec, len(file.Workers))
	for _, spec := range file.Workers {
		if !spec.Name.Valid() {
			return nil, fmt.Errorf("workers file %s: unknown worker name %q", path, spec.Name)
		}
		if len(spec.Command) == 0 {
			return nil, fmt.Errorf("workers file %s: worker %s has no command", path, spec.Name)
		}
		if _, dup := specs[spec.Name]; dup {
			return nil, fmt.Errorf("workers file %s: duplicate worker %s", path, spec.Name)
		}
		specs[spec.Name] = spec
	}

	for _, kind := range models.PipelineOrder {
		if _, ok := specs[kind]; !ok {
			return nil, fmt.Errorf("workers file %s: missing pipeline worker %s", path, kind)
		}
	}
	return specs, nil
}

// defaultSpecs is the built-in registry: one conductor-worker binary per
// pipeline role, all idempotent.
func defaultSpecs() map[models.WorkerKind]models.WorkerSpec {
	specs := make(map[models.WorkerKind]models.WorkerSpec, len(models.PipelineOrder))
	for _, kind := range models.PipelineOrder {
		specs[kind] = models.WorkerSpec{
			Name:       kind,
			Command:    []string{"conductor-worker", "--role", string(kind)},
			Method:     "run",
			Timeout:    5 * time.Minute,
			Idempotent: true,
		}
	}
	return specs
}
