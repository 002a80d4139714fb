package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/dataset"
	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/identity"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
)

// ConfigFileName is the project definition file inside each project dir.
const ConfigFileName = "llamafarm.yaml"

// Summary is the listing shape for one stored project.
type Summary struct {
	Name      string    `json:"name"`
	Namespace string    `json:"namespace"`
	Version   string    `json:"version,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Databases int       `json:"databases"`
	Datasets  int       `json:"datasets"`
}

// DeleteHook runs after a project directory is removed, letting sibling
// subsystems (sessions, vector stores, model state) release what they held
// for the project.
type DeleteHook func(namespace, project string)

// Registry stores projects on disk, one directory per (namespace, project)
// under the data root. Configs are cached after first load and invalidated
// on update/delete; the cache holds parsed snapshots only, the YAML file
// stays the source of truth.
type Registry struct {
	root   string
	logger logging.Logger

	mu      sync.RWMutex
	cache   map[string]*Config
	stores  map[string]*dataset.Store
	onEvict []DeleteHook
}

// NewRegistry creates a registry rooted at the data root directory.
func NewRegistry(root string, logger logging.Logger) (*Registry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.InvalidArgumentError("project registry requires a data root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	return &Registry{
		root:   abs,
		logger: logging.OrNop(logger),
		cache:  map[string]*Config{},
		stores: map[string]*dataset.Store{},
	}, nil
}

// Root returns the absolute data root.
func (r *Registry) Root() string { return r.root }

// OnDelete registers a hook invoked after each successful project delete.
func (r *Registry) OnDelete(hook DeleteHook) {
	if hook == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = append(r.onEvict, hook)
}

// Dir returns the project directory, validating both path components.
func (r *Registry) Dir(namespace, project string) (string, error) {
	nsDir, err := identity.SafeJoin(r.root, namespace)
	if err != nil {
		return "", err
	}
	return identity.SafeJoin(nsDir, project)
}

func cacheKey(namespace, project string) string {
	return namespace + ":" + project
}

// Get loads a project config, parsing the YAML on first access.
func (r *Registry) Get(namespace, project string) (*Config, error) {
	key := cacheKey(namespace, project)
	r.mu.RLock()
	cfg, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	dir, err := r.Dir(namespace, project)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("project %s/%s", namespace, project)
		}
		return nil, fmt.Errorf("read project config: %w", err)
	}
	cfg, err = ParseConfig(data)
	if err != nil {
		return nil, err
	}
	cfg.Namespace = namespace

	r.mu.Lock()
	r.cache[key] = cfg
	r.mu.Unlock()
	return cfg, nil
}

// List returns summaries of every project in a namespace, sorted by name.
func (r *Registry) List(namespace string) ([]Summary, error) {
	nsDir, err := identity.SafeJoin(r.root, namespace)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(nsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, nil
		}
		return nil, fmt.Errorf("list namespace %s: %w", namespace, err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cfgPath := filepath.Join(nsDir, entry.Name(), ConfigFileName)
		info, err := os.Stat(cfgPath)
		if err != nil {
			continue
		}
		cfg, err := r.Get(namespace, entry.Name())
		if err != nil {
			r.logger.Warn("skipping unreadable project %s/%s: %v", namespace, entry.Name(), err)
			continue
		}
		summaries = append(summaries, Summary{
			Name:      cfg.Name,
			Namespace: namespace,
			Version:   cfg.Version,
			UpdatedAt: info.ModTime().UTC(),
			Databases: len(cfg.RAG.Databases),
			Datasets:  len(cfg.Datasets),
		})
	}
	return summaries, nil
}

// Create stores a new project. The directory must not already hold one.
func (r *Registry) Create(namespace string, cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, errors.InvalidArgumentError("project config is required")
	}
	cfg.Namespace = namespace
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir, err := r.Dir(namespace, cfg.Name)
	if err != nil {
		return nil, err
	}
	cfgPath := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return nil, errors.ConflictError(fmt.Sprintf("project %s/%s already exists", namespace, cfg.Name))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}
	if err := r.writeConfig(cfgPath, cfg); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[cacheKey(namespace, cfg.Name)] = cfg
	r.mu.Unlock()
	r.logger.Info("created project %s/%s", namespace, cfg.Name)
	return cfg, nil
}

// Update replaces an existing project's config. The name in the body must
// match the path; renames go through create+delete.
func (r *Registry) Update(namespace, project string, cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, errors.InvalidArgumentError("project config is required")
	}
	if cfg.Name == "" {
		cfg.Name = project
	}
	if cfg.Name != project {
		return nil, errors.InvalidArgumentf("config name %q does not match project %q", cfg.Name, project)
	}
	cfg.Namespace = namespace
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir, err := r.Dir(namespace, project)
	if err != nil {
		return nil, err
	}
	cfgPath := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(cfgPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("project %s/%s", namespace, project)
		}
		return nil, fmt.Errorf("stat project config: %w", err)
	}
	if err := r.writeConfig(cfgPath, cfg); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[cacheKey(namespace, project)] = cfg
	r.mu.Unlock()
	r.logger.Info("updated project %s/%s", namespace, project)
	return cfg, nil
}

// Mutate applies fn to a copy-on-write snapshot of the config and persists
// the result. Used for small config edits like dataset file lists.
func (r *Registry) Mutate(namespace, project string, fn func(cfg *Config) error) (*Config, error) {
	current, err := r.Get(namespace, project)
	if err != nil {
		return nil, err
	}
	data, err := current.Marshal()
	if err != nil {
		return nil, err
	}
	fresh, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	fresh.Namespace = namespace
	if err := fn(fresh); err != nil {
		return nil, err
	}
	return r.Update(namespace, project, fresh)
}

// Delete removes a project directory and everything in it: config, datasets,
// vector stores, sessions, event logs. Hooks run after the files are gone.
func (r *Registry) Delete(namespace, project string) error {
	dir, err := r.Dir(namespace, project)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFoundf("project %s/%s", namespace, project)
		}
		return fmt.Errorf("stat project config: %w", err)
	}

	r.mu.Lock()
	delete(r.cache, cacheKey(namespace, project))
	delete(r.stores, cacheKey(namespace, project))
	hooks := make([]DeleteHook, len(r.onEvict))
	copy(hooks, r.onEvict)
	r.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove project dir: %w", err)
	}
	for _, hook := range hooks {
		hook(namespace, project)
	}
	r.logger.Info("deleted project %s/%s", namespace, project)
	return nil
}

// Datasets returns the dataset store for a project, rooted at
// <project>/lf_data/datasets. Implements the ingest pipeline's
// DatasetSource.
func (r *Registry) Datasets(namespace, project string) (*dataset.Store, error) {
	key := cacheKey(namespace, project)
	r.mu.RLock()
	store, ok := r.stores[key]
	r.mu.RUnlock()
	if ok {
		return store, nil
	}

	if _, err := r.Get(namespace, project); err != nil {
		return nil, err
	}
	dir, err := r.Dir(namespace, project)
	if err != nil {
		return nil, err
	}
	store, err = dataset.NewStore(filepath.Join(dir, "lf_data", "datasets"), r.logger)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.stores[key] = store
	r.mu.Unlock()
	return store, nil
}

// writeConfig persists YAML atomically: temp file then rename.
func (r *Registry) writeConfig(path string, cfg *Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write project config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("persist project config: %w", err)
	}
	return nil
}
