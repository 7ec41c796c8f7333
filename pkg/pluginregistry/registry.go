package pluginregistry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"sync/atomic"
)

// Record is the persisted plugins-table row, carrying the
// manifest plus registry-managed bookkeeping.
type Record struct {
	Manifest  Manifest
	Enabled   bool
	Config    map[string]any
	Checksum  string
}

var (
	ErrAlreadyInstalled  = errors.New("pluginregistry: plugin already installed")
	ErrPluginNotFound    = errors.New("pluginregistry: plugin not found")
	ErrVulnerable        = errors.New("pluginregistry: manifest failed the vulnerability scan")
)

// VulnError carries the structured issues from a failed scan.
type VulnError struct {
	Issues []VulnIssue
}

func (e *VulnError) Error() string { return "pluginregistry: manifest failed the vulnerability scan" }
func (e *VulnError) Unwrap() error { return ErrVulnerable }

// Store persists plugin records. MemoryStore and SQLiteStore implement it
// identically.
type Store interface {
	Insert(ctx context.Context, r Record) error
	Update(ctx context.Context, r Record) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
}

// enabledCache is a copy-on-write snapshot of enabled plugin ids, read
// lock-free by concurrent planners and validators; every mutation builds
// and swaps a fresh map.
type enabledCache struct {
	snapshot atomic.Pointer[map[string]Manifest]
}

func (c *enabledCache) load() map[string]Manifest {
	if p := c.snapshot.Load(); p != nil {
		return *p
	}
	return map[string]Manifest{}
}

func (c *enabledCache) set(id string, m Manifest) {
	next := make(map[string]Manifest, len(c.load())+1)
	for k, v := range c.load() {
		next[k] = v
	}
	next[id] = m
	c.snapshot.Store(&next)
}

func (c *enabledCache) evict(id string) {
	cur := c.load()
	if _, ok := cur[id]; !ok {
		return
	}
	next := make(map[string]Manifest, len(cur))
	for k, v := range cur {
		if k != id {
			next[k] = v
		}
	}
	c.snapshot.Store(&next)
}

// Registry implements the plugin CRUD and cache operations.
type Registry struct {
	store Store
	cache enabledCache
	// readPackage loads the installed package bytes for an id, used to
	// compute the install-time and integrity-check checksums. Defaults to
	// reading packagePath given at install time via os.ReadFile.
	readPackage func(packagePath string) ([]byte, error)
}

func New(store Store) *Registry {
	return &Registry{store: store, readPackage: os.ReadFile}
}

// Filter narrows List results.
type Filter struct {
	Origin  Origin
	Enabled *bool
}

// Install validates the manifest, runs the vulnerability scan, computes the
// package checksum, and persists the record, inserting it into the
// enabled-set cache. Fails if id already present.
func (r *Registry) Install(ctx context.Context, manifest Manifest, packagePath string) (*Record, error) {
	if existing, err := r.store.Get(ctx, manifest.ID); err == nil && existing != nil {
		return nil, ErrAlreadyInstalled
	}
	if err := ValidateStructure(manifest); err != nil {
		return nil, err
	}
	if issues := Scan(manifest); len(issues) > 0 {
		return nil, &VulnError{Issues: issues}
	}

	if manifest.Resources == nil {
		manifest.Resources = &Resources{}
	}
	ApplyResourceDefaults(manifest.Resources)

	checksum, err := r.checksumPackage(packagePath)
	if err != nil {
		return nil, err
	}
	manifest.Checksum = checksum

	rec := Record{Manifest: manifest, Enabled: true, Checksum: checksum}
	if err := r.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	r.cache.set(manifest.ID, manifest)
	return &rec, nil
}

// InstallBuiltin is an idempotent upsert for plugins shipped with the
// runtime.
func (r *Registry) InstallBuiltin(ctx context.Context, manifest Manifest) (*Record, error) {
	manifest.Origin = OriginBuiltin
	if err := ValidateStructure(manifest); err != nil {
		return nil, err
	}
	if manifest.Resources == nil {
		manifest.Resources = &Resources{}
	}
	ApplyResourceDefaults(manifest.Resources)

	rec := Record{Manifest: manifest, Enabled: true, Checksum: manifest.Checksum}
	if existing, err := r.store.Get(ctx, manifest.ID); err == nil && existing != nil {
		if err := r.store.Update(ctx, rec); err != nil {
			return nil, err
		}
	} else if err := r.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	r.cache.set(manifest.ID, manifest)
	return &rec, nil
}

func (r *Registry) Uninstall(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.cache.evict(id)
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrPluginNotFound
	}
	return rec, nil
}

func (r *Registry) List(ctx context.Context, filter Filter) ([]Record, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, rec := range all {
		if filter.Origin != "" && rec.Manifest.Origin != filter.Origin {
			continue
		}
		if filter.Enabled != nil && rec.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Enable reloads id into the cache.
func (r *Registry) Enable(ctx context.Context, id string) error {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Enabled = true
	if err := r.store.Update(ctx, *rec); err != nil {
		return err
	}
	r.cache.set(id, rec.Manifest)
	return nil
}

// Disable evicts id from the cache.
func (r *Registry) Disable(ctx context.Context, id string) error {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Enabled = false
	if err := r.store.Update(ctx, *rec); err != nil {
		return err
	}
	r.cache.evict(id)
	return nil
}

func (r *Registry) UpdateConfig(ctx context.Context, id string, kv map[string]any) error {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Config == nil {
		rec.Config = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		rec.Config[k] = v
	}
	return r.store.Update(ctx, *rec)
}

func (r *Registry) GetConfig(ctx context.Context, id string) (map[string]any, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Config, nil
}

func (r *Registry) IsEnabled(id string) bool {
	_, ok := r.cache.load()[id]
	return ok
}

func (r *Registry) GetChecksum(ctx context.Context, id string) (string, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Checksum, nil
}

// LoadCache rebuilds the enabled-set cache from the store, used at startup.
func (r *Registry) LoadCache(ctx context.Context) error {
	all, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]Manifest, len(all))
	for _, rec := range all {
		if rec.Enabled {
			next[rec.Manifest.ID] = rec.Manifest
		}
	}
	r.cache.snapshot.Store(&next)
	return nil
}

// GetManifest is the cache-only synchronous lookup the planner uses; it
// never touches the store.
func (r *Registry) GetManifest(id string) (Manifest, bool) {
	m, ok := r.cache.load()[id]
	return m, ok
}

func (r *Registry) checksumPackage(packagePath string) (string, error) {
	data, err := r.readPackage(packagePath)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
