package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Registry holds plugin manifests and lazily instantiated check modules.
type Registry struct {
	mu sync.Mutex

	// modules maps plugin key (name@version) to instantiated modules.
	modules map[string]*CheckModule

	// manifests maps plugin key to parsed manifests.
	manifests map[string]*Manifest

	// wasmModules maps plugin key to raw wasm bytes.
	wasmModules map[string][]byte

	loader *ManifestLoader
	config *RuntimeConfig
	logger zerolog.Logger

	// allowedCapabilities restricts what registered plugins may request.
	// Empty means no restriction.
	allowedCapabilities map[string]bool
}

// NewRegistry creates a plugin registry rooted at baseDir.
func NewRegistry(baseDir string, config *RuntimeConfig, logger zerolog.Logger) *Registry {
	if config == nil {
		config = &RuntimeConfig{}
	}

	return &Registry{
		modules:             make(map[string]*CheckModule),
		manifests:           make(map[string]*Manifest),
		wasmModules:         make(map[string][]byte),
		loader:              NewManifestLoader(baseDir),
		config:              config,
		logger:              logger.With().Str("component", "plugin-registry").Logger(),
		allowedCapabilities: make(map[string]bool),
	}
}

// SetAllowedCapabilities restricts the capabilities plugins may request.
func (r *Registry) SetAllowedCapabilities(capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.allowedCapabilities = make(map[string]bool, len(capabilities))
	for _, cap := range capabilities {
		r.allowedCapabilities[cap] = true
	}
}

// Register registers a plugin from manifest YAML and wasm bytes.
func (r *Registry) Register(manifestData, wasmModule []byte) error {
	manifest, err := r.loader.LoadFromBytes(manifestData, wasmModule)
	if err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store(manifest, wasmModule)
}

// RegisterFromPath registers a plugin from a manifest file, reading and
// verifying its wasm module.
func (r *Registry) RegisterFromPath(manifestPath string) error {
	manifest, err := r.loader.LoadFromFile(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	wasmModule, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return fmt.Errorf("failed to read wasm module: %w", err)
	}

	if manifest.Raw.Checksum != "" {
		if err := manifest.VerifyChecksum(wasmModule); err != nil {
			return fmt.Errorf("checksum verification failed: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store(manifest, wasmModule)
}

// store records a validated manifest. Callers hold the lock.
func (r *Registry) store(manifest *Manifest, wasmModule []byte) error {
	key := manifest.Key()
	if _, exists := r.manifests[key]; exists {
		return fmt.Errorf("plugin %s already registered", key)
	}

	if err := r.validateCapabilities(manifest.Raw.Capabilities); err != nil {
		return fmt.Errorf("capability validation failed: %w", err)
	}

	r.manifests[key] = manifest
	r.wasmModules[key] = wasmModule

	r.logger.Info().
		Str("plugin", key).
		Strs("capabilities", manifest.Raw.Capabilities).
		Bool("verified", manifest.Verified).
		Msg("plugin registered")
	return nil
}

// ScanDirectory registers every plugin found under dir. Each plugin
// lives in its own subdirectory with a manifest.yaml.
func (r *Registry) ScanDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		manifestPath := filepath.Join(dir, entry.Name(), "manifest.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		if err := r.RegisterFromPath(manifestPath); err != nil {
			r.logger.Warn().Err(err).Str("manifest", manifestPath).Msg("failed to register plugin")
		}
	}

	return nil
}

// Get returns an instantiated check module for a plugin, loading it on
// first use. Version accepts an exact version, "latest" (or empty),
// "~x.y.z" (same minor), or "^x.y.z" (same major).
func (r *Registry) Get(ctx context.Context, name, version string) (*CheckModule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, err := r.resolveVersion(name, version)
	if err != nil {
		return nil, err
	}

	if module, exists := r.modules[key]; exists {
		return module, nil
	}

	manifest := r.manifests[key]
	wasmModule, exists := r.wasmModules[key]
	if !exists {
		return nil, fmt.Errorf("wasm module for plugin %s not found", key)
	}

	module, err := NewCheckModule(ctx, manifest, wasmModule, r.config)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate plugin %s: %w", key, err)
	}

	r.modules[key] = module
	return module, nil
}

// List returns metadata for all registered plugins.
func (r *Registry) List() []ManifestMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()

	metadata := make([]ManifestMetadata, 0, len(r.manifests))
	for _, manifest := range r.manifests {
		metadata = append(metadata, manifest.Raw.Metadata)
	}
	return metadata
}

// Unregister removes a plugin, closing its module if loaded.
func (r *Registry) Unregister(ctx context.Context, name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pluginKey(name, version)

	if module, exists := r.modules[key]; exists {
		if err := module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close plugin: %w", err)
		}
		delete(r.modules, key)
	}

	delete(r.manifests, key)
	delete(r.wasmModules, key)
	return nil
}

// Close closes all instantiated modules and clears the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, module := range r.modules {
		if err := module.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close plugin %s: %w", key, err))
		}
	}

	r.modules = make(map[string]*CheckModule)
	r.manifests = make(map[string]*Manifest)
	r.wasmModules = make(map[string][]byte)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing plugins: %v", errs)
	}
	return nil
}

// validateCapabilities checks requests against the registry allowlist.
// Callers hold the lock.
func (r *Registry) validateCapabilities(capabilities []string) error {
	if len(r.allowedCapabilities) == 0 {
		return nil
	}

	var denied []string
	for _, cap := range capabilities {
		if !r.allowedCapabilities[cap] {
			denied = append(denied, cap)
		}
	}

	if len(denied) > 0 {
		return fmt.Errorf("capabilities not allowed: %v", denied)
	}
	return nil
}

// resolveVersion resolves a version constraint to a registered key.
func (r *Registry) resolveVersion(name, version string) (string, error) {
	if version == "" || version == "latest" {
		return r.matchPrefix(name, name+"@", "latest")
	}

	if strings.HasPrefix(version, "~") {
		parts := strings.Split(version[1:], ".")
		if len(parts) < 2 {
			return "", fmt.Errorf("invalid version format: %s", version)
		}
		return r.matchPrefix(name, name+"@"+parts[0]+"."+parts[1], version)
	}

	if strings.HasPrefix(version, "^") {
		parts := strings.Split(version[1:], ".")
		if len(parts) < 1 {
			return "", fmt.Errorf("invalid version format: %s", version)
		}
		return r.matchPrefix(name, name+"@"+parts[0], version)
	}

	key := pluginKey(name, version)
	if _, exists := r.manifests[key]; !exists {
		return "", fmt.Errorf("plugin %s not found", key)
	}
	return key, nil
}

// matchPrefix returns the highest registered key with the given prefix.
// Plain string comparison; versions in a constraint share a prefix so
// the highest key is the newest.
func (r *Registry) matchPrefix(name, prefix, constraint string) (string, error) {
	var match string
	for key := range r.manifests {
		if strings.HasPrefix(key, prefix) && key > match {
			match = key
		}
	}

	if match == "" {
		return "", fmt.Errorf("no version matching %s found for plugin %s", constraint, name)
	}
	return match, nil
}
