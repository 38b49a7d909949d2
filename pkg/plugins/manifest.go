// Package plugins hosts WASM check plugins. A plugin ships as a YAML
// manifest plus a wasm module exporting a `check` function; the registry
// discovers manifests on disk and the runtime executes checks through
// wazero with capability-gated host functions.
package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestMetadata identifies a plugin.
type ManifestMetadata struct {
	// Name is the plugin name, referenced by wasm steps.
	Name string `yaml:"name" json:"name"`

	// Version is the plugin semantic version.
	Version string `yaml:"version" json:"version"`

	// Author is the plugin author.
	Author string `yaml:"author,omitempty" json:"author,omitempty"`

	// License is the plugin license identifier.
	License string `yaml:"license,omitempty" json:"license,omitempty"`

	// Description explains what the plugin checks.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// PluginManifest is the raw manifest as written in manifest.yaml.
type PluginManifest struct {
	// Metadata identifies the plugin.
	Metadata ManifestMetadata `yaml:"metadata"`

	// Entrypoint is the wasm module path, relative to the manifest.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the optional sha256 hex digest of the wasm module.
	Checksum string `yaml:"checksum,omitempty"`

	// Capabilities lists host capabilities the plugin needs.
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// Manifest is a parsed manifest with its resolved module path.
type Manifest struct {
	// Raw is the manifest data from the YAML file.
	Raw *PluginManifest

	// Path is the file the manifest was loaded from, if any.
	Path string

	// WasmPath is the resolved path to the wasm module.
	WasmPath string

	// Verified reports whether the wasm checksum has been verified.
	Verified bool
}

// Key returns the registry key (name@version) for this manifest.
func (m *Manifest) Key() string {
	return pluginKey(m.Raw.Metadata.Name, m.Raw.Metadata.Version)
}

// VerifyChecksum verifies the wasm module against the manifest checksum.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	if m.Raw.Checksum == "" {
		return fmt.Errorf("no checksum in manifest")
	}

	hash := sha256.Sum256(wasmModule)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Raw.Checksum {
		return fmt.Errorf("wasm module checksum mismatch: expected %s, got %s",
			m.Raw.Checksum, computed)
	}

	m.Verified = true
	return nil
}

// ManifestLoader loads and validates plugin manifests.
type ManifestLoader struct {
	// BaseDir resolves relative entrypoints for manifests loaded from bytes.
	BaseDir string
}

// NewManifestLoader creates a manifest loader.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{BaseDir: baseDir}
}

// LoadFromFile loads a manifest from a YAML file and resolves its
// wasm module path.
func (l *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var raw PluginManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := l.validate(&raw); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	manifest := &Manifest{
		Raw:  &raw,
		Path: path,
	}

	if err := l.resolveWasmPath(manifest); err != nil {
		return nil, fmt.Errorf("failed to resolve wasm path: %w", err)
	}

	return manifest, nil
}

// LoadFromBytes loads a manifest from raw YAML, verifying the wasm
// module checksum when the manifest declares one.
func (l *ManifestLoader) LoadFromBytes(data []byte, wasmModule []byte) (*Manifest, error) {
	var raw PluginManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := l.validate(&raw); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	manifest := &Manifest{Raw: &raw}

	if raw.Checksum != "" {
		if err := manifest.VerifyChecksum(wasmModule); err != nil {
			return nil, err
		}
	}

	return manifest, nil
}

// validate checks the required manifest fields.
func (l *ManifestLoader) validate(manifest *PluginManifest) error {
	if manifest.Metadata.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if manifest.Metadata.Version == "" {
		return fmt.Errorf("plugin version is required")
	}
	if manifest.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}

	for _, cap := range manifest.Capabilities {
		if !KnownCapability(cap) {
			return fmt.Errorf("unknown capability: %s", cap)
		}
	}

	return nil
}

// resolveWasmPath resolves the entrypoint to an absolute module path
// and verifies the file exists.
func (l *ManifestLoader) resolveWasmPath(manifest *Manifest) error {
	if filepath.IsAbs(manifest.Raw.Entrypoint) {
		manifest.WasmPath = manifest.Raw.Entrypoint
	} else if manifest.Path != "" {
		manifest.WasmPath = filepath.Join(filepath.Dir(manifest.Path), manifest.Raw.Entrypoint)
	} else {
		manifest.WasmPath = filepath.Join(l.BaseDir, manifest.Raw.Entrypoint)
	}

	if _, err := os.Stat(manifest.WasmPath); err != nil {
		return fmt.Errorf("wasm module not found at %s: %w", manifest.WasmPath, err)
	}

	return nil
}

// pluginKey builds the registry key for a plugin.
func pluginKey(name, version string) string {
	return name + "@" + version
}
