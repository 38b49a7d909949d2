package plugins

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// RuntimeConfig configures the wazero host for check modules.
type RuntimeConfig struct {
	// Timeout is the default timeout for check calls.
	Timeout time.Duration

	// MemoryLimitPages caps module memory in 64KB pages. Default 256 (16MB).
	MemoryLimitPages uint32

	// TempDir is the scratch directory for fs:temp.
	TempDir string
}

// CheckModule is an instantiated plugin ready to execute checks.
//
// The wasm module must export linear memory, malloc, free, and a
// check function with signature
//
//	check(input_ptr: u32, input_len: u32) -> u64
//
// where the return value packs (output_ptr << 32) | output_len and the
// output is a JSON document allocated with the module's own malloc.
type CheckModule struct {
	manifest *Manifest
	runtime  wazero.Runtime
	module   api.Module
	memory   api.Memory
	malloc   api.Function
	free     api.Function
	check    api.Function
	enforcer *Enforcer
	timeout  time.Duration
}

// NewCheckModule instantiates a plugin's wasm module with capability-gated
// host functions.
func NewCheckModule(ctx context.Context, manifest *Manifest, wasmModule []byte, cfg *RuntimeConfig) (*CheckModule, error) {
	if cfg == nil {
		cfg = &RuntimeConfig{}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	enforcer := NewEnforcer(manifest.Raw.Capabilities, cfg.TempDir)

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder("env")
	registerHostFunctions(builder, enforcer)
	if _, err := builder.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	module, err := runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate wasm module: %w", err)
	}

	cm := &CheckModule{
		manifest: manifest,
		runtime:  runtime,
		module:   module,
		enforcer: enforcer,
		timeout:  cfg.Timeout,
	}

	if err := cm.bindExports(); err != nil {
		module.Close(ctx)
		runtime.Close(ctx)
		return nil, err
	}

	return cm, nil
}

// bindExports resolves the required module exports.
func (m *CheckModule) bindExports() error {
	m.memory = m.module.Memory()
	if m.memory == nil {
		return fmt.Errorf("wasm module does not export memory")
	}

	for _, export := range []struct {
		name string
		dst  *api.Function
	}{
		{"malloc", &m.malloc},
		{"free", &m.free},
		{"check", &m.check},
	} {
		fn := m.module.ExportedFunction(export.name)
		if fn == nil {
			return fmt.Errorf("wasm module does not export %s function", export.name)
		}
		*export.dst = fn
	}

	return nil
}

// registerHostFunctions exposes capability-gated host calls to the module.
func registerHostFunctions(builder wazero.HostModuleBuilder, enforcer *Enforcer) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, urlPtr, urlLen, methodPtr, methodLen uint32) uint64 {
			urlBytes, ok := mod.Memory().Read(urlPtr, urlLen)
			if !ok {
				return packError("failed to read URL from memory")
			}
			methodBytes, ok := mod.Memory().Read(methodPtr, methodLen)
			if !ok {
				return packError("failed to read method from memory")
			}

			resp, err := enforcer.HTTPRequest(ctx, string(methodBytes), string(urlBytes), nil)
			if err != nil {
				return packError(err.Error())
			}
			defer resp.Body.Close()

			return uint64(resp.StatusCode)
		}).
		Export("http_request")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen, dataPtr, dataLen uint32) uint32 {
			nameBytes, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return 1
			}
			dataBytes, ok := mod.Memory().Read(dataPtr, dataLen)
			if !ok {
				return 1
			}

			if err := enforcer.WriteTempFile(string(nameBytes), dataBytes); err != nil {
				return 1
			}
			return 0
		}).
		Export("write_temp_file")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint64 {
			nameBytes, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return packError("failed to read name from memory")
			}

			data, err := enforcer.ReadTempFile(string(nameBytes))
			if err != nil {
				return packError(err.Error())
			}
			return uint64(len(data))
		}).
		Export("read_temp_file")
}

// packError packs an error flag and message length into a uint64.
// Format: error flag in the upper 32 bits, length in the lower 32.
func packError(msg string) uint64 {
	return uint64(1)<<32 | uint64(len(msg))
}

// Manifest returns the plugin manifest.
func (m *CheckModule) Manifest() *Manifest {
	return m.manifest
}

// Check invokes the module's check export with a JSON request and
// returns the JSON response.
func (m *CheckModule) Check(ctx context.Context, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := m.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate wasm memory: %w", err)
		}
		defer m.deallocate(ctx, ptr)

		if !m.memory.Write(ptr, input) {
			return nil, fmt.Errorf("failed to write input to wasm memory")
		}
		inputPtr = ptr
		inputLen = uint32(len(input))
	}

	results, err := m.check.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("check call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("check returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)

	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := m.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from wasm memory")
	}

	// The module allocated the output buffer; hand it back.
	_ = m.deallocate(ctx, outputPtr)

	return output, nil
}

// Close releases the module and its runtime.
func (m *CheckModule) Close(ctx context.Context) error {
	if err := m.enforcer.Cleanup(); err != nil {
		_ = err
	}

	if m.module != nil {
		if err := m.module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close wasm module: %w", err)
		}
	}
	if m.runtime != nil {
		if err := m.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close wasm runtime: %w", err)
		}
	}
	return nil
}

// allocate reserves memory in the module and returns the pointer.
func (m *CheckModule) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := m.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

// deallocate frees module memory.
func (m *CheckModule) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := m.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
