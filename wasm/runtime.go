// Package wasm hosts compiled Keystone services as WebAssembly modules. A
// worker loads one module per service file and exposes each through its peer
// service table; the module talks back through a small "env" host module.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

type ctxKey int

const invocationKey ctxKey = iota

// invocation carries per-call state into the env host functions. The guest
// writes its result (or error text) back through write_result before
// returning from invoke.
type invocation struct {
	logger *slog.Logger
	result []byte
}

func withInvocation(ctx context.Context, inv *invocation) context.Context {
	return context.WithValue(ctx, invocationKey, inv)
}

func invocationFrom(ctx context.Context) *invocation {
	inv, _ := ctx.Value(invocationKey).(*invocation)
	return inv
}

// Runtime owns the wazero runtime plus the shared env host module. One
// runtime serves all of a worker's service modules.
type Runtime struct {
	logger  *slog.Logger
	runtime wazero.Runtime
}

func NewRuntime(ctx context.Context, logger *slog.Logger) (*Runtime, error) {
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	_, err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(writeResult).Export("write_result").
		NewFunctionBuilder().WithFunc(logMessage).Export("log_message").
		Instantiate(ctx)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiate env module: %w", err)
	}

	return &Runtime{
		logger:  logger.With("component", "wasm"),
		runtime: r,
	}, nil
}

// Close tears down the runtime and every module instantiated from it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// Service is one instantiated module. Invocations are serialized; guest
// memory is not safe for concurrent calls.
type Service struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	module api.Module
	alloc  api.Function
	free   api.Function
	invoke api.Function
}

// LoadService instantiates the module at path. The service name is the file
// basename without extension. The module must export alloc_bytes, free_bytes
// and invoke; its _initialize start function runs during the load.
func (r *Runtime) LoadService(ctx context.Context, path string) (*Service, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	logger := r.logger.With("service", name)

	// Guest stdio is routed to stderr: the worker's stdout carries the
	// host protocol and a printing guest must not corrupt it.
	mod, err := r.runtime.InstantiateWithConfig(
		withInvocation(ctx, &invocation{logger: logger}),
		wasmBytes,
		wazero.NewModuleConfig().
			WithName(name).
			WithStartFunctions("_initialize").
			WithStdout(os.Stderr).
			WithStderr(os.Stderr),
	)
	if err != nil {
		return nil, fmt.Errorf("instantiate service %s: %w", path, err)
	}

	svc := &Service{name: name, logger: logger, module: mod}
	exports := []struct {
		name string
		fn   *api.Function
	}{
		{"alloc_bytes", &svc.alloc},
		{"free_bytes", &svc.free},
		{"invoke", &svc.invoke},
	}
	for _, export := range exports {
		f := mod.ExportedFunction(export.name)
		if f == nil {
			mod.Close(ctx)
			return nil, fmt.Errorf("service %s does not export %s", path, export.name)
		}
		*export.fn = f
	}
	return svc, nil
}

// Name returns the service name derived from the file basename.
func (s *Service) Name() string {
	return s.name
}

// Close releases the module instance.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.module.Close(ctx)
}

// Invoke calls the named entry with JSON args and returns the JSON result
// the guest wrote back. A nonzero guest status becomes an error carrying the
// guest's error text.
func (s *Service) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("null")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inv := &invocation{logger: s.logger}
	ctx = withInvocation(ctx, inv)

	nameHandle, freeName, err := s.writeBytes(ctx, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", s.name, err)
	}
	defer freeName()

	argsHandle, freeArgs, err := s.writeBytes(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", s.name, err)
	}
	defer freeArgs()

	results, err := s.invoke.Call(ctx, uint64(nameHandle), uint64(argsHandle))
	if err != nil {
		return nil, fmt.Errorf("service %s: invoke: %w", s.name, err)
	}
	if status := int32(uint32(results[0])); status != 0 {
		text := string(inv.result)
		if text == "" {
			text = fmt.Sprintf("invoke failed with status %d", status)
		}
		return nil, fmt.Errorf("service %s: %s", s.name, text)
	}
	return json.RawMessage(inv.result), nil
}

// writeBytes copies data into guest memory through the guest allocator,
// returning the handle the guest resolves back to the bytes.
func (s *Service) writeBytes(ctx context.Context, data []byte) (uint32, func(), error) {
	results, err := s.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, nil, fmt.Errorf("alloc_bytes: %w", err)
	}
	handle := uint32(results[0] >> 32)
	ptr := uint32(results[0])
	freeFn := func() {
		if _, err := s.free.Call(ctx, uint64(handle)); err != nil {
			s.logger.Warn("free_bytes failed", "handle", handle, "error", err)
		}
	}
	if len(data) > 0 && !s.module.Memory().Write(ptr, data) {
		freeFn()
		return 0, nil, fmt.Errorf("memory write out of range: ptr=%d len=%d", ptr, len(data))
	}
	return handle, freeFn, nil
}

func writeResult(ctx context.Context, m api.Module, offset, byteCount uint32) {
	inv := invocationFrom(ctx)
	if inv == nil {
		return
	}
	buf, ok := m.Memory().Read(offset, byteCount)
	if !ok {
		inv.logger.Error("Result write out of range", "offset", offset, "bytes", byteCount)
		return
	}
	// The returned slice views guest memory; copy before the guest can
	// reuse it.
	inv.result = make([]byte, len(buf))
	copy(inv.result, buf)
}

func logMessage(ctx context.Context, m api.Module, offset, byteCount uint32) {
	inv := invocationFrom(ctx)
	if inv == nil {
		return
	}
	buf, ok := m.Memory().Read(offset, byteCount)
	if !ok {
		inv.logger.Error("Log message out of range", "offset", offset, "bytes", byteCount)
		return
	}
	inv.logger.Info(string(buf))
}

// DiscoverServices returns the wasm service files directly under dir, sorted
// by name. A missing directory is not an error; a worker may run no compiled
// services at all.
func DiscoverServices(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wasm") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
