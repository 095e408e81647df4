package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

var ErrModuleNotFound = errors.New("executor: wasm module not found")

// WasmExecutor runs <dir>/<action>.wasm as a WASI command. The payload is
// written to stdin as JSON and stdout must be a JSON object (empty stdout
// yields an empty result). Modules get no filesystem, network, clock or
// environment.
type WasmExecutor struct {
	dir     string
	runtime wazero.Runtime
	config  wazero.ModuleConfig
}

// WasmConfig bounds module execution.
type WasmConfig struct {
	Dir              string
	MemoryLimitBytes uint64
}

func NewWasmExecutor(ctx context.Context, cfg WasmConfig) (*WasmExecutor, error) {
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		rc = rc.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, rc)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("executor: instantiate wasi: %w", err)
	}

	return &WasmExecutor{
		dir:     cfg.Dir,
		runtime: r,
		config:  wazero.NewModuleConfig().WithStartFunctions("_start"),
	}, nil
}

// Has reports whether a module exists for action.
func (w *WasmExecutor) Has(action string) bool {
	path, err := w.modulePath(action)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (w *WasmExecutor) Execute(ctx context.Context, action string, payload map[string]any) (map[string]any, error) {
	path, err := w.modulePath(action)
	if err != nil {
		return nil, err
	}
	code, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, action)
		}
		return nil, fmt.Errorf("executor: read module: %w", err)
	}

	input, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("executor: encode payload: %w", err)
	}

	compiled, err := w.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("executor: compile %s: %w", action, err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	var stdout, stderr bytes.Buffer
	cfg := w.config.
		WithName("").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("executor: %s: %w", action, ctx.Err())
		}
		return nil, fmt.Errorf("executor: run %s: %w", action, err)
	}
	_ = mod.Close(ctx)

	if stderr.Len() > 0 {
		return nil, fmt.Errorf("executor: %s wrote to stderr: %s", action, strings.TrimSpace(stderr.String()))
	}
	result := map[string]any{}
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &result); err != nil {
			return nil, fmt.Errorf("executor: %s returned non-JSON output: %w", action, err)
		}
	}
	return result, nil
}

// Close releases the runtime.
func (w *WasmExecutor) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.runtime.Close(ctx)
}

func (w *WasmExecutor) modulePath(action string) (string, error) {
	if action == "" || action == "." || action == ".." || strings.ContainsAny(action, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return filepath.Join(w.dir, action+".wasm"), nil
}
