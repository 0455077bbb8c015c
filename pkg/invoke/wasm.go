package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

// WasmConfig bounds every module run by a WasmInvoker.
type WasmConfig struct {
	MemoryLimitBytes uint64
	Timeout          time.Duration
}

// WasmInvoker runs targets as WASI command modules on wazero.
//
// Each call instantiates the target's module fresh: call data on stdin,
// argv = [target, value], return data from stdout. A non-zero exit, a trap
// or any stderr output fails the call. Deny-by-default: no filesystem, no
// environment, no clocks beyond the WASI defaults.
type WasmInvoker struct {
	runtime wazero.Runtime
	limits  WasmConfig

	mu      sync.RWMutex
	modules map[contracts.Address]wazero.CompiledModule
}

func NewWasmInvoker(ctx context.Context, cfg WasmConfig) (*WasmInvoker, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KiB pages.
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm: instantiate wasi: %w", err)
	}
	return &WasmInvoker{
		runtime: r,
		limits:  cfg,
		modules: make(map[contracts.Address]wazero.CompiledModule),
	}, nil
}

// Register compiles module and binds it to target.
func (w *WasmInvoker) Register(ctx context.Context, target contracts.Address, module []byte) error {
	compiled, err := w.runtime.CompileModule(ctx, module)
	if err != nil {
		return fmt.Errorf("wasm: compile %s: %w", target, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.modules[target]; ok {
		_ = prev.Close(ctx)
	}
	w.modules[target] = compiled
	return nil
}

func (w *WasmInvoker) Invoke(ctx context.Context, target contracts.Address, data []byte, value *big.Int) ([]byte, error) {
	w.mu.RLock()
	compiled, ok := w.modules[target]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no module for %q", contracts.ErrInvalidTarget, target)
	}

	if w.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.limits.Timeout)
		defer cancel()
	}

	amount := "0"
	if value != nil {
		amount = value.String()
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(string(target), amount).
		WithStdin(bytes.NewReader(data)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")

	mod, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		var exit *sys.ExitError
		switch {
		case errors.As(err, &exit) && exit.ExitCode() == 0:
		case ctx.Err() != nil:
			return nil, fmt.Errorf("wasm: execution timed out: %w", ctx.Err())
		case errors.As(err, &exit):
			return nil, fmt.Errorf("wasm: exit code %d: %s", exit.ExitCode(), bytes.TrimSpace(stderr.Bytes()))
		default:
			return nil, fmt.Errorf("wasm: %w", err)
		}
	}
	if stderr.Len() > 0 {
		return stdout.Bytes(), fmt.Errorf("wasm: stderr output: %s", bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

func (w *WasmInvoker) IsExecutable(ctx context.Context, target contracts.Address) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.modules[target]
	return ok, nil
}

// Close releases the runtime and every compiled module.
func (w *WasmInvoker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.runtime.Close(ctx)
}
