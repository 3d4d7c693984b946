package loader_test

import (
	"context"
	"debug/pe"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wnxd/microld/filesystem"
	"github.com/wnxd/microld/host"
	"github.com/wnxd/microld/image"
	"github.com/wnxd/microld/internal/loader/amd64"
	"github.com/wnxd/microld/loader"
	"github.com/wnxd/microld/memory"
)

type env struct {
	t      *testing.T
	fs     filesystem.VirtualFS
	mem    memory.AddressSpace
	life   *host.Lifecycle
	opts   loader.Options
	nextVA uint64

	mu    sync.Mutex
	calls []string
}

func newEnv(t *testing.T) *env {
	e := &env{
		t:      t,
		fs:     filesystem.NewVirtualFS(),
		mem:    memory.NewVirtual(0x1000),
		life:   host.NewLifecycle(),
		nextVA: 0x10000000,
	}
	e.opts = loader.Options{
		Memory:    e.mem,
		Probe:     host.NewProbe(e.fs),
		Sections:  host.NewMapper(e.mem, 0x7f0000000000),
		Lifecycle: e.life,
		Policy: loader.Policy{
			SearchPath: "/app;/sys",
		},
	}
	return e
}

// dll returns a builder with a unique preferred base.
func (e *env) dll(name string) *image.Builder {
	base := e.nextVA
	e.nextVA += 0x100000
	b := image.NewBuilder(pe.IMAGE_FILE_MACHINE_AMD64).DLL(name).ImageBase(base)
	b.EntryPoint()
	return b
}

func (e *env) write(name string, b *image.Builder) {
	data, err := b.Build()
	require.NoError(e.t, err)
	require.NoError(e.t, filesystem.WriteAll(e.fs, host.FSPath(name), data, 0o644))
}

// track records attach and detach calls of the named modules.
func (e *env) track(names ...string) {
	for _, name := range names {
		e.life.Register(name, func(_ context.Context, m loader.ModuleInfo, reason host.Reason) error {
			e.record(fmt.Sprintf("%s %s", reason, m.BaseName))
			return nil
		})
	}
}

func (e *env) record(s string) {
	e.mu.Lock()
	e.calls = append(e.calls, s)
	e.mu.Unlock()
}

func (e *env) take() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	calls := e.calls
	e.calls = nil
	return calls
}

func (e *env) loader() loader.Loader {
	ldr, err := amd64.NewAmd64Loader(e.opts)
	require.NoError(e.t, err)
	return ldr
}

// iat returns the resolved import address table of the first descriptor
// naming dll.
func (e *env) iat(ldr loader.Loader, h loader.Handle, dll string) []uint64 {
	ptr := memory.ToPointer(e.mem, uint64(h))
	hdr, err := image.ReadHeaders(ptr)
	require.NoError(e.t, err)
	descs, err := image.ReadImportDescriptors(ptr, hdr)
	require.NoError(e.t, err)
	for _, d := range descs {
		if d.DLL != dll {
			continue
		}
		thunks, err := image.ReadImportThunks(ptr, hdr, d.Source())
		require.NoError(e.t, err)
		values := make([]uint64, len(thunks))
		for i := range thunks {
			values[i], err = image.ReadThunk(ptr, hdr, d.FirstThunk+uint32(i)*hdr.PointerSize())
			require.NoError(e.t, err)
		}
		return values
	}
	e.t.Fatalf("no import of %s", dll)
	return nil
}

func (e *env) view(h loader.Handle) memory.Pointer {
	return memory.ToPointer(e.mem, uint64(h))
}

func (e *env) headers(h loader.Handle) *image.Headers {
	hdr, err := image.ReadHeaders(e.view(h))
	require.NoError(e.t, err)
	return hdr
}

func loaded(t *testing.T, ldr loader.Loader, name string) bool {
	_, err := ldr.GetModuleHandle(context.Background(), name)
	if err != nil {
		require.ErrorIs(t, err, loader.ErrNotFound)
		return false
	}
	return true
}

func info(t *testing.T, ldr loader.Loader, name string) loader.ModuleInfo {
	ctx := context.Background()
	h, err := ldr.GetModuleHandle(ctx, name)
	require.NoError(t, err)
	m, err := ldr.Module(ctx, h)
	require.NoError(t, err)
	return m
}
