package loader_test

import (
	"context"
	"debug/pe"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnxd/microld/filesystem"
	"github.com/wnxd/microld/host"
	"github.com/wnxd/microld/image"
	"github.com/wnxd/microld/loader"
	"golang.org/x/sync/errgroup"
)

// chain writes a.dll -> b.dll -> c.dll, each importing "f" from the next.
func chain(e *env) {
	c := e.dll("c.dll")
	c.Export("f")
	e.write("/sys/c.dll", c)
	b := e.dll("b.dll")
	b.Export("f")
	b.Import("c.dll", image.NamedThunk(0, "f"))
	e.write("/sys/b.dll", b)
	a := e.dll("a.dll")
	a.Import("b.dll", image.NamedThunk(0, "f"))
	e.write("/app/a.dll", a)
}

func TestLoadIsIdempotent(t *testing.T) {
	e := newEnv(t)
	chain(e)
	ldr := e.loader()
	ctx := context.Background()

	h1, err := ldr.LoadModule(ctx, "a.dll")
	require.NoError(t, err)
	h2, err := ldr.LoadModule(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.EqualValues(t, 2, info(t, ldr, "a.dll").LoadCount)
	assert.EqualValues(t, 2, info(t, ldr, "c.dll").LoadCount)

	require.NoError(t, ldr.UnloadModule(ctx, h1))
	assert.True(t, loaded(t, ldr, "a.dll"))
	require.NoError(t, ldr.UnloadModule(ctx, h1))
	assert.False(t, loaded(t, ldr, "a.dll"))
	assert.False(t, loaded(t, ldr, "c.dll"))
	assert.ErrorIs(t, ldr.UnloadModule(ctx, h1), loader.ErrInvalidHandle)
}

func TestDependencyOrder(t *testing.T) {
	e := newEnv(t)
	chain(e)
	e.track("a.dll", "b.dll", "c.dll")
	ldr := e.loader()
	ctx := context.Background()

	var events []string
	_, err := ldr.RegisterNotification(ctx, func(_ context.Context, ev loader.Event) {
		events = append(events, ev.Kind.String()+" "+ev.Module.BaseName)
	})
	require.NoError(t, err)

	h, err := ldr.LoadModule(ctx, "a.dll")
	require.NoError(t, err)
	assert.Equal(t, []string{"attach c.dll", "attach b.dll", "attach a.dll"}, e.take())
	assert.Equal(t, []string{"loaded c.dll", "loaded b.dll", "loaded a.dll"}, events)

	var order []string
	require.NoError(t, ldr.EnumerateLoadedModules(ctx, func(_ context.Context, m loader.ModuleInfo) bool {
		order = append(order, m.BaseName)
		assert.Equal(t, loader.StateInitialized, m.State)
		assert.NotZero(t, m.Flags&loader.FlagAttached)
		return true
	}))
	assert.Equal(t, []string{"a.dll", "b.dll", "c.dll"}, order)

	events = nil
	require.NoError(t, ldr.UnloadModule(ctx, h))
	assert.Equal(t, []string{"detach a.dll", "detach b.dll", "detach c.dll"}, e.take())
	assert.Equal(t, []string{"unloaded a.dll", "unloaded b.dll", "unloaded c.dll"}, events)
}

func TestReferenceSymmetry(t *testing.T) {
	e := newEnv(t)
	chain(e)
	ldr := e.loader()
	ctx := context.Background()

	hb, err := ldr.LoadModule(ctx, "b.dll")
	require.NoError(t, err)
	ha, err := ldr.LoadModule(ctx, "a.dll")
	require.NoError(t, err)
	assert.EqualValues(t, 2, info(t, ldr, "b.dll").LoadCount)
	assert.EqualValues(t, 2, info(t, ldr, "c.dll").LoadCount)

	require.NoError(t, ldr.UnloadModule(ctx, ha))
	assert.False(t, loaded(t, ldr, "a.dll"))
	assert.EqualValues(t, 1, info(t, ldr, "b.dll").LoadCount)
	assert.EqualValues(t, 1, info(t, ldr, "c.dll").LoadCount)

	require.NoError(t, ldr.UnloadModule(ctx, hb))
	assert.False(t, loaded(t, ldr, "b.dll"))
	assert.False(t, loaded(t, ldr, "c.dll"))
}

func TestImportsResolve(t *testing.T) {
	e := newEnv(t)
	c := e.dll("c.dll")
	bar := c.Export("bar")
	c.ExportOrdinal(7, "")
	e.write("/sys/c.dll", c)

	b := e.dll("b.dll")
	b.Forward("foo", "c.bar")
	b.Forward("seven", "c.#7")
	own := b.Export("own")
	e.write("/sys/b.dll", b)

	a := e.dll("a.dll")
	a.Import("b.dll", image.NamedThunk(0, "foo"), image.NamedThunk(0, "own"), image.NamedThunk(0, "seven"))
	e.write("/app/a.dll", a)

	ldr := e.loader()
	ctx := context.Background()
	ha, err := ldr.LoadModule(ctx, "a.dll")
	require.NoError(t, err)
	mb, mc := info(t, ldr, "b.dll"), info(t, ldr, "c.dll")
	iat := e.iat(ldr, ha, "b.dll")
	require.Len(t, iat, 3)
	assert.Equal(t, mc.Base+uint64(bar), iat[0])
	assert.Equal(t, mb.Base+uint64(own), iat[1])
	assert.NotZero(t, iat[2])

	addr, err := ldr.GetProcedureAddress(ctx, mb.Handle, loader.ByName("foo"))
	require.NoError(t, err)
	assert.Equal(t, iat[0], addr)
	addr, err = ldr.GetProcedureAddress(ctx, mc.Handle, loader.ByOrdinal(7))
	require.NoError(t, err)
	assert.Equal(t, iat[2], addr)

	_, err = ldr.GetProcedureAddress(ctx, mb.Handle, loader.ByName("missing"))
	assert.ErrorIs(t, err, loader.ErrProcedureNotFound)
	assert.ErrorIs(t, err, loader.ErrNotFound)
	var perr *loader.ProcedureError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "b.dll", perr.Module)
	_, err = ldr.GetProcedureAddress(ctx, mc.Handle, loader.ByOrdinal(99))
	assert.ErrorIs(t, err, loader.ErrOrdinalNotFound)
	_, err = ldr.GetProcedureAddress(ctx, loader.Handle(0x1234), loader.ByName("foo"))
	assert.ErrorIs(t, err, loader.ErrInvalidHandle)

	require.NoError(t, ldr.UnloadModule(ctx, ha))
	assert.False(t, loaded(t, ldr, "b.dll"))
	// the dynamic lookup through b.dll holds its own reference
	assert.True(t, loaded(t, ldr, "c.dll"))
}

func TestForwarderDepth(t *testing.T) {
	e := newEnv(t)
	e.opts.Policy.MaxForwarderDepth = 2
	for i, name := range []string{"d", "c", "b"} {
		m := e.dll(name + ".dll")
		if i == 0 {
			m.Export("f")
		} else {
			m.Forward("f", []string{"d", "c", "b"}[i-1]+".f")
		}
		e.write("/sys/"+name+".dll", m)
	}
	a := e.dll("a.dll")
	a.Forward("f", "b.f")
	e.write("/sys/a.dll", a)

	ldr := e.loader()
	ctx := context.Background()
	hb, err := ldr.LoadModule(ctx, "b.dll")
	require.NoError(t, err)
	_, err = ldr.GetProcedureAddress(ctx, hb, loader.ByName("f"))
	require.NoError(t, err)

	ha, err := ldr.LoadModule(ctx, "a.dll")
	require.NoError(t, err)
	_, err = ldr.GetProcedureAddress(ctx, ha, loader.ByName("f"))
	assert.ErrorIs(t, err, loader.ErrRecursionTooDeep)
}

func TestPinModule(t *testing.T) {
	e := newEnv(t)
	chain(e)
	ldr := e.loader()
	ctx := context.Background()

	h, err := ldr.LoadModule(ctx, "a.dll")
	require.NoError(t, err)
	require.NoError(t, ldr.PinModule(ctx, h))
	for _, name := range []string{"a.dll", "b.dll", "c.dll"} {
		m := info(t, ldr, name)
		assert.True(t, m.Pinned(), name)
		assert.EqualValues(t, loader.PinnedCount, m.LoadCount)
	}
	for range 3 {
		require.NoError(t, ldr.UnloadModule(ctx, h))
	}
	assert.True(t, loaded(t, ldr, "a.dll"))
	_, err = ldr.LoadModule(ctx, "b.dll")
	require.NoError(t, err)
	assert.EqualValues(t, loader.PinnedCount, info(t, ldr, "b.dll").LoadCount)
}

func TestBoundImports(t *testing.T) {
	const stamp = 0x5f000000
	for _, tc := range []struct {
		name     string
		stamp    uint32
		disabled bool
		kept     bool
	}{
		{name: "current", stamp: stamp, kept: true},
		{name: "stale", stamp: stamp + 1},
		{name: "disabled", stamp: stamp, disabled: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.opts.Policy.DisableBoundImports = tc.disabled
			base := e.nextVA
			b := e.dll("b.dll").Timestamp(stamp)
			foo := b.Export("foo")
			e.write("/sys/b.dll", b)

			// the prebound address is off by one to tell a kept binding
			// from a recomputed one
			a := e.dll("a.dll")
			a.Import("b.dll", image.NamedThunk(0, "foo")).Bind("b.dll", tc.stamp, base+uint64(foo)+1)
			e.write("/app/a.dll", a)

			ldr := e.loader()
			h, err := ldr.LoadModule(context.Background(), "a.dll")
			require.NoError(t, err)
			mb := info(t, ldr, "b.dll")
			expect := mb.Base + uint64(foo)
			if tc.kept {
				expect++
			}
			assert.Equal(t, []uint64{expect}, e.iat(ldr, h, "b.dll"))
		})
	}
}

func TestMissingDependency(t *testing.T) {
	e := newEnv(t)
	a := e.dll("a.dll")
	a.Import("z.dll", image.NamedThunk(0, "f"))
	e.write("/app/a.dll", a)
	ldr := e.loader()
	ctx := context.Background()

	var events []string
	_, err := ldr.RegisterNotification(ctx, func(_ context.Context, ev loader.Event) {
		events = append(events, ev.Kind.String()+" "+ev.Module.BaseName)
	})
	require.NoError(t, err)

	_, err = ldr.LoadModule(ctx, "a.dll")
	require.ErrorIs(t, err, loader.ErrNotFound)
	var le *loader.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "z.dll", le.Name)
	assert.Equal(t, []string{"a.dll", "z.dll"}, le.Chain)
	assert.False(t, loaded(t, ldr, "a.dll"))
	assert.Empty(t, events)

	_, err = ldr.LoadModule(ctx, "nothere")
	assert.ErrorIs(t, err, loader.ErrNotFound)
}

func TestMissingDependencyReported(t *testing.T) {
	e := newEnv(t)
	a := e.dll("a.dll")
	a.Import("z.dll", image.NamedThunk(0, "f"))
	e.write("/app/a.dll", a)
	var reports []loader.HardError
	e.opts.Policy.Interactive = true
	e.opts.HardError = host.ReporterFunc(func(_ context.Context, he loader.HardError) loader.Response {
		reports = append(reports, he)
		return loader.ResponseAbort
	})
	ldr := e.loader()

	_, err := ldr.LoadModule(context.Background(), "a.dll")
	require.ErrorIs(t, err, loader.ErrNotFound)
	require.Len(t, reports, 1)
	assert.Equal(t, loader.HardErrorDllNotFound, reports[0].Kind)
	assert.Equal(t, "a.dll", reports[0].Module)
	assert.Equal(t, "z.dll", reports[0].Detail)

	// dynamic requests are not reported
	_, err = ldr.LoadModule(context.Background(), "nothere.dll")
	require.ErrorIs(t, err, loader.ErrNotFound)
	assert.Len(t, reports, 1)
}

func TestMissingProcedure(t *testing.T) {
	e := newEnv(t)
	b := e.dll("b.dll")
	b.Export("f")
	e.write("/sys/b.dll", b)
	a := e.dll("a.dll")
	a.Import("b.dll", image.NamedThunk(0, "g"))
	e.write("/app/a.dll", a)

	var reports []loader.HardError
	e.opts.Policy.Interactive = true
	e.opts.HardError = host.ReporterFunc(func(_ context.Context, he loader.HardError) loader.Response {
		reports = append(reports, he)
		return loader.ResponseAbort
	})
	ldr := e.loader()
	_, err := ldr.LoadModule(context.Background(), "a.dll")
	assert.ErrorIs(t, err, loader.ErrProcedureNotFound)
	assert.False(t, loaded(t, ldr, "a.dll"))
	// dependencies loaded before the failure stay
	assert.True(t, loaded(t, ldr, "b.dll"))
	require.Len(t, reports, 1)
	assert.Equal(t, loader.HardErrorProcedureNotFound, reports[0].Kind)
}

func TestCycle(t *testing.T) {
	e := newEnv(t)
	e.track("a.dll", "b.dll")
	a := e.dll("a.dll")
	fa := a.Export("fa")
	a.Import("b.dll", image.NamedThunk(0, "fb"))
	e.write("/app/a.dll", a)
	b := e.dll("b.dll")
	fb := b.Export("fb")
	b.Import("a.dll", image.NamedThunk(0, "fa"))
	e.write("/app/b.dll", b)

	ldr := e.loader()
	h, err := ldr.LoadModule(context.Background(), "a.dll")
	require.NoError(t, err)
	ma, mb := info(t, ldr, "a.dll"), info(t, ldr, "b.dll")
	assert.Equal(t, []uint64{mb.Base + uint64(fb)}, e.iat(ldr, h, "b.dll"))
	assert.Equal(t, []uint64{ma.Base + uint64(fa)}, e.iat(ldr, mb.Handle, "a.dll"))
	assert.Equal(t, []string{"attach b.dll", "attach a.dll"}, e.take())
}

func TestConcurrentLoad(t *testing.T) {
	e := newEnv(t)
	chain(e)
	ldr := e.loader()
	ctx := context.Background()

	const n = 16
	handles := make([]loader.Handle, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			h, err := ldr.LoadModule(ctx, "a.dll")
			handles[i] = h
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, h := range handles {
		assert.Equal(t, handles[0], h)
	}
	assert.EqualValues(t, n, info(t, ldr, "a.dll").LoadCount)

	for i := range n {
		g.Go(func() error { return ldr.UnloadModule(ctx, handles[i]) })
	}
	require.NoError(t, g.Wait())
	assert.False(t, loaded(t, ldr, "a.dll"))
	assert.False(t, loaded(t, ldr, "c.dll"))
}

func TestRelocation(t *testing.T) {
	e := newEnv(t)
	first := e.dll("first.dll")
	e.write("/sys/first.dll", first)
	e.nextVA -= 0x100000
	second := e.dll("second.dll")
	target := second.Export("f")
	slot := second.Pointer(target)
	e.write("/sys/second.dll", second)
	ldr := e.loader()
	ctx := context.Background()

	var relocated []string
	_, err := ldr.RegisterNotification(ctx, func(_ context.Context, ev loader.Event) {
		if ev.Relocated {
			relocated = append(relocated, ev.Module.BaseName)
		}
	})
	require.NoError(t, err)
	_, err = ldr.LoadModule(ctx, "first.dll")
	require.NoError(t, err)
	h, err := ldr.LoadModule(ctx, "second.dll")
	require.NoError(t, err)

	m := info(t, ldr, "second.dll")
	assert.NotZero(t, m.Flags&loader.FlagRelocated)
	assert.NotEqual(t, info(t, ldr, "first.dll").Base, m.Base)
	assert.Equal(t, []string{"second.dll"}, relocated)
	v, err := image.ReadThunk(e.view(h), e.headers(h), slot)
	require.NoError(t, err)
	assert.Equal(t, m.Base+uint64(target), v)
	addr, err := ldr.GetProcedureAddress(ctx, h, loader.ByName("f"))
	require.NoError(t, err)
	assert.Equal(t, v, addr)
}

func TestIllegalRelocation(t *testing.T) {
	e := newEnv(t)
	e.opts.Policy.NoRelocate = []string{"fixed.dll"}
	first := e.dll("first.dll")
	e.write("/sys/first.dll", first)
	e.nextVA -= 0x100000
	fixed := e.dll("fixed.dll")
	fixed.Pointer(fixed.Export("f"))
	e.write("/sys/fixed.dll", fixed)
	e.nextVA -= 0x100000
	e.write("/sys/stripped.dll", e.dll("stripped.dll").StripRelocations())
	ldr := e.loader()
	ctx := context.Background()

	_, err := ldr.LoadModule(ctx, "first.dll")
	require.NoError(t, err)
	_, err = ldr.LoadModule(ctx, "fixed.dll")
	assert.ErrorIs(t, err, loader.ErrIllegalRelocation)
	_, err = ldr.LoadModule(ctx, "stripped.dll")
	assert.ErrorIs(t, err, loader.ErrIllegalRelocation)
	assert.False(t, loaded(t, ldr, "fixed.dll"))
}

func TestFileAlias(t *testing.T) {
	e := newEnv(t)
	e.write("/sys/a.dll", e.dll("a.dll"))
	target, err := e.fs.Sub("sys/a.dll")
	require.NoError(t, err)
	require.NoError(t, e.fs.Link("alias/other.dll", filesystem.SoftLink("sys/a.dll", target.(filesystem.FS))))
	ldr := e.loader()
	ctx := context.Background()

	h1, err := ldr.LoadModule(ctx, "/sys/a.dll")
	require.NoError(t, err)
	h2, err := ldr.LoadModule(ctx, "/alias/other.dll")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.EqualValues(t, 2, info(t, ldr, "a.dll").LoadCount)
}

func TestInitFailure(t *testing.T) {
	e := newEnv(t)
	chain(e)
	e.track("a.dll", "c.dll")
	e.life.Register("b.dll", func(context.Context, loader.ModuleInfo, host.Reason) error {
		return errors.New("refused")
	})
	ldr := e.loader()
	ctx := context.Background()

	_, err := ldr.LoadModule(ctx, "a.dll")
	require.ErrorIs(t, err, loader.ErrInitializationFailed)
	var ie *loader.InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "b.dll", ie.Module)
	assert.NotZero(t, ie.EntryPoint)
	assert.Equal(t, []string{"attach c.dll"}, e.take())
	assert.False(t, loaded(t, ldr, "a.dll"))
	assert.False(t, loaded(t, ldr, "b.dll"))
	assert.True(t, loaded(t, ldr, "c.dll"))

	e.life.Register("b.dll", func(context.Context, loader.ModuleInfo, host.Reason) error {
		panic("boom")
	})
	_, err = ldr.LoadModule(ctx, "b.dll")
	require.ErrorAs(t, err, &ie)
	v, ok := ie.Panic()
	assert.True(t, ok)
	assert.Equal(t, "boom", v)
	assert.Contains(t, err.Error(), "[Panic] module: b.dll")
}

func TestNotifications(t *testing.T) {
	e := newEnv(t)
	chain(e)
	ldr := e.loader()
	ctx := context.Background()

	var got []loader.Event
	cookie, err := ldr.RegisterNotification(ctx, func(_ context.Context, ev loader.Event) {
		got = append(got, ev)
	})
	require.NoError(t, err)
	_, err = ldr.RegisterNotification(ctx, func(context.Context, loader.Event) {
		panic("subscriber")
	})
	require.NoError(t, err)

	h, err := ldr.LoadModule(ctx, "c.dll")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, loader.EventLoaded, got[0].Kind)
	assert.Equal(t, h, got[0].Module.Handle)
	assert.EqualValues(t, 1, got[0].Module.LoadCount)

	require.NoError(t, ldr.UnregisterNotification(ctx, cookie))
	assert.ErrorIs(t, ldr.UnregisterNotification(ctx, cookie), loader.ErrNotFound)
	require.NoError(t, ldr.UnloadModule(ctx, h))
	assert.Len(t, got, 1)
}

func TestReentrantCallbacks(t *testing.T) {
	e := newEnv(t)
	chain(e)
	extra := e.dll("extra.dll")
	e.write("/sys/extra.dll", extra)
	e.track("extra.dll")
	ldr := e.loader()
	ctx := context.Background()

	e.life.Register("a.dll", func(ctx context.Context, m loader.ModuleInfo, reason host.Reason) error {
		if reason != host.ProcessAttach {
			return nil
		}
		if _, err := ldr.GetModuleHandle(ctx, "b.dll"); err != nil {
			return err
		}
		_, err := ldr.LoadModule(ctx, "extra.dll")
		return err
	})
	_, err := ldr.RegisterNotification(ctx, func(ctx context.Context, ev loader.Event) {
		if ev.Kind == loader.EventLoaded {
			_, err := ldr.Module(ctx, ev.Module.Handle)
			assert.NoError(t, err)
		}
	})
	require.NoError(t, err)

	_, err = ldr.LoadModule(ctx, "a.dll")
	require.NoError(t, err)
	assert.True(t, loaded(t, ldr, "extra.dll"))
	assert.Equal(t, []string{"attach extra.dll"}, e.take())

	require.NoError(t, ldr.EnumerateLoadedModules(ctx, func(ctx context.Context, m loader.ModuleInfo) bool {
		if m.BaseName == "extra.dll" {
			assert.NoError(t, ldr.UnloadModule(ctx, m.Handle))
		}
		return true
	}))
	assert.False(t, loaded(t, ldr, "extra.dll"))
}

func TestNameTooLong(t *testing.T) {
	e := newEnv(t)
	ldr := e.loader()
	_, err := ldr.LoadModule(context.Background(), strings.Repeat("x", 300))
	assert.ErrorIs(t, err, loader.ErrNameTooLong)

	e.opts.Policy.SearchPath = "/" + strings.Repeat("d", 250)
	ldr = e.loader()
	_, err = ldr.LoadModule(context.Background(), "short.dll")
	assert.ErrorIs(t, err, loader.ErrNameTooLong)
}

func TestRecursionDepth(t *testing.T) {
	e := newEnv(t)
	chain(e)
	e.opts.Policy.MaxLoadDepth = 2
	ldr := e.loader()
	_, err := ldr.LoadModule(context.Background(), "a.dll")
	assert.ErrorIs(t, err, loader.ErrRecursionTooDeep)
	assert.False(t, loaded(t, ldr, "a.dll"))
}

func TestWithoutInitializers(t *testing.T) {
	e := newEnv(t)
	chain(e)
	e.track("a.dll", "b.dll", "c.dll")
	ldr := e.loader()
	ctx := context.Background()

	_, err := ldr.LoadModule(ctx, "a.dll", loader.WithoutInitializers())
	require.NoError(t, err)
	assert.Empty(t, e.take())
	assert.Equal(t, loader.StateImportsBound, info(t, ldr, "a.dll").State)

	_, err = ldr.LoadModule(ctx, "b.dll")
	require.NoError(t, err)
	assert.Equal(t, []string{"attach c.dll", "attach b.dll", "attach a.dll"}, e.take())
}

func TestSearchAndRedirect(t *testing.T) {
	e := newEnv(t)
	e.write("/sys/b.dll", e.dll("b.dll"))
	e.write("/other/b.dll", e.dll("b.dll"))
	e.write("/other/noext", e.dll("noext"))
	e.write("/redir/b.dll", e.dll("b.dll"))
	r := host.NewRedirector()
	r.Add("legacy.dll", "/redir/b.dll")
	e.opts.Redirector = r
	ldr := e.loader()
	ctx := context.Background()

	h1, err := ldr.LoadModule(ctx, "B.DLL")
	require.NoError(t, err)
	h2, err := ldr.LoadModule(ctx, "b.dll", loader.WithSearchPath("/other"))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	h, err := ldr.LoadModule(ctx, "/sys/b.dll")
	require.NoError(t, err)
	assert.Equal(t, h1, h)

	h3, err := ldr.LoadModule(ctx, "legacy.dll")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
	assert.NotEqual(t, h2, h3)
	m, err := ldr.Module(ctx, h3)
	require.NoError(t, err)
	assert.Equal(t, "/redir/b.dll", m.FullPath)
	assert.NotZero(t, m.Flags&loader.FlagRedirected)
	h, err = ldr.LoadModule(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, h3, h)
	m2, err := ldr.Module(ctx, h)
	require.NoError(t, err)
	assert.EqualValues(t, 2, m2.LoadCount)

	_, err = ldr.LoadModule(ctx, "noext.", loader.WithSearchPath("/other"))
	require.NoError(t, err)

	h, err = ldr.GetModuleHandle(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, h3, h)
	h, err = ldr.GetModuleHandleByAddress(ctx, m.Base+m.Size-1)
	require.NoError(t, err)
	assert.Equal(t, h3, h)
	_, err = ldr.GetModuleHandleByAddress(ctx, 1)
	assert.ErrorIs(t, err, loader.ErrNotFound)
}

// exactRedirect redirects whole names only.
type exactRedirect map[string]string

func (r exactRedirect) Redirect(name string) (string, bool, error) {
	target, ok := r[strings.ToLower(name)]
	return target, ok, nil
}

func TestStaticImportRedirected(t *testing.T) {
	e := newEnv(t)
	for _, name := range []string{"/lib/foo.dll", "/sxs/foo.dll"} {
		foo := e.dll("foo.dll")
		foo.Export("f")
		e.write(name, foo)
	}
	a := e.dll("a.dll")
	a.Import("foo.dll", image.NamedThunk(0, "f"))
	e.write("/app/a.dll", a)
	e.opts.Redirector = exactRedirect{"foo.dll": "/sxs/foo.dll"}
	ldr := e.loader()
	ctx := context.Background()

	_, err := ldr.LoadModule(ctx, "/lib/foo.dll")
	require.NoError(t, err)
	_, err = ldr.LoadModule(ctx, "a.dll")
	require.NoError(t, err)

	var paths []string
	require.NoError(t, ldr.EnumerateLoadedModules(ctx, func(_ context.Context, m loader.ModuleInfo) bool {
		paths = append(paths, m.FullPath)
		return true
	}))
	assert.Equal(t, []string{"/lib/foo.dll", "/app/a.dll", "/sxs/foo.dll"}, paths)
	m := info(t, ldr, "foo")
	assert.Equal(t, "/sxs/foo.dll", m.FullPath)
	assert.NotZero(t, m.Flags&loader.FlagRedirected)
}

func TestKnownModules(t *testing.T) {
	e := newEnv(t)
	e.write("/hidden/core.dll", e.dll("core.dll"))
	f, err := e.opts.Probe.Open("/hidden/core.dll")
	require.NoError(t, err)
	sec, err := e.opts.Sections.CreateSection(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	known := host.NewKnownModules()
	known.Add("core.dll", loader.KnownModule{FullPath: "/known/core.dll", Section: sec})
	e.opts.Known = known
	ldr := e.loader()

	h, err := ldr.LoadModule(context.Background(), "core")
	require.NoError(t, err)
	m, err := ldr.Module(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "/known/core.dll", m.FullPath)
}

func TestTrustPolicy(t *testing.T) {
	e := newEnv(t)
	e.write("/sys/bad.dll", e.dll("bad.dll"))
	e.opts.Trust = host.TrustList{Deny: []string{"/sys/bad*"}}
	ldr := e.loader()
	_, err := ldr.LoadModule(context.Background(), "bad.dll")
	assert.ErrorIs(t, err, loader.ErrAccessDenied)
}

func TestMachine(t *testing.T) {
	e := newEnv(t)
	e.write("/sys/x86.dll", image.NewBuilder(pe.IMAGE_FILE_MACHINE_I386).DLL("x86.dll").SubsystemVersion(3, 10).ImageBase(0x20000000))
	ldr := e.loader()
	assert.EqualValues(t, 8, ldr.PointerSize())
	_, err := ldr.LoadModule(context.Background(), "x86.dll")
	assert.ErrorIs(t, err, loader.ErrMachineMismatch)

	e.opts.Policy.Interactive = true
	e.opts.Policy.LegacyMachine = loader.LegacyMachine{Allow: true, MaxSubsystem: 3}
	e.opts.HardError = host.LogReporter{Response: loader.ResponseContinue}
	ldr = e.loader()
	_, err = ldr.LoadModule(context.Background(), "x86.dll")
	assert.NoError(t, err)
}

func TestChecksum(t *testing.T) {
	e := newEnv(t)
	e.opts.Policy.VerifyChecksum = true
	e.write("/sys/good.dll", e.dll("good.dll").WithChecksum())
	good, err := e.dll("bad.dll").WithChecksum().Build()
	require.NoError(t, err)
	good[len(good)-1] ^= 0xff
	require.NoError(t, filesystem.WriteAll(e.fs, "sys/bad.dll", good, 0o644))
	ldr := e.loader()

	_, err = ldr.LoadModule(context.Background(), "good.dll")
	assert.NoError(t, err)
	_, err = ldr.LoadModule(context.Background(), "bad.dll")
	assert.ErrorIs(t, err, loader.ErrChecksumMismatch)
}

func TestBootstrapDefersInitializers(t *testing.T) {
	e := newEnv(t)
	e.opts.Bootstrap = true
	chain(e)
	e.track("a.dll", "b.dll", "c.dll")
	ldr := e.loader()
	ctx := context.Background()

	_, err := ldr.LoadModule(ctx, "c.dll")
	require.NoError(t, err)
	assert.Empty(t, e.take())
	assert.Equal(t, loader.StateImportsBound, info(t, ldr, "c.dll").State)

	main := image.NewBuilder(pe.IMAGE_FILE_MACHINE_AMD64).ImageBase(0x140000000)
	main.Import("b.dll", image.NamedThunk(0, "f"))
	e.write("/app/main.exe", main)
	_, err = ldr.InitializeProcess(ctx, "/app/main.exe")
	require.NoError(t, err)
	assert.Equal(t, []string{"attach c.dll", "attach b.dll"}, e.take())
	assert.Equal(t, loader.StateInitialized, info(t, ldr, "c.dll").State)
}

func TestInitializeProcessAndShutdown(t *testing.T) {
	e := newEnv(t)
	e.opts.Bootstrap = true
	chain(e)
	e.track("a.dll", "b.dll", "c.dll")
	ldr := e.loader()
	ctx := context.Background()

	main := image.NewBuilder(pe.IMAGE_FILE_MACHINE_AMD64).ImageBase(0x140000000)
	main.Import("b.dll", image.NamedThunk(0, "f"))
	e.write("/app/main.exe", main)
	h, err := ldr.InitializeProcess(ctx, "/app/main.exe")
	require.NoError(t, err)
	got, err := ldr.GetModuleHandle(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, []string{"attach c.dll", "attach b.dll"}, e.take())
	m, err := ldr.Module(ctx, h)
	require.NoError(t, err)
	assert.Zero(t, m.Flags&loader.FlagDLL)
	assert.NotZero(t, m.Flags&loader.FlagStatic)

	_, err = ldr.InitializeProcess(ctx, "/app/main.exe")
	assert.ErrorIs(t, err, loader.ErrInternal)

	ha, err := ldr.LoadModule(ctx, "a.dll")
	require.NoError(t, err)
	assert.Equal(t, []string{"attach a.dll"}, e.take())

	require.NoError(t, ldr.Shutdown(ctx))
	assert.Equal(t, []string{"detach a.dll", "detach b.dll", "detach c.dll"}, e.take())
	require.NoError(t, ldr.Shutdown(ctx))
	assert.Empty(t, e.take())
	assert.NoError(t, ldr.UnloadModule(ctx, ha))
	assert.True(t, loaded(t, ldr, "a.dll"))
	_, err = ldr.LoadModule(ctx, "c.dll")
	assert.ErrorIs(t, err, loader.ErrShutdown)
}
