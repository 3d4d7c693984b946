package loader

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnxd/microld/image"
	"github.com/wnxd/microld/loader"
)

func entry(name string, base uint64) *moduleEntry {
	return &moduleEntry{
		fullPath: "/sys/" + name,
		baseName: name,
		base:     base,
		size:     0x1000,
		headers:  &image.Headers{},
		state:    loader.StateImportsBound,
	}
}

func names(seq func(func(*moduleEntry) bool)) []string {
	var out []string
	for e := range seq {
		out = append(out, e.baseName)
	}
	return out
}

func TestTableOrders(t *testing.T) {
	tbl := newModuleTable()
	a, b, c := entry("a.dll", 0x3000), entry("B.dll", 0x1000), entry("c.dll", 0x2000)
	for _, e := range []*moduleEntry{a, b, c} {
		tbl.insert(e)
	}
	for _, e := range []*moduleEntry{c, b, a, b} {
		tbl.appendInit(e)
	}
	assert.Equal(t, []string{"a.dll", "B.dll", "c.dll"}, names(tbl.loadOrdered))
	assert.Equal(t, []string{"c.dll", "B.dll", "a.dll"}, names(tbl.initOrdered))
	assert.Equal(t, []string{"a.dll", "B.dll", "c.dll"}, names(tbl.initReversed))
	assert.Equal(t, 3, tbl.len())

	assert.Same(t, b, tbl.findByName("b.DLL", false))
	assert.Same(t, c, tbl.findByAddress(0x2fff))
	assert.Nil(t, tbl.findByAddress(0x4000))
	assert.Same(t, a, tbl.findByHandle(0x3000))
	assert.Same(t, a, tbl.mru)

	tbl.remove(a)
	assert.Nil(t, tbl.mru)
	assert.Nil(t, tbl.findByHandle(0x3000))
	assert.Nil(t, tbl.findByName("a.dll", false))
	assert.Equal(t, []string{"c.dll", "B.dll"}, names(tbl.initOrdered))

	d := entry("d.dll", 0x3000)
	tbl.insert(d)
	assert.Equal(t, a.slot, d.slot)
	assert.Same(t, d, tbl.findByHandle(0x3000))
}

func TestTableRedirectedNames(t *testing.T) {
	tbl := newModuleTable()
	plain := entry("x.dll", 0x1000)
	redirected := entry("x.dll", 0x2000)
	redirected.fullPath, redirected.redirected = "/side/x.dll", true
	tbl.insert(plain)
	tbl.insert(redirected)

	assert.Same(t, plain, tbl.findByName("X.dll", false))
	assert.Same(t, redirected, tbl.findByName("/SIDE/x.dll", true))
	assert.Nil(t, tbl.findByName("/sys/x.dll", true))

	plain.unloadInProgress = true
	assert.Nil(t, tbl.findByName("x.dll", false))
}

func TestLoadCountSaturates(t *testing.T) {
	e := entry("a.dll", 0x1000)
	e.loadCount = loader.PinnedCount - 2
	e.addRef()
	e.addRef()
	assert.True(t, e.pinned())
	e.release()
	assert.True(t, e.pinned())

	e.loadCount = 0
	e.release()
	assert.Zero(t, e.loadCount)
}

func TestRefWalk(t *testing.T) {
	l := new(Ldr)
	a, b, c := entry("a.dll", 0x1000), entry("b.dll", 0x2000), entry("c.dll", 0x3000)
	a.deps = []*moduleEntry{b}
	b.deps = []*moduleEntry{c, a}
	c.deps = []*moduleEntry{b}
	for _, e := range []*moduleEntry{a, b, c} {
		e.loadCount = 1
	}
	l.refWalk(a, refIncrement)
	assert.Equal(t, []uint16{1, 2, 2}, []uint16{a.loadCount, b.loadCount, c.loadCount})
	l.refWalk(a, refDecrement)
	assert.Equal(t, []uint16{1, 1, 1}, []uint16{a.loadCount, b.loadCount, c.loadCount})

	c.loadInProgress = true
	l.refWalk(a, refPin)
	assert.True(t, b.pinned())
	assert.False(t, c.pinned())
	assert.False(t, slices.ContainsFunc([]*moduleEntry{a, b, c}, func(e *moduleEntry) bool { return e.walking }))
}

func TestSessionReentry(t *testing.T) {
	l := new(Ldr)
	l.phase.Store(phaseRunning)
	ctx, s, release := l.enter(context.Background())
	require.True(t, s.locked)
	inner, s2, release2 := l.enter(ctx)
	assert.Same(t, s, s2)
	assert.Equal(t, ctx, inner)
	release2()
	assert.False(t, l.mu.TryLock())
	release()
	require.True(t, l.mu.TryLock())
	l.mu.Unlock()

	// a stale context does not re-enter once its session has ended
	_, s3, release3 := l.enter(ctx)
	assert.NotSame(t, s, s3)
	release3()
}

func TestSessionChain(t *testing.T) {
	s := new(session)
	require.NoError(t, s.push("a.dll", 2))
	require.NoError(t, s.push("b.dll", 2))
	assert.ErrorIs(t, s.push("c.dll", 2), loader.ErrRecursionTooDeep)

	err := s.fail("c.dll", loader.ErrNotFound)
	var le *loader.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, []string{"a.dll", "b.dll", "c.dll"}, le.Chain)
	assert.Same(t, err, s.fail("b.dll", err))
	assert.EqualError(t, err, "load c.dll: not found (via a.dll -> b.dll -> c.dll)")
	s.pop()
	assert.Equal(t, []string{"a.dll"}, s.chain)
}
