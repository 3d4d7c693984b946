package loader

import (
	"slices"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/wnxd/microld/filesystem"
	"github.com/wnxd/microld/image"
	"github.com/wnxd/microld/loader"
)

type moduleEntry struct {
	slot int

	fullPath   string
	baseName   string
	searchPath string
	redirected bool
	static     bool

	base       uint64
	size       uint64
	entryPoint uint64
	flags      loader.Flags
	headers    *image.Headers
	fileID     filesystem.FileID
	views      []uint64

	loadCount        uint16
	state            loader.State
	loadInProgress   bool
	unloadInProgress bool
	entryProcessed   bool
	attached         bool
	published        bool
	walking          bool

	deps    []*moduleEntry
	exports *image.Exports
}

func (e *moduleEntry) info() loader.ModuleInfo {
	flags := e.flags
	if e.redirected {
		flags |= loader.FlagRedirected
	}
	if e.static {
		flags |= loader.FlagStatic
	}
	if e.attached {
		flags |= loader.FlagAttached
	}
	return loader.ModuleInfo{
		Handle:     loader.Handle(e.base),
		FullPath:   e.fullPath,
		BaseName:   e.baseName,
		Base:       e.base,
		Size:       e.size,
		EntryPoint: e.entryPoint,
		Timestamp:  e.headers.TimeDateStamp,
		LoadCount:  e.loadCount,
		State:      e.state,
		Flags:      flags,
	}
}

func (e *moduleEntry) relocated() bool {
	return e.flags&loader.FlagRelocated != 0
}

func (e *moduleEntry) pinned() bool {
	return e.loadCount == loader.PinnedCount
}

func (e *moduleEntry) live() bool {
	return e.state != loader.StateRemoved && !e.unloadInProgress
}

func (e *moduleEntry) contains(addr uint64) bool {
	return addr >= e.base && addr < e.base+e.size
}

func (e *moduleEntry) addRef() {
	if e.loadCount < loader.PinnedCount-1 {
		e.loadCount++
	} else {
		e.loadCount = loader.PinnedCount
	}
}

func (e *moduleEntry) release() {
	if e.loadCount != loader.PinnedCount && e.loadCount > 0 {
		e.loadCount--
	}
}

type moduleTable struct {
	entries   []*moduleEntry
	free      []int
	loadOrder []int
	memOrder  *orderedmap.OrderedMap[uint64, int]
	initOrder []int
	hash      map[byte][]int
	mru       *moduleEntry
}

func newModuleTable() *moduleTable {
	return &moduleTable{
		memOrder: orderedmap.New[uint64, int](),
		hash:     make(map[byte][]int),
	}
}

func bucketKey(name string) byte {
	if name == "" {
		return 0
	}
	c := name[0]
	if 'a' <= c && c <= 'z' {
		c -= 'a' - 'A'
	}
	return c
}

func (t *moduleTable) insert(e *moduleEntry) {
	if n := len(t.free); n > 0 {
		e.slot = t.free[n-1]
		t.free = t.free[:n-1]
		t.entries[e.slot] = e
	} else {
		e.slot = len(t.entries)
		t.entries = append(t.entries, e)
	}
	t.loadOrder = append(t.loadOrder, e.slot)
	t.memOrder.Set(e.base, e.slot)
	key := bucketKey(e.baseName)
	t.hash[key] = append(t.hash[key], e.slot)
}

func (t *moduleTable) appendInit(e *moduleEntry) {
	if t.entries[e.slot] == e && !slices.Contains(t.initOrder, e.slot) {
		t.initOrder = append(t.initOrder, e.slot)
	}
}

func (t *moduleTable) remove(e *moduleEntry) {
	if e.slot >= len(t.entries) || t.entries[e.slot] != e {
		return
	}
	match := func(slot int) bool { return slot == e.slot }
	t.loadOrder = slices.DeleteFunc(t.loadOrder, match)
	t.initOrder = slices.DeleteFunc(t.initOrder, match)
	key := bucketKey(e.baseName)
	if bucket := slices.DeleteFunc(t.hash[key], match); len(bucket) == 0 {
		delete(t.hash, key)
	} else {
		t.hash[key] = bucket
	}
	if slot, ok := t.memOrder.Get(e.base); ok && slot == e.slot {
		t.memOrder.Delete(e.base)
	}
	if t.mru == e {
		t.mru = nil
	}
	t.entries[e.slot] = nil
	t.free = append(t.free, e.slot)
}

func (t *moduleTable) len() int {
	return len(t.loadOrder)
}

// findByName searches the bucket of the name's first letter. Redirected
// entries are matched by full path, all others by base name.
func (t *moduleTable) findByName(name string, redirected bool) *moduleEntry {
	key := name
	if redirected {
		key = baseName(name)
	}
	for _, slot := range t.hash[bucketKey(key)] {
		e := t.entries[slot]
		if !e.live() || e.redirected != redirected {
			continue
		}
		if redirected && strings.EqualFold(e.fullPath, name) {
			return e
		} else if !redirected && strings.EqualFold(e.baseName, name) {
			return e
		}
	}
	return nil
}

func (t *moduleTable) findByFullPath(path string) *moduleEntry {
	for e := range t.loadOrdered {
		if e.live() && strings.EqualFold(e.fullPath, path) {
			return e
		}
	}
	return nil
}

func (t *moduleTable) findByHandle(base uint64) *moduleEntry {
	if e := t.mru; e != nil && e.base == base && e.live() {
		return e
	}
	for e := range t.memOrdered {
		if e.base == base && e.live() {
			t.mru = e
			return e
		}
	}
	return nil
}

func (t *moduleTable) findByAddress(addr uint64) *moduleEntry {
	for e := range t.memOrdered {
		if e.live() && e.contains(addr) {
			return e
		}
	}
	return nil
}

func (t *moduleTable) loadOrdered(yield func(*moduleEntry) bool) {
	for _, slot := range slices.Clone(t.loadOrder) {
		if e := t.entries[slot]; e != nil && !yield(e) {
			return
		}
	}
}

func (t *moduleTable) memOrdered(yield func(*moduleEntry) bool) {
	for p := t.memOrder.Oldest(); p != nil; p = p.Next() {
		if e := t.entries[p.Value]; e != nil && !yield(e) {
			return
		}
	}
}

func (t *moduleTable) initOrdered(yield func(*moduleEntry) bool) {
	for i := 0; i < len(t.initOrder); i++ {
		if e := t.entries[t.initOrder[i]]; e != nil && !yield(e) {
			return
		}
	}
}

func (t *moduleTable) initReversed(yield func(*moduleEntry) bool) {
	for _, slot := range slices.Backward(slices.Clone(t.initOrder)) {
		if e := t.entries[slot]; e != nil && !yield(e) {
			return
		}
	}
}
