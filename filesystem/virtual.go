package filesystem

import (
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// VirtualFS is an in-memory tree with case-insensitive names. Link binds
// an existing FS under a second name; both names then share one FileID.
type VirtualFS interface {
	DirFS
	fs.SubFS
	Link(name string, handle FS) error
	Readlink(name string) (string, error)
}

var nextFileIndex atomic.Uint64

type fileFS struct {
	name    string
	mode    fs.FileMode
	modTime time.Time
	index   uint64
	mu      sync.RWMutex
	data    []byte
}

type dirFS struct {
	name    string
	mode    fs.FileMode
	modTime time.Time
	subs    sync.Map
}

type linkFS struct {
	name string
	fs   FS
}

type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	sys     any
}

type file struct {
	fs   *fileFS
	flag FileFlag
	off  int64
}

type dir struct {
	fs   *dirFS
	read map[FS]struct{}
}

func NewVirtualFS() VirtualFS {
	return &dirFS{mode: fs.ModeDir | fs.ModePerm}
}

func SoftLink(name string, fs FS) FS {
	return &linkFS{name: name, fs: fs}
}

func newFileFS(name string, perm fs.FileMode) *fileFS {
	return &fileFS{name: name, mode: perm, modTime: time.Now(), index: nextFileIndex.Inc()}
}

func (f *fileFS) Open(name string) (fs.File, error) {
	return Open(f, name)
}

func (f *fileFS) Stat(name string) (fs.FileInfo, error) {
	if name != "" {
		return nil, fs.ErrInvalid
	}
	return f.info(), nil
}

func (f *fileFS) OpenFile(name string, flag FileFlag, perm fs.FileMode) (File, error) {
	if name != "" {
		return nil, fs.ErrInvalid
	}
	var off int64
	f.mu.Lock()
	switch flag & (O_APPEND | O_TRUNC) {
	case O_APPEND:
		off = int64(len(f.data))
	case O_TRUNC:
		f.data = nil
		f.modTime = time.Now()
	}
	f.mu.Unlock()
	return &file{fs: f, flag: flag, off: off}, nil
}

func (f *fileFS) info() *fileInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fileInfo{
		name:    f.name,
		size:    int64(len(f.data)),
		mode:    f.mode,
		modTime: f.modTime,
		sys:     FileID{Volume: VirtualVolume, Index: f.index},
	}
}

func (d *dirFS) Open(name string) (fs.File, error) {
	return Open(d, name)
}

func (d *dirFS) Sub(dir string) (fs.FS, error) {
	first, other := split(dir)
	if first == "" {
		return d, nil
	}
	value, ok := d.subs.Load(fold(first))
	if !ok {
		return nil, fs.ErrNotExist
	} else if other == "" {
		return value.(fs.FS), nil
	}
	sub, ok := value.(fs.SubFS)
	if !ok {
		return nil, fs.ErrInvalid
	}
	return sub.Sub(other)
}

func (d *dirFS) Stat(name string) (fs.FileInfo, error) {
	dn, fn := splitBase(name)
	if fn == "" {
		return &fileInfo{name: d.name, mode: d.mode, modTime: d.modTime}, nil
	} else if dn != "" {
		sub, err := d.Sub(dn)
		if err != nil {
			return nil, err
		}
		return fs.Stat(sub, fn)
	}
	value, ok := d.subs.Load(fold(fn))
	if !ok {
		return nil, fs.ErrNotExist
	}
	return fs.Stat(value.(fs.FS), "")
}

func (d *dirFS) OpenFile(name string, flag FileFlag, perm fs.FileMode) (File, error) {
	dn, fn := splitBase(name)
	if fn == "" {
		if flag != O_RDONLY {
			return nil, fs.ErrInvalid
		}
		return &dir{fs: d, read: make(map[FS]struct{})}, nil
	}
	if dn != "" {
		var parent DirFS = d
		if flag&O_CREATE != 0 {
			sub, err := d.Mkdir(dn, fs.ModePerm)
			if err != nil {
				return nil, err
			}
			parent = sub
		} else {
			value, err := d.Sub(dn)
			if err != nil {
				return nil, err
			}
			sub, ok := value.(FS)
			if !ok {
				return nil, fs.ErrInvalid
			}
			return sub.OpenFile(fn, flag, perm)
		}
		return parent.OpenFile(fn, flag, perm)
	}
	var sub FS
	if value, ok := d.subs.Load(fold(fn)); ok {
		if flag&(O_CREATE|O_EXCL) == O_CREATE|O_EXCL {
			return nil, fs.ErrExist
		}
		sub = value.(FS)
	} else if flag&O_CREATE == 0 {
		return nil, fs.ErrNotExist
	} else {
		value, _ := d.subs.LoadOrStore(fold(fn), newFileFS(fn, perm))
		sub = value.(FS)
	}
	return sub.OpenFile("", flag&^(O_CREATE|O_EXCL), perm)
}

func (d *dirFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if _, fn := splitBase(name); fn == "" {
		var arr []fs.DirEntry
		for _, value := range d.subs.Range {
			info, err := fs.Stat(value.(fs.FS), "")
			if err != nil {
				return nil, err
			}
			arr = append(arr, fs.FileInfoToDirEntry(info))
		}
		return arr, nil
	}
	sub, err := d.Sub(name)
	if err != nil {
		return nil, err
	}
	dir, ok := sub.(DirFS)
	if !ok {
		return nil, fs.ErrInvalid
	}
	return dir.ReadDir("")
}

func (d *dirFS) Mkdir(name string, perm fs.FileMode) (DirFS, error) {
	first, other := split(name)
	if first == "" {
		return d, nil
	}
	value, ok := d.subs.Load(fold(first))
	var subDir DirFS
	if ok {
		subDir, ok = value.(DirFS)
		if !ok {
			return nil, fs.ErrExist
		}
	} else {
		value, _ = d.subs.LoadOrStore(fold(first), &dirFS{name: first, mode: perm | fs.ModeDir, modTime: time.Now()})
		subDir = value.(DirFS)
	}
	if other == "" {
		return subDir, nil
	}
	return subDir.Mkdir(other, perm)
}

func (d *dirFS) Readlink(name string) (string, error) {
	dn, fn := splitBase(name)
	if fn == "" {
		return "", fs.ErrNotExist
	}
	if dn == "" {
		value, ok := d.subs.Load(fold(fn))
		if !ok {
			return "", fs.ErrNotExist
		} else if link, ok := value.(*linkFS); ok {
			return link.name, nil
		}
		return "", fs.ErrInvalid
	}
	value, err := d.Sub(dn)
	if err != nil {
		return "", err
	} else if vfs, ok := value.(VirtualFS); ok {
		return vfs.Readlink(fn)
	}
	return "", fs.ErrInvalid
}

func (d *dirFS) Link(name string, handle FS) error {
	dn, fn := splitBase(name)
	if fn == "" {
		return fs.ErrInvalid
	}
	if dn != "" {
		sub, err := d.Mkdir(dn, fs.ModePerm)
		if err != nil {
			return err
		}
		link, ok := sub.(VirtualFS)
		if !ok {
			return fs.ErrInvalid
		}
		return link.Link(fn, handle)
	}
	if _, ok := d.subs.LoadOrStore(fold(fn), handle); ok {
		return fs.ErrExist
	}
	return nil
}

func (l *linkFS) Open(name string) (fs.File, error) {
	if l.fs == nil {
		return nil, fs.ErrNotExist
	}
	return l.fs.Open(name)
}

func (l *linkFS) Sub(dir string) (fs.FS, error) {
	if sub, ok := l.fs.(fs.SubFS); ok {
		return sub.Sub(dir)
	}
	return nil, fs.ErrInvalid
}

func (l *linkFS) Stat(name string) (fs.FileInfo, error) {
	if l.fs == nil {
		return nil, fs.ErrNotExist
	}
	return fs.Stat(l.fs, name)
}

func (l *linkFS) OpenFile(name string, flag FileFlag, perm fs.FileMode) (File, error) {
	if l.fs == nil {
		return nil, fs.ErrNotExist
	}
	return l.fs.OpenFile(name, flag, perm)
}

func (fi *fileInfo) Name() string {
	return fi.name
}

func (fi *fileInfo) Size() int64 {
	return fi.size
}

func (fi *fileInfo) Mode() fs.FileMode {
	return fi.mode
}

func (fi *fileInfo) ModTime() time.Time {
	return fi.modTime
}

func (fi *fileInfo) IsDir() bool {
	return fi.mode.IsDir()
}

func (fi *fileInfo) Sys() any {
	return fi.sys
}

func (f *file) Close() error {
	return nil
}

func (f *file) Stat() (fs.FileInfo, error) {
	return f.fs.info(), nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.fs.mu.RLock()
	size := int64(len(f.fs.data))
	f.fs.mu.RUnlock()
	var off int64
	switch whence {
	case io.SeekStart:
		off = offset
	case io.SeekCurrent:
		off = f.off + offset
	case io.SeekEnd:
		off = size + offset
	default:
		return 0, fs.ErrInvalid
	}
	if off < 0 || off > size {
		return 0, fs.ErrInvalid
	}
	f.off = off
	return off, nil
}

func (f *file) Read(b []byte) (int, error) {
	n, err := f.ReadAt(b, f.off)
	f.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *file) ReadAt(b []byte, off int64) (int, error) {
	if f.flag&O_WRONLY != 0 {
		return 0, fs.ErrPermission
	} else if off < 0 {
		return 0, fs.ErrInvalid
	}
	f.fs.mu.RLock()
	defer f.fs.mu.RUnlock()
	if off >= int64(len(f.fs.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.fs.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) Write(b []byte) (int, error) {
	if f.flag&(O_WRONLY|O_RDWR) == 0 {
		return 0, fs.ErrPermission
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.flag&O_APPEND != 0 {
		f.off = int64(len(f.fs.data))
	}
	if end := f.off + int64(len(b)); end > int64(len(f.fs.data)) {
		f.fs.data = append(f.fs.data, make([]byte, end-int64(len(f.fs.data)))...)
	}
	n := copy(f.fs.data[f.off:], b)
	f.off += int64(n)
	f.fs.modTime = time.Now()
	return n, nil
}

func (d *dir) Close() error {
	return nil
}

func (d *dir) Stat() (fs.FileInfo, error) {
	return &fileInfo{name: d.fs.name, mode: d.fs.mode, modTime: d.fs.modTime}, nil
}

func (d *dir) OpenFile(name string, flag FileFlag, perm fs.FileMode) (File, error) {
	return d.fs.OpenFile(name, flag, perm)
}

func (d *dir) ReadDir(n int) ([]fs.DirEntry, error) {
	var arr []fs.DirEntry
	for _, value := range d.fs.subs.Range {
		if n > 0 && len(arr) == n {
			break
		}
		sub := value.(FS)
		if _, ok := d.read[sub]; ok {
			continue
		}
		info, err := fs.Stat(sub, "")
		if err != nil {
			return nil, err
		}
		arr = append(arr, fs.FileInfoToDirEntry(info))
		d.read[sub] = struct{}{}
	}
	if n > 0 && len(arr) == 0 {
		return nil, io.EOF
	}
	return arr, nil
}

func (d *dir) Mkdir(name string, perm fs.FileMode) error {
	_, err := d.fs.Mkdir(name, perm)
	return err
}

func fold(name string) string {
	return strings.ToLower(name)
}

func clean(pathname string) string {
	pathname = path.Clean("/" + strings.ReplaceAll(pathname, "\\", "/"))
	return strings.TrimPrefix(pathname, "/")
}

func split(pathname string) (string, string) {
	pathname = clean(pathname)
	first, other, _ := strings.Cut(pathname, "/")
	return first, other
}

func splitBase(pathname string) (string, string) {
	pathname = clean(pathname)
	i := strings.LastIndexByte(pathname, '/')
	return pathname[:max(i, 0)], pathname[i+1:]
}
