package filesystem

import (
	"io/fs"
	"os"
	"path/filepath"
)

type sysDirFile struct {
	File
	DirFS
}

type sysDirFS string

func SysDirFS(dir string) DirFS {
	return sysDirFS(dir)
}

func (d sysDirFS) Open(name string) (fs.File, error) {
	return Open(d, name)
}

func (d sysDirFS) Sub(dir string) (fs.FS, error) {
	return d.sub(dir), nil
}

func (d sysDirFS) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(d.join(name))
}

func (d sysDirFS) OpenFile(name string, flag FileFlag, perm fs.FileMode) (File, error) {
	pathname := d.join(name)
	if flag&O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(pathname), fs.ModePerm); err != nil {
			return nil, err
		}
	}
	sysFile, err := os.OpenFile(pathname, int(flag), perm)
	if err != nil {
		return nil, err
	}
	info, err := sysFile.Stat()
	if err != nil || !info.IsDir() {
		return sysFile, nil
	}
	return &sysDirFile{sysFile, d.sub(name)}, nil
}

func (d sysDirFS) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(d.join(name))
}

func (d sysDirFS) Mkdir(name string, perm fs.FileMode) (DirFS, error) {
	pathname := d.join(name)
	err := os.MkdirAll(pathname, perm)
	if err != nil {
		return nil, err
	}
	return SysDirFS(pathname), nil
}

func (d sysDirFS) join(name string) string {
	return filepath.Join(string(d), filepath.FromSlash(name))
}

func (d sysDirFS) sub(name string) DirFS {
	return SysDirFS(d.join(name))
}
