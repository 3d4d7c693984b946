package filesystem

import (
	"errors"
	"io"
	"io/fs"
	"os"
)

type FileFlag int

const (
	O_RDONLY = FileFlag(os.O_RDONLY)
	O_WRONLY = FileFlag(os.O_WRONLY)
	O_RDWR   = FileFlag(os.O_RDWR)
	O_APPEND = FileFlag(os.O_APPEND)
	O_CREATE = FileFlag(os.O_CREATE)
	O_EXCL   = FileFlag(os.O_EXCL)
	O_SYNC   = FileFlag(os.O_SYNC)
	O_TRUNC  = FileFlag(os.O_TRUNC)
)

var ErrNotRandomAccess = errors.New("file does not support random access")

type FS interface {
	fs.FS
	OpenFile(name string, flag FileFlag, perm fs.FileMode) (File, error)
}

type DirFS interface {
	FS
	ReadDir(name string) ([]fs.DirEntry, error)
	Mkdir(name string, perm fs.FileMode) (DirFS, error)
}

func Open(f FS, name string) (fs.File, error) {
	file, err := f.OpenFile(name, O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	if ff, ok := file.(fs.File); ok {
		return ff, nil
	}
	file.Close()
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
}

func OpenReaderAt(f FS, name string) (ReaderAtFile, error) {
	file, err := f.OpenFile(name, O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	ra, ok := file.(ReaderAtFile)
	if !ok {
		file.Close()
		return nil, &fs.PathError{Op: "open", Path: name, Err: ErrNotRandomAccess}
	}
	return ra, nil
}

func ReadAll(f FS, name string) ([]byte, error) {
	file, err := f.OpenFile(name, O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	r, ok := file.(io.Reader)
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrInvalid}
	}
	return io.ReadAll(r)
}

func WriteAll(f FS, name string, data []byte, perm fs.FileMode) error {
	file, err := f.OpenFile(name, O_WRONLY|O_CREATE|O_TRUNC, perm)
	if err != nil {
		return err
	}
	w, ok := file.(io.Writer)
	if !ok {
		file.Close()
		return &fs.PathError{Op: "write", Path: name, Err: fs.ErrInvalid}
	}
	if _, err = w.Write(data); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
