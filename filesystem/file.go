package filesystem

import (
	"io"
	"io/fs"
)

type File interface {
	Close() error
	Stat() (fs.FileInfo, error)
}

type ReadFile interface {
	File
	Read(b []byte) (n int, err error)
}

type WriteFile interface {
	File
	Write(b []byte) (n int, err error)
}

type ReaderAtFile interface {
	File
	io.ReaderAt
}
