package loader

import (
	"io"

	"github.com/wnxd/microld/image"
)

// Section is an image prepared for mapping. It stays valid after the file
// it was created from is closed.
type Section interface {
	io.ReaderAt
	Headers() *image.Headers
	Size() int64
}

type View struct {
	Base      uint64
	Size      uint64
	Relocated bool
}

func (v View) End() uint64 {
	return v.Base + v.Size
}

type SectionMapper interface {
	CreateSection(f File) (Section, error)
	MapView(sec Section) (View, error)
	Unmap(base uint64) error
	Remap(base uint64) error
}
