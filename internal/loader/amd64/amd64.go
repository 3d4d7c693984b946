package amd64

import (
	"debug/pe"

	internal "github.com/wnxd/microld/internal/loader"
	"github.com/wnxd/microld/loader"
)

const POINTER_SIZE = 8

type Amd64Ldr struct {
	internal.Ldr
}

func NewAmd64Loader(opts loader.Options) (loader.Loader, error) {
	ldr := new(Amd64Ldr)
	err := ldr.Init(ldr, opts)
	if err != nil {
		return nil, err
	}
	return ldr, nil
}

func (ldr *Amd64Ldr) Machine() uint16 {
	return pe.IMAGE_FILE_MACHINE_AMD64
}

func (ldr *Amd64Ldr) PointerSize() uint32 {
	return POINTER_SIZE
}
