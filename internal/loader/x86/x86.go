package x86

import (
	"debug/pe"

	internal "github.com/wnxd/microld/internal/loader"
	"github.com/wnxd/microld/loader"
)

const POINTER_SIZE = 4

type X86Ldr struct {
	internal.Ldr
}

func NewX86Loader(opts loader.Options) (loader.Loader, error) {
	ldr := new(X86Ldr)
	err := ldr.Init(ldr, opts)
	if err != nil {
		return nil, err
	}
	return ldr, nil
}

func (ldr *X86Ldr) Machine() uint16 {
	return pe.IMAGE_FILE_MACHINE_I386
}

func (ldr *X86Ldr) PointerSize() uint32 {
	return POINTER_SIZE
}
