package arm64

import (
	"debug/pe"

	internal "github.com/wnxd/microld/internal/loader"
	"github.com/wnxd/microld/loader"
)

const POINTER_SIZE = 8

type Arm64Ldr struct {
	internal.Ldr
}

func NewArm64Loader(opts loader.Options) (loader.Loader, error) {
	ldr := new(Arm64Ldr)
	err := ldr.Init(ldr, opts)
	if err != nil {
		return nil, err
	}
	return ldr, nil
}

func (ldr *Arm64Ldr) Machine() uint16 {
	return pe.IMAGE_FILE_MACHINE_ARM64
}

func (ldr *Arm64Ldr) PointerSize() uint32 {
	return POINTER_SIZE
}
