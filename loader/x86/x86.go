package x86

import (
	"debug/pe"

	internal "github.com/wnxd/microld/internal/loader/x86"
	"github.com/wnxd/microld/loader"
)

var _ = loader.Register(pe.IMAGE_FILE_MACHINE_I386, internal.NewX86Loader)
