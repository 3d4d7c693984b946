package arm64

import (
	"debug/pe"

	internal "github.com/wnxd/microld/internal/loader/arm64"
	"github.com/wnxd/microld/loader"
)

var _ = loader.Register(pe.IMAGE_FILE_MACHINE_ARM64, internal.NewArm64Loader)
