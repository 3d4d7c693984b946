package amd64

import (
	"debug/pe"

	internal "github.com/wnxd/microld/internal/loader/amd64"
	"github.com/wnxd/microld/loader"
)

var _ = loader.Register(pe.IMAGE_FILE_MACHINE_AMD64, internal.NewAmd64Loader)
