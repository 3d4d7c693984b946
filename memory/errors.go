package memory

import "errors"

var (
	ErrAddressInvalid  = errors.New("address invalid")
	ErrRegionOverlap   = errors.New("region overlap")
	ErrAccessViolation = errors.New("access violation")
	ErrNoMemory        = errors.New("no memory")
	ErrArgumentInvalid = errors.New("argument invalid")
)
