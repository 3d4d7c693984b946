package image

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidFormat = errors.New("invalid image format")
	ErrTruncated     = fmt.Errorf("%w: truncated", ErrInvalidFormat)
	ErrNoDirectory   = errors.New("directory not present")
	ErrBadForwarder  = errors.New("bad forwarder")
	ErrBadRelocation = errors.New("bad relocation")
)
