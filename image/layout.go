package image

import (
	"fmt"
	"io"
)

// Layout returns the image as it appears once mapped: headers at RVA 0
// and every section at its virtual address.
func Layout(r io.ReaderAt, h *Headers) ([]byte, error) {
	view := make([]byte, h.SizeOfImage)
	if _, err := r.ReadAt(view[:h.SizeOfHeaders], 0); err != nil {
		return nil, fmt.Errorf("%w: headers: %v", ErrTruncated, err)
	}
	for _, s := range h.Sections {
		n := min(s.SizeOfRawData, s.Size())
		if n == 0 {
			continue
		}
		if _, err := r.ReadAt(view[s.VirtualAddress:s.VirtualAddress+n], int64(s.PointerToRawData)); err != nil {
			return nil, fmt.Errorf("%w: section %s: %v", ErrTruncated, s.Name, err)
		}
	}
	return view, nil
}
