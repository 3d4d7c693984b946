package image

import "io"

func Checksum(r io.ReaderAt, size int64, h *Headers) (uint32, error) {
	var sum uint64
	buf := make([]byte, 0x1000)
	for off := int64(0); off < size; off += int64(len(buf)) {
		n := min(int64(len(buf)), size-off)
		if _, err := r.ReadAt(buf[:n], off); err != nil {
			return 0, err
		}
		for i := int64(0); i < n; i += 2 {
			pos := off + i
			if pos >= h.CheckSumOffset && pos < h.CheckSumOffset+4 {
				continue
			}
			word := uint64(buf[i])
			if i+1 < n {
				word |= uint64(buf[i+1]) << 8
			}
			sum += word
			sum = (sum & 0xffff) + (sum >> 16)
		}
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return uint32(sum) + uint32(size), nil
}
