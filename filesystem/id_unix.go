//go:build unix

package filesystem

import (
	"io/fs"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func sysIdentify(f File, info fs.FileInfo) (FileID, error) {
	if file, ok := f.(*os.File); ok {
		var st unix.Stat_t
		if err := unix.Fstat(int(file.Fd()), &st); err != nil {
			return FileID{}, err
		}
		return FileID{Volume: uint64(st.Dev), Index: uint64(st.Ino)}, nil
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return FileID{Volume: uint64(st.Dev), Index: uint64(st.Ino)}, nil
	}
	return FileID{}, ErrNoFileID
}
