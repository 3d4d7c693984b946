//go:build windows

package filesystem

import (
	"io/fs"
	"os"

	"golang.org/x/sys/windows"
)

func sysIdentify(f File, _ fs.FileInfo) (FileID, error) {
	file, ok := f.(*os.File)
	if !ok {
		return FileID{}, ErrNoFileID
	}
	var d windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(windows.Handle(file.Fd()), &d); err != nil {
		return FileID{}, err
	}
	return FileID{
		Volume: uint64(d.VolumeSerialNumber),
		Index:  uint64(d.FileIndexHigh)<<32 | uint64(d.FileIndexLow),
	}, nil
}
