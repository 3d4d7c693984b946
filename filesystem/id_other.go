//go:build !unix && !windows

package filesystem

import "io/fs"

func sysIdentify(File, fs.FileInfo) (FileID, error) {
	return FileID{}, ErrNoFileID
}
