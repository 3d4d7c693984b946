package filesystem

import (
	"errors"
	"fmt"
)

// VirtualVolume is the volume number reported for files of a VirtualFS.
const VirtualVolume = ^uint64(0)

var ErrNoFileID = errors.New("file identity unavailable")

type FileID struct {
	Volume uint64
	Index  uint64
}

func (id FileID) IsZero() bool {
	return id == FileID{}
}

func (id FileID) String() string {
	return fmt.Sprintf("%x:%x", id.Volume, id.Index)
}

// Identify returns the volume and file index of an open file. Two names
// that refer to the same underlying file yield the same FileID.
func Identify(f File) (FileID, error) {
	info, err := f.Stat()
	if err != nil {
		return FileID{}, err
	}
	if id, ok := info.Sys().(FileID); ok {
		return id, nil
	}
	return sysIdentify(f, info)
}
