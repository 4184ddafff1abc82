//go:build unix

package domain

import (
	"io/fs"
	"syscall"
)

// OwnerOf returns the numeric owner of info, or nil if it is not available.
func OwnerOf(info fs.FileInfo) *FileOwner {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	return &FileOwner{UID: int(st.Uid), GID: int(st.Gid)}
}
