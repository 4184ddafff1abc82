//go:build !unix

package domain

import "io/fs"

// OwnerOf returns nil: ownership is not reported on this platform.
func OwnerOf(info fs.FileInfo) *FileOwner {
	return nil
}
