// Package infra implements the storage, file system and host adapters behind
// the domain interfaces.
package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aurakai/oracledrive/internal/domain"
)

// maxSymlinkHops matches the Linux kernel's MAXSYMLINKS.
const maxSymlinkHops = 40

// OSFileSystem implements domain.FileSystem on the real file system.
// Writes are atomic per file: temp file in the same directory, fsync, rename.
// A symbolic link at the target is followed, so the link itself survives and
// the file it points to is replaced.
type OSFileSystem struct {
	homeDir string
}

// NewOSFileSystem creates a file system adapter.
func NewOSFileSystem() *OSFileSystem {
	home, _ := os.UserHomeDir()
	return &OSFileSystem{homeDir: home}
}

// NewOSFileSystemWithHome creates an adapter with a custom home (for testing).
func NewOSFileSystemWithHome(home string) *OSFileSystem {
	return &OSFileSystem{homeDir: home}
}

// Stat returns file info for path.
func (f *OSFileSystem) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(f.ExpandHome(path))
}

// ReadFile returns the contents of path.
func (f *OSFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(f.ExpandHome(path))
}

// WriteFile atomically replaces the contents of path.
// An existing file keeps its permission bits and owner; perm applies to new
// files.
func (f *OSFileSystem) WriteFile(path string, data []byte, perm fs.FileMode) error {
	target, err := resolveLinks(f.ExpandHome(path))
	if err != nil {
		return err
	}
	var owner *domain.FileOwner
	if info, err := os.Stat(target); err == nil {
		perm = info.Mode().Perm()
		owner = domain.OwnerOf(info)
	}
	return writeFileAtomic(target, data, perm, owner)
}

// MkdirAll creates path and any missing parents.
func (f *OSFileSystem) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(f.ExpandHome(path), perm)
}

// Remove deletes a single file. Like WriteFile it follows a symbolic link
// and removes the file behind it.
func (f *OSFileSystem) Remove(path string) error {
	target, err := resolveLinks(f.ExpandHome(path))
	if err != nil {
		return err
	}
	return os.Remove(target)
}

// Chown sets the numeric owner and group of path, following symbolic links.
func (f *OSFileSystem) Chown(path string, uid, gid int) error {
	return os.Chown(f.ExpandHome(path), uid, gid)
}

// ExpandHome expands ~ to the user's home directory.
func (f *OSFileSystem) ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(f.homeDir, path[2:])
	}
	if path == "~" {
		return f.homeDir
	}
	return path
}

// resolveLinks follows symbolic links at path until it names something that
// is not a link. A dangling link resolves to its missing target, so writing
// through it creates the target.
func resolveLinks(path string) (string, error) {
	for i := 0; i < maxSymlinkHops; i++ {
		info, err := os.Lstat(path)
		if err != nil || info.Mode()&fs.ModeSymlink == 0 {
			return path, nil
		}
		link, err := os.Readlink(path)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(link) {
			link = filepath.Join(filepath.Dir(path), link)
		}
		path = link
	}
	return "", &fs.PathError{Op: "resolve", Path: path, Err: errors.New("too many levels of symbolic links")}
}

// writeFileAtomic writes data to a temp file next to dst, syncs, then renames
// it over dst so readers never observe a partial write. A non-nil owner is
// applied to the temp file before the rename.
func writeFileAtomic(dst string, data []byte, perm fs.FileMode, owner *domain.FileOwner) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".oracledrive-write-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}

	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}

	if owner != nil {
		info, err := tmpFile.Stat()
		if err != nil {
			tmpFile.Close()
			return err
		}
		if current := domain.OwnerOf(info); current == nil || *current != *owner {
			if err := tmpFile.Chown(owner.UID, owner.GID); err != nil {
				tmpFile.Close()
				return fmt.Errorf("preserve owner of %s: %w", dst, err)
			}
		}
	}
	tmpFile.Close()

	// CreateTemp uses 0600; apply the intended mode before the rename.
	// Chmod comes after Chown, which may clear setuid bits.
	if err = os.Chmod(tmpPath, perm); err != nil {
		return err
	}

	if err = os.Rename(tmpPath, dst); err != nil {
		return err
	}

	success = true
	return nil
}

// Ensure OSFileSystem implements domain.FileSystem.
var _ domain.FileSystem = (*OSFileSystem)(nil)
