// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"os"
	"path/filepath"
)

// FakeRootFS creates a directory tree mimicking a device's system partitions
// under a temporary root.
type FakeRootFS struct {
	Root string
}

// NewFakeRootFS creates a new fake root generator.
func NewFakeRootFS(root string) *FakeRootFS {
	return &FakeRootFS{Root: root}
}

// Default files written by Create, relative to Root.
var defaultFiles = map[string]string{
	"system/etc/hosts":      "127.0.0.1 localhost\n",
	"system/build.prop":     "ro.build.version.sdk=34\n",
	"vendor/etc/audio.conf": "volume=7\n",
	"data/local/tmp/.keep":  "",
	"boot/kernel":           "fake kernel image",
}

// Create writes the default tree.
func (f *FakeRootFS) Create() error {
	for rel, content := range defaultFiles {
		if err := f.WriteFile(rel, content, 0644); err != nil {
			return err
		}
	}
	return nil
}

// MarkRooted drops an su binary where privilege probes look for it and
// returns its path.
func (f *FakeRootFS) MarkRooted() (string, error) {
	path := f.Path("system/xbin/su")
	if err := f.WriteFile("system/xbin/su", "#!/bin/sh\n", 0755); err != nil {
		return "", err
	}
	return path, nil
}

// Path returns the absolute path of rel inside the fake root.
func (f *FakeRootFS) Path(rel string) string {
	return filepath.Join(f.Root, rel)
}

// WriteFile creates rel and its parents.
func (f *FakeRootFS) WriteFile(rel, content string, perm os.FileMode) error {
	path := f.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), perm)
}

// ReadFile returns the content of rel, or "" if it cannot be read.
func (f *FakeRootFS) ReadFile(rel string) string {
	data, err := os.ReadFile(f.Path(rel))
	if err != nil {
		return ""
	}
	return string(data)
}

// Exists checks if rel exists.
func (f *FakeRootFS) Exists(rel string) bool {
	_, err := os.Stat(f.Path(rel))
	return err == nil
}

// Symlink creates rel as a symbolic link to target. A relative target is
// resolved from rel's directory.
func (f *FakeRootFS) Symlink(rel, target string) error {
	path := f.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.Symlink(target, path)
}

// IsSymlink reports whether rel itself is a symbolic link.
func (f *FakeRootFS) IsSymlink(rel string) bool {
	info, err := os.Lstat(f.Path(rel))
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

// Cleanup removes the whole tree.
func (f *FakeRootFS) Cleanup() error {
	return os.RemoveAll(f.Root)
}
