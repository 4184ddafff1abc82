package infra

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aurakai/oracledrive/internal/domain"
)

// DiskSpaceProbe implements domain.SpaceProbe with gopsutil disk usage.
type DiskSpaceProbe struct{}

// NewDiskSpaceProbe creates a space probe.
func NewDiskSpaceProbe() *DiskSpaceProbe {
	return &DiskSpaceProbe{}
}

// FreeBytes returns free bytes on the volume that would hold path.
// Missing path components are skipped until an existing ancestor is found.
func (p *DiskSpaceProbe) FreeBytes(path string) (uint64, error) {
	dir := nearestExisting(filepath.Clean(path))
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", dir, err)
	}
	return usage.Free, nil
}

func nearestExisting(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

// Ensure DiskSpaceProbe implements domain.SpaceProbe.
var _ domain.SpaceProbe = (*DiskSpaceProbe)(nil)
