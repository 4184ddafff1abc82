package infra

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/aurakai/oracledrive/internal/domain"
)

// MarkerProbe implements domain.PrivilegeProbe. The process counts as
// privileged when any marker path exists, or when rootIsPrivileged is set
// and the effective uid is 0.
type MarkerProbe struct {
	markers          []string
	rootIsPrivileged bool
	exists           func(path string) bool
	euid             func() int
}

// NewMarkerProbe creates a probe over the given marker paths.
func NewMarkerProbe(markers []string, rootIsPrivileged bool) *MarkerProbe {
	return &MarkerProbe{
		markers:          append([]string(nil), markers...),
		rootIsPrivileged: rootIsPrivileged,
		exists:           pathExists,
		euid:             effectiveUID,
	}
}

// IsPrivileged reports whether system files may be modified.
func (p *MarkerProbe) IsPrivileged() bool {
	for _, m := range p.markers {
		if p.exists(m) {
			return true
		}
	}
	return p.rootIsPrivileged && p.euid() == 0
}

// Markers returns the configured marker paths.
func (p *MarkerProbe) Markers() []string {
	return append([]string(nil), p.markers...)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// effectiveUID asks gopsutil for the current process uids; index 1 is the
// effective uid on both Linux and Darwin.
func effectiveUID() int {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if uids, err := p.Uids(); err == nil && len(uids) > 1 {
			return int(uids[1])
		}
	}
	return os.Geteuid()
}

// Ensure MarkerProbe implements domain.PrivilegeProbe.
var _ domain.PrivilegeProbe = (*MarkerProbe)(nil)
