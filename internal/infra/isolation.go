package infra

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/aurakai/oracledrive/internal/domain"
)

const (
	layerUpper  = "upper"
	layerWork   = "work"
	layerMerged = "merged"
)

// LayeredIsolation materializes each sandbox as an overlay-style directory
// tree under root: upper holds staged content mirrored at its target path,
// work and merged are reserved for a future mount step.
type LayeredIsolation struct {
	root   string
	fs     domain.FileSystem
	logger *zap.Logger
}

// NewLayeredIsolation creates a provider rooted at root.
func NewLayeredIsolation(root string, fsys domain.FileSystem, logger *zap.Logger) *LayeredIsolation {
	return &LayeredIsolation{root: root, fs: fsys, logger: logger}
}

func (l *LayeredIsolation) Name() string { return "layered" }

// Init creates the provider root.
func (l *LayeredIsolation) Init(ctx context.Context) error {
	if err := l.fs.MkdirAll(l.root, 0700); err != nil {
		return fmt.Errorf("create sandbox root: %w", err)
	}
	return nil
}

// Prepare creates the layer directories for a sandbox.
func (l *LayeredIsolation) Prepare(ctx context.Context, sandbox domain.SandboxEnvironment) error {
	for _, layer := range []string{layerUpper, layerWork, layerMerged} {
		if err := l.fs.MkdirAll(filepath.Join(l.SandboxDir(sandbox.ID), layer), 0700); err != nil {
			return fmt.Errorf("create %s layer: %w", layer, err)
		}
	}
	l.logger.Debug("sandbox layers prepared",
		zap.String("sandbox_id", sandbox.ID),
		zap.String("dir", l.SandboxDir(sandbox.ID)))
	return nil
}

// Stage writes the modification's content into the sandbox's upper layer.
func (l *LayeredIsolation) Stage(ctx context.Context, sandbox domain.SandboxEnvironment, mod domain.SystemModification) error {
	dst, err := l.UpperPath(sandbox.ID, mod.TargetFile)
	if err != nil {
		return err
	}
	if err := l.fs.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	if err := l.fs.WriteFile(dst, mod.ModifiedContent, 0600); err != nil {
		return fmt.Errorf("stage %s: %w", mod.TargetFile, err)
	}
	l.logger.Debug("modification staged",
		zap.String("sandbox_id", sandbox.ID),
		zap.String("target", mod.TargetFile),
		zap.String("staged", dst))
	return nil
}

// SandboxDir returns the directory holding a sandbox's layers.
func (l *LayeredIsolation) SandboxDir(sandboxID string) string {
	return filepath.Join(l.root, sandboxID)
}

// UpperPath maps a real target path into the sandbox's upper layer.
// Targets that would escape the layer are rejected.
func (l *LayeredIsolation) UpperPath(sandboxID, target string) (string, error) {
	upper := filepath.Join(l.SandboxDir(sandboxID), layerUpper)
	rel := strings.TrimPrefix(filepath.Clean("/"+target), "/")
	if rel == "" {
		return "", fmt.Errorf("%w: empty target path", domain.ErrValidation)
	}
	dst := filepath.Join(upper, rel)
	if !strings.HasPrefix(dst, upper+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: target %q escapes sandbox", domain.ErrValidation, target)
	}
	return dst, nil
}

// NoopIsolation keeps staged modifications only in the store.
type NoopIsolation struct{}

func (NoopIsolation) Name() string { return "none" }

func (NoopIsolation) Init(ctx context.Context) error { return nil }

func (NoopIsolation) Prepare(ctx context.Context, sandbox domain.SandboxEnvironment) error {
	return nil
}

func (NoopIsolation) Stage(ctx context.Context, sandbox domain.SandboxEnvironment, mod domain.SystemModification) error {
	return nil
}

var _ domain.IsolationProvider = (*LayeredIsolation)(nil)
var _ domain.IsolationProvider = NoopIsolation{}
