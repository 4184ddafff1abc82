// Package usecase contains application business logic.
package usecase

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/aurakai/oracledrive/internal/domain"
)

const (
	// VeryLargePayloadBytes triggers a size warning.
	VeryLargePayloadBytes = 100 * 1024 * 1024

	// SmallBinaryBytes is the size below which a binary payload looks truncated.
	SmallBinaryBytes = 100
)

var binaryExtensions = []string{".so", ".apk", ".dex"}

// Tester runs static validation checks against a staged modification.
// Every check runs; findings are accumulated rather than short-circuited.
type Tester struct {
	logger *zap.Logger
}

// NewTester creates a modification tester.
func NewTester(logger *zap.Logger) *Tester {
	return &Tester{logger: logger}
}

// Test validates one modification. It has no side effects besides logging,
// so repeated calls on the same modification return equal results.
func (t *Tester) Test(mod domain.SystemModification) domain.TestResult {
	var warnings, errs []string

	if mod.RiskLevel > domain.RiskLow {
		warnings = append(warnings, fmt.Sprintf("Risk level: %s", mod.RiskLevel))
	}

	if mod.TargetFile == "" || !strings.HasPrefix(mod.TargetFile, "/") {
		errs = append(errs, fmt.Sprintf("Invalid target file path: %s", mod.TargetFile))
	}

	if hasParentSegment(mod.TargetFile) {
		errs = append(errs, "Path traversal detected in target file")
	}

	if isBinaryTarget(mod.TargetFile) && len(mod.ModifiedContent) < SmallBinaryBytes {
		warnings = append(warnings, "Suspicious small size for binary file")
	}

	if len(mod.ModifiedContent) > VeryLargePayloadBytes {
		warnings = append(warnings, fmt.Sprintf("Very large modification (%dMB)", len(mod.ModifiedContent)/(1024*1024)))
	}

	result := domain.TestResult{Status: domain.TestPassed, Warnings: warnings, Errors: errs}
	switch {
	case len(errs) > 0:
		result.Status = domain.TestFailed
	case len(warnings) > 0:
		result.Status = domain.TestPassedWithWarnings
	}

	t.logger.Debug("modification tested",
		zap.String("target", mod.TargetFile),
		zap.String("status", string(result.Status)),
		zap.Int("warnings", len(warnings)),
		zap.Int("errors", len(errs)))

	return result
}

func hasParentSegment(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func isBinaryTarget(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, b := range binaryExtensions {
		if ext == b {
			return true
		}
	}
	return false
}
