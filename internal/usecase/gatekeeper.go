package usecase

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/aurakai/oracledrive/internal/domain"
)

// Gatekeeper holds the two independent gates in front of the commit engine:
// the confirmation secret and the final safety check.
type Gatekeeper struct {
	secret    [sha256.Size]byte
	limiter   *RateLimiter
	tester    *Tester
	privilege domain.PrivilegeProbe
	logger    *zap.Logger
}

// NewGatekeeper creates a gatekeeper for the given confirmation secret.
func NewGatekeeper(secret string, limiter *RateLimiter, tester *Tester, privilege domain.PrivilegeProbe, logger *zap.Logger) *Gatekeeper {
	return &Gatekeeper{
		secret:    sha256.Sum256([]byte(secret)),
		limiter:   limiter,
		tester:    tester,
		privilege: privilege,
		logger:    logger,
	}
}

// Confirm checks code against the secret under the rate limiter.
// Both sides are hashed to fixed-length digests before the constant-time
// compare, so neither the code length nor the mismatch position shows up
// in timing.
func (g *Gatekeeper) Confirm(ctx context.Context, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	digest := sha256.Sum256([]byte(code))
	match := subtle.ConstantTimeCompare(digest[:], g.secret[:]) == 1

	if err := g.limiter.Attempt(match); err != nil {
		if errors.Is(err, domain.ErrConfirmation) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	g.logger.Info("confirmation code verified")
	return true, nil
}

// LockedOut reports whether the next confirmation would be refused.
func (g *Gatekeeper) LockedOut() (bool, error) {
	return g.limiter.LockedOut()
}

// FinalSafetyCheck decides whether a sandbox may be committed. Checks run in
// a fixed order and the first refusal wins.
func (g *Gatekeeper) FinalSafetyCheck(ctx context.Context, sandbox domain.SandboxEnvironment) domain.SafetyCheck {
	g.logger.Info("performing final safety check",
		zap.String("sandbox_id", sandbox.ID),
		zap.String("sandbox", sandbox.Name))

	check := g.evaluate(ctx, sandbox)

	if check.IsSafe {
		g.logger.Info("final safety check passed", zap.String("reason", check.Reason))
	} else {
		g.logger.Warn("final safety check failed", zap.String("reason", check.Reason))
	}
	return check
}

func (g *Gatekeeper) evaluate(ctx context.Context, sandbox domain.SandboxEnvironment) domain.SafetyCheck {
	if err := ctx.Err(); err != nil {
		return refuse("Safety check cancelled: %v", err)
	}

	if sandbox.SafetyLevel() == domain.SafetyCritical {
		return refuse("Critical safety level detected")
	}

	if len(sandbox.Modifications) == 0 {
		return refuse("No modifications to apply")
	}

	failed := 0
	for _, mod := range sandbox.Modifications {
		if g.tester.Test(mod).Status == domain.TestFailed {
			failed++
		}
	}
	if failed > 0 {
		return refuse("Modifications failed testing (%d of %d)", failed, len(sandbox.Modifications))
	}

	if dups := duplicateTargets(sandbox.Modifications); len(dups) > 0 {
		return refuse("Duplicate target paths detected (conflicting target paths: %s)", strings.Join(dups, ", "))
	}

	if !g.privilege.IsPrivileged() {
		return refuse("No privileged access - cannot apply system modifications")
	}

	return domain.SafetyCheck{
		IsSafe: true,
		Reason: fmt.Sprintf("All safety checks passed (%d modifications validated)", len(sandbox.Modifications)),
	}
}

func refuse(format string, args ...any) domain.SafetyCheck {
	return domain.SafetyCheck{IsSafe: false, Reason: fmt.Sprintf(format, args...)}
}

// duplicateTargets returns every cleaned target path named more than once.
func duplicateTargets(mods []domain.SystemModification) []string {
	seen := make(map[string]int, len(mods))
	for _, m := range mods {
		seen[filepath.Clean(m.TargetFile)]++
	}
	var dups []string
	for path, n := range seen {
		if n > 1 {
			dups = append(dups, path)
		}
	}
	sort.Strings(dups)
	return dups
}
