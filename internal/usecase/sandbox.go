package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aurakai/oracledrive/internal/domain"
	"github.com/aurakai/oracledrive/internal/risk"
)

// ManagerDeps wires a Manager. Every field except DataDir is required.
type ManagerDeps struct {
	Store      domain.SandboxStore
	Assessor   *risk.Assessor
	Tester     *Tester
	Gatekeeper *Gatekeeper
	Engine     *CommitEngine
	Isolation  domain.IsolationProvider
	FS         domain.FileSystem
	Executor   domain.Executor
	DataDir    string
	Logger     *zap.Logger
}

// Manager is the public surface of the sandbox system. Every operation runs
// on the shared executor and reports through a domain.SandboxResult; errors
// never cross this boundary.
type Manager struct {
	store      domain.SandboxStore
	assessor   *risk.Assessor
	tester     *Tester
	gatekeeper *Gatekeeper
	engine     *CommitEngine
	isolation  domain.IsolationProvider
	fs         domain.FileSystem
	exec       domain.Executor
	dataDir    string
	logger     *zap.Logger

	mu    sync.RWMutex
	state domain.SandboxState
}

// NewManager creates a manager in the Inactive state.
func NewManager(deps ManagerDeps) *Manager {
	return &Manager{
		store:      deps.Store,
		assessor:   deps.Assessor,
		tester:     deps.Tester,
		gatekeeper: deps.Gatekeeper,
		engine:     deps.Engine,
		isolation:  deps.Isolation,
		fs:         deps.FS,
		exec:       deps.Executor,
		dataDir:    deps.DataDir,
		logger:     deps.Logger,
		state:      domain.StateInactive,
	}
}

// State returns the manager lifecycle state.
func (m *Manager) State() domain.SandboxState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s domain.SandboxState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Initialize prepares the data directory and isolation provider and loads
// the sandboxes already in the store.
func (m *Manager) Initialize(ctx context.Context) *domain.SandboxResult {
	m.setState(domain.StateInitializing)
	m.logger.Info("initializing sandbox system", zap.String("isolation", m.isolation.Name()))

	var count int
	err := m.exec.Do(ctx, func(ctx context.Context) error {
		if m.dataDir != "" {
			if err := m.fs.MkdirAll(m.dataDir, 0700); err != nil {
				return fmt.Errorf("create data directory: %w", err)
			}
		}
		if err := m.isolation.Init(ctx); err != nil {
			return fmt.Errorf("isolation %s: %w", m.isolation.Name(), err)
		}
		existing, err := m.store.List(ctx)
		if err != nil {
			return fmt.Errorf("load sandboxes: %w", err)
		}
		count = len(existing)
		return nil
	})
	if err != nil {
		m.setState(domain.StateError)
		m.logger.Error("failed to initialize sandbox system", zap.Error(err))
		return failure(fmt.Sprintf("Failed to initialize sandbox system: %v", err), err)
	}

	m.setState(domain.StateActive)
	m.logger.Info("sandbox system initialized", zap.Int("sandboxes", count))
	return &domain.SandboxResult{
		Success:  true,
		Message:  "Sandbox system initialized successfully",
		Warnings: []string{"Remember: All modifications are virtualized and safe to experiment with"},
	}
}

// CreateSandbox registers a new sandbox and prepares its isolated environment.
func (m *Manager) CreateSandbox(ctx context.Context, name string, typ domain.SandboxType) *domain.SandboxResult {
	name = strings.TrimSpace(name)
	if name == "" {
		return failure("Failed to create sandbox: name is required", domain.ErrValidation)
	}

	var sb domain.SandboxEnvironment
	err := m.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		sb, err = m.store.Create(ctx, name, typ)
		if err != nil {
			return err
		}
		return m.isolation.Prepare(ctx, sb)
	})
	if err != nil {
		m.logger.Error("failed to create sandbox", zap.String("name", name), zap.Error(err))
		return failure(fmt.Sprintf("Failed to create sandbox: %v", err), err)
	}

	m.logger.Info("created sandbox",
		zap.String("sandbox_id", sb.ID),
		zap.String("name", name),
		zap.String("type", string(typ)))
	return &domain.SandboxResult{
		Success:   true,
		Message:   fmt.Sprintf("Sandbox '%s' created successfully", name),
		Warnings:  []string{"Sandbox is isolated - no changes will affect your real system"},
		SandboxID: sb.ID,
	}
}

// ApplyModification stages a change inside a sandbox. The real file is only
// read, to capture its original state; the content goes to the isolation
// provider and the store.
func (m *Manager) ApplyModification(ctx context.Context, sandboxID, target string, content []byte, description string) *domain.SandboxResult {
	var (
		mod      domain.SystemModification
		notFound bool
	)
	err := m.exec.Do(ctx, func(ctx context.Context) error {
		sb, ok, err := m.store.Find(ctx, sandboxID)
		if err != nil {
			return err
		}
		if !ok {
			notFound = true
			return domain.ErrNotFound
		}

		assessment := m.assessor.Explain(target, content)
		if assessment.Level >= domain.RiskHigh {
			m.logger.Warn("high risk modification staged",
				zap.String("target", target),
				zap.String("risk", assessment.Level.String()),
				zap.String("rule", string(assessment.Rule)),
				zap.String("match", assessment.Detail))
		}

		original := domain.Absent()
		if filepath.IsAbs(target) {
			original, err = domain.CaptureState(m.fs, target)
			if err != nil {
				return fmt.Errorf("read original %s: %w", target, err)
			}
		}

		mod = domain.SystemModification{
			ID:              uuid.NewString(),
			Description:     description,
			TargetFile:      target,
			Original:        original,
			ModifiedContent: append([]byte(nil), content...),
			RiskLevel:       assessment.Level,
			Reversible:      true,
		}

		// Invalid paths are kept so the tester can report them; they are
		// never mirrored into the isolated environment.
		if filepath.IsAbs(target) {
			if err := m.isolation.Stage(ctx, sb, mod); err != nil {
				return err
			}
		}

		_, err = m.store.Append(ctx, sandboxID, mod)
		return err
	})
	if notFound {
		return sandboxNotFound(sandboxID)
	}
	if err != nil {
		m.logger.Error("failed to apply modification", zap.String("sandbox_id", sandboxID), zap.Error(err))
		return failure(fmt.Sprintf("Failed to apply modification: %v", err), err)
	}

	m.logger.Info("applied modification in sandbox",
		zap.String("sandbox_id", sandboxID),
		zap.String("description", description),
		zap.String("risk", mod.RiskLevel.String()))
	return &domain.SandboxResult{
		Success:   true,
		Message:   "Modification applied successfully in sandbox",
		Warnings:  riskWarnings(mod.RiskLevel),
		SandboxID: sandboxID,
	}
}

// TestModifications runs the tester over every staged modification.
func (m *Manager) TestModifications(ctx context.Context, sandboxID string) *domain.SandboxResult {
	var (
		sb       domain.SandboxEnvironment
		found    bool
		warnings []string
		errs     []string
	)
	err := m.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		sb, found, err = m.store.Find(ctx, sandboxID)
		if err != nil || !found {
			return err
		}
		for _, mod := range sb.Modifications {
			result := m.tester.Test(mod)
			label := modLabel(mod)
			for _, w := range result.Warnings {
				warnings = append(warnings, label+": "+w)
			}
			for _, e := range result.Errors {
				errs = append(errs, label+": "+e)
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error("failed to test modifications", zap.String("sandbox_id", sandboxID), zap.Error(err))
		return failure(fmt.Sprintf("Testing failed: %v", err), err)
	}
	if !found {
		return sandboxNotFound(sandboxID)
	}

	level := sb.SafetyLevel()
	m.logger.Info("testing completed",
		zap.String("sandbox_id", sandboxID),
		zap.String("safety", level.String()),
		zap.Int("warnings", len(warnings)),
		zap.Int("errors", len(errs)))
	return &domain.SandboxResult{
		Success:   len(errs) == 0,
		Message:   fmt.Sprintf("Testing completed. Overall safety level: %s", level),
		Warnings:  warnings,
		Errors:    errs,
		SandboxID: sandboxID,
	}
}

// ApplyToRealSystem commits a sandbox after both gates pass: the
// confirmation code first, then the final safety check.
func (m *Manager) ApplyToRealSystem(ctx context.Context, sandboxID, code string) *domain.SandboxResult {
	var result *domain.SandboxResult
	err := m.exec.Do(ctx, func(ctx context.Context) error {
		ok, err := m.gatekeeper.Confirm(ctx, code)
		if err != nil || !ok {
			if err == nil {
				err = domain.ErrConfirmationMismatch
			}
			result = confirmationFailure(err)
			if errors.Is(err, domain.ErrConfirmationMismatch) {
				if locked, lerr := m.gatekeeper.LockedOut(); lerr == nil && locked {
					result.Warnings = append(result.Warnings, lockedOutWarning)
				}
			}
			return nil
		}

		sb, found, err := m.store.Find(ctx, sandboxID)
		if err != nil {
			return err
		}
		if !found {
			result = sandboxNotFound(sandboxID)
			return nil
		}

		check := m.gatekeeper.FinalSafetyCheck(ctx, sb)
		if !check.IsSafe {
			result = &domain.SandboxResult{
				Message:   "Safety check failed: " + check.Reason,
				Errors:    []string{fmt.Sprintf("%v: %s", domain.ErrSafetyRejected, check.Reason)},
				SandboxID: sandboxID,
			}
			return nil
		}

		m.logger.Warn("applying sandbox modifications to real system", zap.String("sandbox_id", sandboxID))
		applied := m.engine.Commit(ctx, sb.Modifications)
		result = commitResult(sandboxID, applied)
		return nil
	})
	if err != nil {
		m.logger.Error("failed to apply to real system", zap.String("sandbox_id", sandboxID), zap.Error(err))
		return failure(fmt.Sprintf("Failed to apply to real system: %v", err), err)
	}
	return result
}

// Shutdown stops the shared executor, if it can be stopped, and returns the
// manager to the Inactive state. Operations submitted afterwards fail.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down sandbox system")
	m.setState(domain.StateInactive)

	stopper, ok := m.exec.(interface {
		Stop(ctx context.Context) error
	})
	if !ok {
		return nil
	}
	if err := stopper.Stop(ctx); err != nil {
		m.logger.Warn("executor did not stop cleanly", zap.Error(err))
		return fmt.Errorf("stop executor: %w", err)
	}
	return nil
}

// Recover restores commits left in the backup journal.
func (m *Manager) Recover(ctx context.Context) *domain.SandboxResult {
	var reports []RecoveryReport
	err := m.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		reports, err = m.engine.Recover(ctx)
		return err
	})
	if err != nil {
		return failure(fmt.Sprintf("Recovery failed: %v", err), err)
	}

	res := &domain.SandboxResult{Success: true}
	restored := 0
	for _, r := range reports {
		restored += len(r.Restored)
		for _, e := range r.Errors {
			res.Errors = append(res.Errors, r.CommitID+": "+e)
		}
	}
	res.Success = len(res.Errors) == 0
	res.Message = fmt.Sprintf("Recovered %d commits (%d files restored)", len(reports), restored)
	if len(reports) == 0 {
		res.Message = "No interrupted commits to recover"
	}
	return res
}

// FindSandbox returns a copy of one sandbox.
func (m *Manager) FindSandbox(ctx context.Context, sandboxID string) (domain.SandboxEnvironment, bool, error) {
	var (
		sb    domain.SandboxEnvironment
		found bool
	)
	err := m.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		sb, found, err = m.store.Find(ctx, sandboxID)
		return err
	})
	return sb, found, err
}

// ListSandboxes returns every sandbox in creation order.
func (m *Manager) ListSandboxes(ctx context.Context) ([]domain.SandboxEnvironment, error) {
	var list []domain.SandboxEnvironment
	err := m.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		list, err = m.store.List(ctx)
		return err
	})
	return list, err
}

// Assess reports the risk tier a modification would receive.
func (m *Manager) Assess(target string, content []byte) risk.Assessment {
	return m.assessor.Explain(target, content)
}

func commitResult(sandboxID string, r domain.ApplicationResult) *domain.SandboxResult {
	if r.Success {
		return &domain.SandboxResult{
			Success:   true,
			Message:   "Modifications successfully applied to real system",
			Warnings:  []string{"Real system has been modified", "Backup created for rollback if needed"},
			SandboxID: sandboxID,
		}
	}

	errs := []string{fmt.Sprintf("%v: %s", domain.ErrCommitFailed, r.FailureReason)}
	errs = append(errs, r.RollbackErrors...)
	res := &domain.SandboxResult{
		Message:   "Failed to apply some modifications: " + r.FailureReason,
		Errors:    errs,
		SandboxID: sandboxID,
	}
	if r.NeedsManualIntervention() {
		res.Warnings = []string{"Manual intervention required: run recover to retry restoring commit " + r.CommitID}
	}
	return res
}

const lockedOutWarning = "Confirmation is now locked; further attempts are refused until the lockout window passes"

func confirmationFailure(err error) *domain.SandboxResult {
	if errors.Is(err, domain.ErrLockedOut) {
		return &domain.SandboxResult{
			Message: "Too many failed confirmation attempts",
			Errors:  []string{err.Error()},
		}
	}
	if errors.Is(err, domain.ErrConfirmation) {
		return &domain.SandboxResult{
			Message: "Invalid confirmation code",
			Errors:  []string{"Confirmation code required for real system modifications"},
		}
	}
	return failure(fmt.Sprintf("Confirmation failed: %v", err), err)
}

func sandboxNotFound(id string) *domain.SandboxResult {
	return &domain.SandboxResult{
		Message: "Sandbox not found",
		Errors:  []string{"Invalid sandbox ID: " + id},
	}
}

func failure(msg string, err error) *domain.SandboxResult {
	return &domain.SandboxResult{Message: msg, Errors: []string{err.Error()}}
}

func riskWarnings(level domain.RiskLevel) []string {
	switch level {
	case domain.RiskHigh:
		return []string{"High risk modification - proceed with caution"}
	case domain.RiskCritical:
		return []string{"CRITICAL risk modification - expert knowledge required"}
	default:
		return nil
	}
}

func modLabel(mod domain.SystemModification) string {
	if mod.Description != "" {
		return mod.Description
	}
	if mod.TargetFile != "" {
		return mod.TargetFile
	}
	return mod.ID
}
