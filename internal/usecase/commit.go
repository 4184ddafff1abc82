package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aurakai/oracledrive/internal/domain"
)

// defaultFileMode applies to files the commit creates.
const defaultFileMode fs.FileMode = 0644

// CommitEngine applies modifications to the real file system in three
// phases: backup every target, write and verify each one in order, and
// restore the backups if anything in the apply phase fails.
type CommitEngine struct {
	fs      domain.FileSystem
	journal domain.BackupJournal
	space   domain.SpaceProbe
	newID   func() string
	logger  *zap.Logger
}

// CommitOption configures optional CommitEngine collaborators.
type CommitOption func(*CommitEngine)

// WithJournal persists snapshots before any write so Recover can restore
// them after a crash.
func WithJournal(j domain.BackupJournal) CommitOption {
	return func(e *CommitEngine) { e.journal = j }
}

// WithSpaceProbe aborts commits whose payloads do not fit on the target volume.
func WithSpaceProbe(p domain.SpaceProbe) CommitOption {
	return func(e *CommitEngine) { e.space = p }
}

// WithCommitIDs overrides commit id generation.
func WithCommitIDs(fn func() string) CommitOption {
	return func(e *CommitEngine) { e.newID = fn }
}

// NewCommitEngine creates a commit engine writing through fsys.
func NewCommitEngine(fsys domain.FileSystem, logger *zap.Logger, opts ...CommitOption) *CommitEngine {
	e := &CommitEngine{
		fs:     fsys,
		newID:  func() string { return ulid.Make().String() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecoveryReport describes one journal entry processed by Recover.
type RecoveryReport struct {
	CommitID string
	Restored []string
	Errors   []string
}

// Commit applies mods in order. It never returns an error: every outcome is
// described by the ApplicationResult.
func (e *CommitEngine) Commit(ctx context.Context, mods []domain.SystemModification) domain.ApplicationResult {
	commitID := e.newID()
	log := e.logger.With(zap.String("commit_id", commitID))
	log.Warn("applying modifications to real system",
		zap.Int("modifications", len(mods)),
		zap.Bool("journal", e.journal != nil))

	// Phase 1: backup. Nothing has been written yet, so failures abort.
	snapshots, err := e.backup(mods)
	if err != nil {
		log.Error("backup phase failed", zap.Error(err))
		return aborted(commitID, fmt.Sprintf("Backup phase failed: %v", err))
	}

	if err := e.checkSpace(mods); err != nil {
		log.Error("space check failed", zap.Error(err))
		return aborted(commitID, fmt.Sprintf("Backup phase failed: %v", err))
	}

	if e.journal != nil {
		if err := e.journal.Save(commitID, snapshots); err != nil {
			log.Error("journal write failed", zap.Error(err))
			return aborted(commitID, fmt.Sprintf("Backup phase failed: journal: %v", err))
		}
	}

	// Phase 2: apply and verify.
	applied, applyErr := e.apply(ctx, mods, snapshots, log)
	if applyErr == nil {
		e.discard(commitID, log)
		log.Info("modifications applied", zap.Int("applied", len(applied)))
		return domain.ApplicationResult{
			Success:  true,
			Outcome:  domain.OutcomeApplied,
			CommitID: commitID,
			Applied:  applied,
		}
	}

	// Phase 3: rollback.
	log.Error("apply phase failed - initiating rollback", zap.Error(applyErr))
	_, rollbackErr := e.restore(snapshots, log)
	if rollbackErr != nil {
		var msgs []string
		for _, err := range multierr.Errors(rollbackErr) {
			msgs = append(msgs, err.Error())
		}
		log.Error("rollback incomplete - manual intervention required",
			zap.Strings("rollback_errors", msgs))
		return domain.ApplicationResult{
			FailureReason:  fmt.Sprintf("CRITICAL: Modification failed AND rollback incomplete: %v", applyErr),
			Outcome:        domain.OutcomeRollbackIncomplete,
			CommitID:       commitID,
			Applied:        applied,
			RollbackErrors: msgs,
		}
	}

	e.discard(commitID, log)
	log.Info("rolled back successfully")
	return domain.ApplicationResult{
		FailureReason: fmt.Sprintf("Modification failed: %v. System rolled back successfully.", applyErr),
		Outcome:       domain.OutcomeRolledBack,
		CommitID:      commitID,
		Applied:       applied,
	}
}

// backup snapshots every distinct target. The first occurrence of a path
// wins, since later occurrences would only see the earlier write.
func (e *CommitEngine) backup(mods []domain.SystemModification) ([]domain.Snapshot, error) {
	seen := make(map[string]bool, len(mods))
	snapshots := make([]domain.Snapshot, 0, len(mods))
	for _, mod := range mods {
		if seen[mod.TargetFile] {
			continue
		}
		seen[mod.TargetFile] = true

		state, err := domain.CaptureState(e.fs, mod.TargetFile)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", mod.TargetFile, err)
		}
		e.logger.Debug("backed up target",
			zap.String("path", mod.TargetFile),
			zap.Bool("exists", state.Exists),
			zap.Int("bytes", len(state.Data)))
		snapshots = append(snapshots, domain.Snapshot{Path: mod.TargetFile, State: state})
	}
	return snapshots, nil
}

// checkSpace requires every target directory's volume to hold the whole
// payload. Overcounting across volumes is accepted.
func (e *CommitEngine) checkSpace(mods []domain.SystemModification) error {
	if e.space == nil {
		return nil
	}
	var total uint64
	dirs := make(map[string]bool)
	for _, mod := range mods {
		total += uint64(len(mod.ModifiedContent))
		dirs[filepath.Dir(mod.TargetFile)] = true
	}

	ordered := make([]string, 0, len(dirs))
	for d := range dirs {
		ordered = append(ordered, d)
	}
	sort.Strings(ordered)

	for _, dir := range ordered {
		free, err := e.space.FreeBytes(dir)
		if err != nil {
			return fmt.Errorf("free space for %s: %w", dir, err)
		}
		if free < total {
			return fmt.Errorf("insufficient free space at %s: need %d bytes, have %d", dir, total, free)
		}
	}
	return nil
}

func (e *CommitEngine) apply(ctx context.Context, mods []domain.SystemModification, snapshots []domain.Snapshot, log *zap.Logger) ([]string, error) {
	modes := make(map[string]fs.FileMode, len(snapshots))
	for _, s := range snapshots {
		if s.State.Exists {
			modes[s.Path] = s.State.Mode
		}
	}

	applied := make([]string, 0, len(mods))
	for _, mod := range mods {
		if err := ctx.Err(); err != nil {
			return applied, fmt.Errorf("cancelled before %s: %w", mod.TargetFile, err)
		}

		if err := e.fs.MkdirAll(filepath.Dir(mod.TargetFile), 0755); err != nil {
			return applied, fmt.Errorf("apply failed at %s: %w", mod.TargetFile, err)
		}

		perm, ok := modes[mod.TargetFile]
		if !ok {
			perm = defaultFileMode
		}
		if err := e.fs.WriteFile(mod.TargetFile, mod.ModifiedContent, perm); err != nil {
			return applied, fmt.Errorf("apply failed at %s: %w", mod.TargetFile, err)
		}
		applied = append(applied, mod.TargetFile)

		written, err := e.fs.ReadFile(mod.TargetFile)
		if err != nil {
			return applied, fmt.Errorf("apply failed at %s: verify: %w", mod.TargetFile, err)
		}
		if !bytes.Equal(written, mod.ModifiedContent) {
			return applied, fmt.Errorf("apply failed at %s: verification failed: content mismatch", mod.TargetFile)
		}

		log.Info("applied", zap.String("path", mod.TargetFile), zap.Int("bytes", len(mod.ModifiedContent)))
	}
	return applied, nil
}

// restore returns every snapshot's path to its captured state. All
// snapshots are attempted; failures are combined with multierr.
func (e *CommitEngine) restore(snapshots []domain.Snapshot, log *zap.Logger) ([]string, error) {
	var (
		restored []string
		errs     error
	)
	for _, s := range snapshots {
		if !s.State.Exists {
			err := e.fs.Remove(s.Path)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				log.Error("rollback failed", zap.String("path", s.Path), zap.Error(err))
				errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", s.Path, err))
				continue
			}
			log.Debug("rollback: removed new file", zap.String("path", s.Path))
			restored = append(restored, s.Path)
			continue
		}

		if err := e.fs.WriteFile(s.Path, s.State.Data, s.State.Mode); err != nil {
			log.Error("rollback failed", zap.String("path", s.Path), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("restore %s: %w", s.Path, err))
			continue
		}
		if owner := s.State.Owner; owner != nil {
			if err := e.fs.Chown(s.Path, owner.UID, owner.GID); err != nil {
				log.Error("rollback failed", zap.String("path", s.Path), zap.Error(err))
				errs = multierr.Append(errs, fmt.Errorf("restore owner %s: %w", s.Path, err))
				continue
			}
		}
		log.Debug("rollback: restored", zap.String("path", s.Path))
		restored = append(restored, s.Path)
	}
	return restored, errs
}

func (e *CommitEngine) discard(commitID string, log *zap.Logger) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Discard(commitID); err != nil {
		log.Warn("failed to discard journal entry", zap.Error(err))
	}
}

// Recover restores every commit still recorded in the journal, oldest first.
// Entries restored cleanly are discarded; the rest stay for another attempt.
func (e *CommitEngine) Recover(ctx context.Context) ([]RecoveryReport, error) {
	if e.journal == nil {
		return nil, nil
	}
	pending, err := e.journal.Pending()
	if err != nil {
		return nil, fmt.Errorf("list pending commits: %w", err)
	}

	reports := make([]RecoveryReport, 0, len(pending))
	for _, id := range pending {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		log := e.logger.With(zap.String("commit_id", id))
		report := RecoveryReport{CommitID: id}

		snapshots, err := e.journal.Load(id)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			reports = append(reports, report)
			log.Error("failed to load journal entry", zap.Error(err))
			continue
		}

		restored, err := e.restore(snapshots, log)
		report.Restored = restored
		if err != nil {
			for _, re := range multierr.Errors(err) {
				report.Errors = append(report.Errors, re.Error())
			}
		} else {
			e.discard(id, log)
		}
		log.Info("journal entry recovered", zap.Int("errors", len(report.Errors)))
		reports = append(reports, report)
	}
	return reports, nil
}

func aborted(commitID, reason string) domain.ApplicationResult {
	return domain.ApplicationResult{
		FailureReason: reason,
		Outcome:       domain.OutcomeAborted,
		CommitID:      commitID,
	}
}
