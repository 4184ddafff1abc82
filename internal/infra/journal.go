package infra

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aurakai/oracledrive/internal/domain"
)

const (
	manifestName   = "manifest.json"
	journalTmpSufx = ".tmp"
)

// journalEntry records one snapshot in a commit manifest.
type journalEntry struct {
	Path   string            `json:"path"`
	Exists bool              `json:"exists"`
	Mode   os.FileMode       `json:"mode"`
	Owner  *domain.FileOwner `json:"owner,omitempty"`
	SHA256 string            `json:"sha256,omitempty"`
	Blob   string            `json:"blob,omitempty"`
}

// journalManifest describes a saved commit.
type journalManifest struct {
	CommitID  string         `json:"commit_id"`
	CreatedAt time.Time      `json:"created_at"`
	Entries   []journalEntry `json:"entries"`
}

// FileBackupJournal implements domain.BackupJournal as one directory per
// commit holding a manifest plus the original bytes of each existing file.
// Each blob is checked against its recorded SHA-256 on load.
type FileBackupJournal struct {
	dir    string
	logger *zap.Logger
}

// NewFileBackupJournal stores commit snapshots under dir.
func NewFileBackupJournal(dir string, logger *zap.Logger) *FileBackupJournal {
	return &FileBackupJournal{dir: dir, logger: logger}
}

// Dir returns the journal root.
func (j *FileBackupJournal) Dir() string {
	return j.dir
}

// Save writes the snapshots to a staging directory and renames it into
// place, so a crash never leaves a half-written commit visible to Pending.
func (j *FileBackupJournal) Save(commitID string, snapshots []domain.Snapshot) error {
	if err := validCommitID(commitID); err != nil {
		return err
	}
	if err := os.MkdirAll(j.dir, 0700); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	final := filepath.Join(j.dir, commitID)
	staging := final + journalTmpSufx
	_ = os.RemoveAll(staging)
	if err := os.Mkdir(staging, 0700); err != nil {
		return fmt.Errorf("failed to create journal entry: %w", err)
	}

	success := false
	defer func() {
		if !success {
			os.RemoveAll(staging)
		}
	}()

	manifest := journalManifest{CommitID: commitID, CreatedAt: time.Now().UTC()}
	for i, snap := range snapshots {
		entry := journalEntry{Path: snap.Path, Exists: snap.State.Exists, Mode: snap.State.Mode, Owner: snap.State.Owner}
		if snap.State.Exists {
			entry.Blob = fmt.Sprintf("%04d.bin", i)
			entry.SHA256 = digest(snap.State.Data)
			if err := writeFileAtomic(filepath.Join(staging, entry.Blob), snap.State.Data, 0600, nil); err != nil {
				return fmt.Errorf("failed to write snapshot of %s: %w", snap.Path, err)
			}
		}
		manifest.Entries = append(manifest.Entries, entry)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(staging, manifestName), data, 0600, nil); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("failed to publish journal entry: %w", err)
	}
	success = true

	j.logger.Debug("journal entry saved",
		zap.String("commit_id", commitID),
		zap.Int("snapshots", len(snapshots)))
	return nil
}

// Load reads a commit's snapshots and verifies every blob.
func (j *FileBackupJournal) Load(commitID string) ([]domain.Snapshot, error) {
	if err := validCommitID(commitID); err != nil {
		return nil, err
	}
	entryDir := filepath.Join(j.dir, commitID)

	data, err := os.ReadFile(filepath.Join(entryDir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest journalManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	snapshots := make([]domain.Snapshot, 0, len(manifest.Entries))
	for _, e := range manifest.Entries {
		if !e.Exists {
			snapshots = append(snapshots, domain.Snapshot{Path: e.Path, State: domain.Absent()})
			continue
		}
		blob, err := os.ReadFile(filepath.Join(entryDir, filepath.Base(e.Blob)))
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot of %s: %w", e.Path, err)
		}
		if digest(blob) != e.SHA256 {
			return nil, fmt.Errorf("snapshot of %s is corrupted (sha256 mismatch)", e.Path)
		}
		state := domain.Present(blob, e.Mode)
		state.Owner = e.Owner
		snapshots = append(snapshots, domain.Snapshot{Path: e.Path, State: state})
	}
	return snapshots, nil
}

// Discard removes a commit's entry. Unknown ids are not an error.
func (j *FileBackupJournal) Discard(commitID string) error {
	if err := validCommitID(commitID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(j.dir, commitID)); err != nil {
		return fmt.Errorf("failed to discard journal entry: %w", err)
	}
	return nil
}

// Pending lists saved commit ids in lexical order. ULID commit ids make
// that the order they were created in.
func (j *FileBackupJournal) Pending() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), journalTmpSufx) {
			continue
		}
		if _, err := os.Stat(filepath.Join(j.dir, e.Name(), manifestName)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func validCommitID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: invalid commit id %q", domain.ErrValidation, id)
	}
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ensure FileBackupJournal implements domain.BackupJournal.
var _ domain.BackupJournal = (*FileBackupJournal)(nil)
