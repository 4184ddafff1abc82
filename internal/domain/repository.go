package domain

import (
	"context"
	"errors"
	"io/fs"
)

// SandboxStore owns every sandbox environment and its modification list.
// Implementations hand out copies; mutation is copy-on-write.
type SandboxStore interface {
	// Create registers a new empty sandbox and returns it.
	Create(ctx context.Context, name string, typ SandboxType) (SandboxEnvironment, error)

	// Find returns the sandbox with the given id, ok=false if unknown.
	Find(ctx context.Context, id string) (SandboxEnvironment, bool, error)

	// Append adds a modification to a sandbox. Unknown ids return ErrNotFound.
	Append(ctx context.Context, sandboxID string, mod SystemModification) (SandboxEnvironment, error)

	// List returns a snapshot of all sandboxes in insertion order.
	List(ctx context.Context) ([]SandboxEnvironment, error)
}

// SettingsStore is a small key-value store for integer counters.
// The rate limiter keeps its failure count and last-failure timestamp here.
type SettingsStore interface {
	GetInt(key string) (int, error)
	PutInt(key string, value int) error
	GetInt64(key string) (int64, error)
	PutInt64(key string, value int64) error
}

// FileSystem is the commit engine's only durable output target.
// Operations are atomic at the single-file level only.
type FileSystem interface {
	// Stat returns file info; a missing file returns an error matching fs.ErrNotExist.
	Stat(path string) (fs.FileInfo, error)

	// ReadFile returns the full contents of a file.
	ReadFile(path string) ([]byte, error)

	// WriteFile replaces the contents of a file.
	WriteFile(path string, data []byte, perm fs.FileMode) error

	// MkdirAll creates a directory and its parents.
	MkdirAll(path string, perm fs.FileMode) error

	// Remove deletes a single file.
	Remove(path string) error

	// Chown sets a file's numeric owner and group.
	Chown(path string, uid, gid int) error
}

// CaptureState reads the current state of path through fsys. A missing file
// yields Absent(); any other error is returned. Owner is recorded where the
// platform reports it.
func CaptureState(fsys FileSystem, path string) (FileState, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Absent(), nil
		}
		return FileState{}, err
	}
	data, err := fsys.ReadFile(path)
	if err != nil {
		return FileState{}, err
	}
	state := Present(data, info.Mode().Perm())
	state.Owner = OwnerOf(info)
	return state, nil
}

// PrivilegeProbe reports whether the process can modify system files.
type PrivilegeProbe interface {
	IsPrivileged() bool
}

// SpaceProbe reports free bytes on the volume holding path.
type SpaceProbe interface {
	FreeBytes(path string) (uint64, error)
}

// IsolationProvider is the extension point for environment isolation
// (namespaces, containers, overlay mounts). Implementations decide how a
// sandbox is materialized; the manager only calls these hooks.
type IsolationProvider interface {
	// Name identifies the provider in logs.
	Name() string

	// Init prepares provider-wide infrastructure.
	Init(ctx context.Context) error

	// Prepare creates the isolated environment for a new sandbox.
	Prepare(ctx context.Context, sandbox SandboxEnvironment) error

	// Stage places a modification inside the sandbox, never on the real system.
	Stage(ctx context.Context, sandbox SandboxEnvironment, mod SystemModification) error
}

// BackupJournal durably records pre-commit snapshots so that an interrupted
// commit can be restored later.
type BackupJournal interface {
	// Save persists snapshots under a commit id.
	Save(commitID string, snapshots []Snapshot) error

	// Load returns the snapshots saved for a commit id.
	Load(commitID string) ([]Snapshot, error)

	// Discard removes a commit's snapshots.
	Discard(commitID string) error

	// Pending lists commit ids that still have snapshots, oldest first.
	Pending() ([]string, error)
}

// Executor runs operations on the shared background execution context.
type Executor interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}
