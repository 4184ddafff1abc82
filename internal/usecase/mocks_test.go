package usecase

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/aurakai/oracledrive/internal/domain"
	"github.com/aurakai/oracledrive/internal/infra"
	"github.com/aurakai/oracledrive/internal/risk"
)

// fakeFile is one entry in fakeFS.
type fakeFile struct {
	data  []byte
	mode  fs.FileMode
	owner *domain.FileOwner
}

// fakeFileInfo implements fs.FileInfo for fakeFS.
type fakeFileInfo struct {
	name string
	size int64
	mode fs.FileMode
}

func (i fakeFileInfo) Name() string       { return i.name }
func (i fakeFileInfo) Size() int64        { return i.size }
func (i fakeFileInfo) Mode() fs.FileMode  { return i.mode }
func (i fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (i fakeFileInfo) IsDir() bool        { return false }
func (i fakeFileInfo) Sys() any           { return nil }

// fakeFS implements domain.FileSystem in memory with per-path failure
// injection. Each queued error is consumed by one call; nil lets that
// call succeed.
type fakeFS struct {
	mu         sync.Mutex
	files      map[string]fakeFile
	writeErrs  map[string][]error
	readErrs   map[string][]error
	statErrs   map[string]error
	removeErrs map[string]error
	mkdirErrs  map[string]error
	chownErrs  map[string]error
	corrupt    map[string]bool // ReadFile returns different bytes
	writes     []string
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		files:      make(map[string]fakeFile),
		writeErrs:  make(map[string][]error),
		readErrs:   make(map[string][]error),
		statErrs:   make(map[string]error),
		removeErrs: make(map[string]error),
		mkdirErrs:  make(map[string]error),
		chownErrs:  make(map[string]error),
		corrupt:    make(map[string]bool),
	}
}

func (f *fakeFS) put(path, data string, mode fs.FileMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = fakeFile{data: []byte(data), mode: mode}
}

func (f *fakeFS) get(path string) (fakeFile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path]
	return file, ok
}

func (f *fakeFS) Stat(path string) (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statErrs[path]; err != nil {
		return nil, err
	}
	file, ok := f.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return fakeFileInfo{name: filepath.Base(path), size: int64(len(file.data)), mode: file.mode}, nil
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(f.readErrs, path); err != nil {
		return nil, err
	}
	file, ok := f.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	out := append([]byte(nil), file.data...)
	if f.corrupt[path] {
		out = append(out, '!')
	}
	return out, nil
}

func (f *fakeFS) WriteFile(path string, data []byte, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(f.writeErrs, path); err != nil {
		return err
	}
	var owner *domain.FileOwner
	if existing, ok := f.files[path]; ok {
		perm = existing.mode
		owner = existing.owner
	}
	f.files[path] = fakeFile{data: append([]byte(nil), data...), mode: perm, owner: owner}
	f.writes = append(f.writes, path)
	return nil
}

func (f *fakeFS) MkdirAll(path string, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mkdirErrs[path]
}

func (f *fakeFS) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErrs[path]; err != nil {
		return err
	}
	if _, ok := f.files[path]; !ok {
		return &fs.PathError{Op: "remove", Path: path, Err: fs.ErrNotExist}
	}
	delete(f.files, path)
	return nil
}

func (f *fakeFS) Chown(path string, uid, gid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.chownErrs[path]; err != nil {
		return err
	}
	file, ok := f.files[path]
	if !ok {
		return &fs.PathError{Op: "chown", Path: path, Err: fs.ErrNotExist}
	}
	file.owner = &domain.FileOwner{UID: uid, GID: gid}
	f.files[path] = file
	return nil
}

func pop(queue map[string][]error, path string) error {
	errs := queue[path]
	if len(errs) == 0 {
		return nil
	}
	queue[path] = errs[1:]
	return errs[0]
}

// fakePrivilege implements domain.PrivilegeProbe.
type fakePrivilege struct {
	privileged bool
}

func (p *fakePrivilege) IsPrivileged() bool { return p.privileged }

// fakeSpace implements domain.SpaceProbe.
type fakeSpace struct {
	free uint64
	err  error
}

func (s *fakeSpace) FreeBytes(path string) (uint64, error) { return s.free, s.err }

// fakeJournal implements domain.BackupJournal in memory.
type fakeJournal struct {
	entries map[string][]domain.Snapshot
	saveErr error
	loadErr error
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{entries: make(map[string][]domain.Snapshot)}
}

func (j *fakeJournal) Save(commitID string, snapshots []domain.Snapshot) error {
	if j.saveErr != nil {
		return j.saveErr
	}
	j.entries[commitID] = append([]domain.Snapshot(nil), snapshots...)
	return nil
}

func (j *fakeJournal) Load(commitID string) ([]domain.Snapshot, error) {
	if j.loadErr != nil {
		return nil, j.loadErr
	}
	snaps, ok := j.entries[commitID]
	if !ok {
		return nil, errors.New("no such commit")
	}
	return snaps, nil
}

func (j *fakeJournal) Discard(commitID string) error {
	delete(j.entries, commitID)
	return nil
}

func (j *fakeJournal) Pending() ([]string, error) {
	ids := make([]string, 0, len(j.entries))
	for id := range j.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// failingSettings implements domain.SettingsStore and fails every call.
type failingSettings struct{}

var errSettings = errors.New("settings unavailable")

func (failingSettings) GetInt(string) (int, error)     { return 0, errSettings }
func (failingSettings) PutInt(string, int) error       { return errSettings }
func (failingSettings) GetInt64(string) (int64, error) { return 0, errSettings }
func (failingSettings) PutInt64(string, int64) error   { return errSettings }

// recordingIsolation implements domain.IsolationProvider and records calls.
type recordingIsolation struct {
	initErr  error
	prepared []string
	staged   []string
}

func (r *recordingIsolation) Name() string { return "recording" }

func (r *recordingIsolation) Init(ctx context.Context) error { return r.initErr }

func (r *recordingIsolation) Prepare(ctx context.Context, sb domain.SandboxEnvironment) error {
	r.prepared = append(r.prepared, sb.ID)
	return nil
}

func (r *recordingIsolation) Stage(ctx context.Context, sb domain.SandboxEnvironment, mod domain.SystemModification) error {
	r.staged = append(r.staged, mod.TargetFile)
	return nil
}

// inlineExecutor implements domain.Executor on the caller's goroutine.
type inlineExecutor struct {
	calls int
}

func (e *inlineExecutor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	e.calls++
	return fn(ctx)
}

const testSecret = "ORACLE_DRIVE_CONFIRM"

// managerFixture bundles a Manager with the fakes behind it.
type managerFixture struct {
	manager   *Manager
	fs        *fakeFS
	store     *infra.MemoryStore
	privilege *fakePrivilege
	isolation *recordingIsolation
	exec      *inlineExecutor
	clock     *clock.Mock
}

func newManagerFixture() *managerFixture {
	logger := zap.NewNop()
	fx := &managerFixture{
		fs:        newFakeFS(),
		store:     infra.NewMemoryStore(),
		privilege: &fakePrivilege{privileged: true},
		isolation: &recordingIsolation{},
		exec:      &inlineExecutor{},
		clock:     clock.NewMock(),
	}
	tester := NewTester(logger)
	limiter := NewRateLimiter(infra.NewMemorySettings(), fx.clock, 3, time.Hour, logger)
	fx.manager = NewManager(ManagerDeps{
		Store:      fx.store,
		Assessor:   risk.NewDefaultAssessor(),
		Tester:     tester,
		Gatekeeper: NewGatekeeper(testSecret, limiter, tester, fx.privilege, logger),
		Engine:     NewCommitEngine(fx.fs, logger),
		Isolation:  fx.isolation,
		FS:         fx.fs,
		Executor:   fx.exec,
		DataDir:    "/data/oracledrive",
		Logger:     logger,
	})
	return fx
}
