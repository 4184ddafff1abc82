//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/aurakai/oracledrive/internal/dispatch"
	"github.com/aurakai/oracledrive/internal/domain"
	"github.com/aurakai/oracledrive/internal/infra"
	"github.com/aurakai/oracledrive/internal/risk"
	"github.com/aurakai/oracledrive/internal/usecase"
	"github.com/aurakai/oracledrive/test/fixtures"
)

const confirmationCode = "ORACLE_DRIVE_CONFIRM"

// harness wires a Manager against a fake root file tree, an encrypted store
// and a journal in a temporary data directory.
type harness struct {
	tmpDir  string
	dataDir string
	rootfs  *fixtures.FakeRootFS
	key     []byte
	store   *infra.EncryptedStore
	journal *infra.FileBackupJournal
	layers  *infra.LayeredIsolation
	clock   *clock.Mock
	suPath  string
	manager *usecase.Manager
}

func newHarness() *harness {
	tmpDir, err := os.MkdirTemp("", "oracledrive-integration-*")
	Expect(err).NotTo(HaveOccurred())

	h := &harness{
		tmpDir:  tmpDir,
		dataDir: filepath.Join(tmpDir, "data"),
		rootfs:  fixtures.NewFakeRootFS(filepath.Join(tmpDir, "root")),
		clock:   clock.NewMock(),
	}
	Expect(h.rootfs.Create()).To(Succeed())
	h.suPath, err = h.rootfs.MarkRooted()
	Expect(err).NotTo(HaveOccurred())

	Expect(os.MkdirAll(h.dataDir, 0700)).To(Succeed())
	h.key, err = infra.NewKeyFile(h.dataDir).Ensure()
	Expect(err).NotTo(HaveOccurred())

	h.open()
	return h
}

// open (re)opens the store and rebuilds the manager on top of it.
func (h *harness) open() {
	logger := zap.NewNop()
	store, err := infra.NewEncryptedStore(filepath.Join(h.dataDir, "sandbox.db"), h.key)
	Expect(err).NotTo(HaveOccurred())
	h.store = store

	fsys := infra.NewOSFileSystem()
	h.journal = infra.NewFileBackupJournal(filepath.Join(h.dataDir, "journal"), logger)
	h.layers = infra.NewLayeredIsolation(filepath.Join(h.dataDir, "sandboxes"), fsys, logger)

	rules := risk.DefaultRules()
	rules.CriticalPrefixes = []string{h.rootfs.Path("boot"), h.rootfs.Path("system/bin")}
	rules.SystemPrefixes = []string{h.rootfs.Path("system"), h.rootfs.Path("vendor")}

	tester := usecase.NewTester(logger)
	limiter := usecase.NewRateLimiter(store, h.clock, 3, time.Hour, logger)
	privilege := infra.NewMarkerProbe([]string{h.suPath}, false)

	h.manager = usecase.NewManager(usecase.ManagerDeps{
		Store:      store,
		Assessor:   risk.NewAssessor(rules),
		Tester:     tester,
		Gatekeeper: usecase.NewGatekeeper(confirmationCode, limiter, tester, privilege, logger),
		Engine:     usecase.NewCommitEngine(fsys, logger, usecase.WithJournal(h.journal), usecase.WithSpaceProbe(infra.NewDiskSpaceProbe())),
		Isolation:  h.layers,
		FS:         fsys,
		Executor:   dispatch.Inline{},
		DataDir:    h.dataDir,
		Logger:     logger,
	})
	Expect(h.manager.Initialize(context.Background()).Success).To(BeTrue())
}

func (h *harness) reopen() {
	Expect(h.store.Close()).To(Succeed())
	h.open()
}

func (h *harness) close() {
	_ = h.store.Close()
	os.RemoveAll(h.tmpDir)
}

func (h *harness) createSandbox(name string) string {
	res := h.manager.CreateSandbox(context.Background(), name, domain.TypeSystemModification)
	Expect(res.Success).To(BeTrue(), res.Message)
	return res.SandboxID
}

func (h *harness) stage(id, rel, content string) *domain.SandboxResult {
	return h.manager.ApplyModification(context.Background(), id, h.rootfs.Path(rel), []byte(content), "change "+rel)
}

var _ = Describe("Sandbox Manager", func() {
	var (
		h   *harness
		ctx context.Context
	)

	BeforeEach(func() {
		h = newHarness()
		ctx = context.Background()
	})

	AfterEach(func() {
		h.close()
	})

	Describe("staging", func() {
		It("should keep the real file untouched and mirror content into the upper layer", func() {
			id := h.createSandbox("hosts")

			res := h.stage(id, "system/etc/hosts", "0.0.0.0 ads.example\n")
			Expect(res.Success).To(BeTrue(), res.Message)
			Expect(res.Warnings).To(ContainElement("High risk modification - proceed with caution"))

			Expect(h.rootfs.ReadFile("system/etc/hosts")).To(Equal("127.0.0.1 localhost\n"))

			upper, err := h.layers.UpperPath(id, h.rootfs.Path("system/etc/hosts"))
			Expect(err).NotTo(HaveOccurred())
			staged, err := os.ReadFile(upper)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(staged)).To(Equal("0.0.0.0 ads.example\n"))
		})

		It("should capture the original state from the real file", func() {
			id := h.createSandbox("capture")
			Expect(h.stage(id, "system/build.prop", "ro.debuggable=1\n").Success).To(BeTrue())
			Expect(h.stage(id, "data/local/tmp/new.txt", "new").Success).To(BeTrue())

			sb, ok, err := h.manager.FindSandbox(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(sb.Modifications).To(HaveLen(2))
			Expect(sb.Modifications[0].Original.Exists).To(BeTrue())
			Expect(string(sb.Modifications[0].Original.Data)).To(Equal("ro.build.version.sdk=34\n"))
			Expect(sb.Modifications[1].Original.Exists).To(BeFalse())
		})
	})

	Describe("persistence", func() {
		It("should keep sandboxes and modifications across reopen", func() {
			first := h.createSandbox("first")
			second := h.createSandbox("second")
			Expect(h.stage(first, "vendor/etc/audio.conf", "volume=11\n").Success).To(BeTrue())

			h.reopen()

			list, err := h.manager.ListSandboxes(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(2))
			Expect(list[0].ID).To(Equal(first))
			Expect(list[1].ID).To(Equal(second))
			Expect(list[0].Modifications).To(HaveLen(1))
			Expect(string(list[0].Modifications[0].ModifiedContent)).To(Equal("volume=11\n"))
			Expect(list[0].SafetyLevel()).To(Equal(domain.SafetyWarning))
		})

		It("should remember failed confirmations across reopen", func() {
			id := h.createSandbox("locked")
			Expect(h.stage(id, "data/local/tmp/a", "x").Success).To(BeTrue())

			for i := 0; i < 2; i++ {
				Expect(h.manager.ApplyToRealSystem(ctx, id, "wrong").Message).To(Equal("Invalid confirmation code"))
			}
			h.reopen()
			Expect(h.manager.ApplyToRealSystem(ctx, id, "wrong").Message).To(Equal("Invalid confirmation code"))

			res := h.manager.ApplyToRealSystem(ctx, id, confirmationCode)
			Expect(res.Success).To(BeFalse())
			Expect(res.Message).To(Equal("Too many failed confirmation attempts"))
			Expect(h.rootfs.Exists("data/local/tmp/a")).To(BeFalse())

			h.clock.Add(time.Hour + time.Second)
			Expect(h.manager.ApplyToRealSystem(ctx, id, confirmationCode).Success).To(BeTrue())
			Expect(h.rootfs.ReadFile("data/local/tmp/a")).To(Equal("x"))
		})
	})

	Describe("ApplyToRealSystem", func() {
		It("should write every modification and leave no journal entry", func() {
			id := h.createSandbox("tune")
			Expect(h.stage(id, "vendor/etc/audio.conf", "volume=11\n").Success).To(BeTrue())
			Expect(h.stage(id, "data/local/tmp/perf/governor", "performance").Success).To(BeTrue())

			test := h.manager.TestModifications(ctx, id)
			Expect(test.Success).To(BeTrue())
			Expect(test.Message).To(Equal("Testing completed. Overall safety level: WARNING"))

			res := h.manager.ApplyToRealSystem(ctx, id, confirmationCode)
			Expect(res.Success).To(BeTrue(), res.Message)
			Expect(h.rootfs.ReadFile("vendor/etc/audio.conf")).To(Equal("volume=11\n"))
			Expect(h.rootfs.ReadFile("data/local/tmp/perf/governor")).To(Equal("performance"))

			info, err := os.Stat(h.rootfs.Path("vendor/etc/audio.conf"))
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0644)))

			pending, err := h.journal.Pending()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})

		It("should refuse critical modifications", func() {
			id := h.createSandbox("kernel")
			res := h.stage(id, "boot/kernel", "evil")
			Expect(res.Warnings).To(ContainElement("CRITICAL risk modification - expert knowledge required"))

			res = h.manager.ApplyToRealSystem(ctx, id, confirmationCode)
			Expect(res.Success).To(BeFalse())
			Expect(res.Message).To(Equal("Safety check failed: Critical safety level detected"))
			Expect(h.rootfs.ReadFile("boot/kernel")).To(Equal("fake kernel image"))
		})

		It("should refuse without privilege", func() {
			id := h.createSandbox("unrooted")
			Expect(h.stage(id, "data/local/tmp/a", "x").Success).To(BeTrue())
			Expect(os.Remove(h.suPath)).To(Succeed())

			res := h.manager.ApplyToRealSystem(ctx, id, confirmationCode)
			Expect(res.Message).To(Equal("Safety check failed: No privileged access - cannot apply system modifications"))
			Expect(h.rootfs.Exists("data/local/tmp/a")).To(BeFalse())
		})
	})

	Describe("Recover", func() {
		It("should restore a commit interrupted after its journal was written", func() {
			Expect(h.journal.Save("01INTERRUPTED", []domain.Snapshot{
				{Path: h.rootfs.Path("system/build.prop"), State: domain.Present([]byte("ro.build.version.sdk=34\n"), 0644)},
				{Path: h.rootfs.Path("data/local/tmp/half"), State: domain.Absent()},
			})).To(Succeed())
			Expect(h.rootfs.WriteFile("system/build.prop", "garbage", 0644)).To(Succeed())
			Expect(h.rootfs.WriteFile("data/local/tmp/half", "partial", 0644)).To(Succeed())

			res := h.manager.Recover(ctx)
			Expect(res.Success).To(BeTrue(), res.Message)
			Expect(res.Message).To(Equal("Recovered 1 commits (2 files restored)"))
			Expect(h.rootfs.ReadFile("system/build.prop")).To(Equal("ro.build.version.sdk=34\n"))
			Expect(h.rootfs.Exists("data/local/tmp/half")).To(BeFalse())

			pending, err := h.journal.Pending()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})
	})
})

var _ = Describe("Commit Engine on a real file tree", func() {
	var (
		tmpDir  string
		rootfs  *fixtures.FakeRootFS
		journal *infra.FileBackupJournal
		engine  *usecase.CommitEngine
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "oracledrive-commit-*")
		Expect(err).NotTo(HaveOccurred())

		rootfs = fixtures.NewFakeRootFS(filepath.Join(tmpDir, "root"))
		Expect(rootfs.Create()).To(Succeed())
		journal = infra.NewFileBackupJournal(filepath.Join(tmpDir, "journal"), zap.NewNop())
		engine = usecase.NewCommitEngine(infra.NewOSFileSystem(), zap.NewNop(), usecase.WithJournal(journal))
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	Context("when a later write fails", func() {
		It("should roll every earlier write back", func() {
			Expect(os.Chmod(rootfs.Path("system/etc/hosts"), 0600)).To(Succeed())

			// The second write turns data/blocker into a file, so the third
			// cannot create it as a directory.
			result := engine.Commit(context.Background(), []domain.SystemModification{
				{TargetFile: rootfs.Path("system/etc/hosts"), ModifiedContent: []byte("changed")},
				{TargetFile: rootfs.Path("data/blocker"), ModifiedContent: []byte("file")},
				{TargetFile: rootfs.Path("data/blocker/inner.conf"), ModifiedContent: []byte("never")},
			})

			Expect(result.Success).To(BeFalse())
			Expect(result.Outcome).To(Equal(domain.OutcomeRolledBack))
			Expect(result.Applied).To(HaveLen(2))
			Expect(result.FailureReason).To(ContainSubstring("System rolled back successfully."))

			Expect(rootfs.ReadFile("system/etc/hosts")).To(Equal("127.0.0.1 localhost\n"))
			info, err := os.Stat(rootfs.Path("system/etc/hosts"))
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0600)))
			Expect(rootfs.Exists("data/blocker")).To(BeFalse())

			pending, err := journal.Pending()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})
	})

	Context("when a target is an existing empty file", func() {
		It("should restore it as empty rather than deleting it", func() {
			Expect(rootfs.Exists("data/local/tmp/.keep")).To(BeTrue())

			result := engine.Commit(context.Background(), []domain.SystemModification{
				{TargetFile: rootfs.Path("data/local/tmp/.keep"), ModifiedContent: []byte("filled")},
				{TargetFile: rootfs.Path("data/local/tmp/blocker"), ModifiedContent: []byte("file")},
				{TargetFile: rootfs.Path("data/local/tmp/blocker/x"), ModifiedContent: []byte("never")},
			})

			Expect(result.Outcome).To(Equal(domain.OutcomeRolledBack))
			Expect(rootfs.Exists("data/local/tmp/.keep")).To(BeTrue())
			Expect(rootfs.ReadFile("data/local/tmp/.keep")).To(BeEmpty())
		})
	})

	Context("when a target is a symbolic link", func() {
		BeforeEach(func() {
			Expect(rootfs.Symlink("system/etc/hosts.link", "hosts")).To(Succeed())
		})

		It("should write through the link and keep it", func() {
			result := engine.Commit(context.Background(), []domain.SystemModification{
				{TargetFile: rootfs.Path("system/etc/hosts.link"), ModifiedContent: []byte("NEW")},
			})

			Expect(result.Success).To(BeTrue(), result.FailureReason)
			Expect(rootfs.IsSymlink("system/etc/hosts.link")).To(BeTrue())
			Expect(rootfs.ReadFile("system/etc/hosts")).To(Equal("NEW"))
		})

		It("should keep the link and its target's content after a rollback", func() {
			result := engine.Commit(context.Background(), []domain.SystemModification{
				{TargetFile: rootfs.Path("system/etc/hosts.link"), ModifiedContent: []byte("NEW")},
				{TargetFile: rootfs.Path("data/blocker"), ModifiedContent: []byte("file")},
				{TargetFile: rootfs.Path("data/blocker/inner.conf"), ModifiedContent: []byte("never")},
			})

			Expect(result.Outcome).To(Equal(domain.OutcomeRolledBack))
			Expect(rootfs.IsSymlink("system/etc/hosts.link")).To(BeTrue())
			Expect(rootfs.ReadFile("system/etc/hosts")).To(Equal("127.0.0.1 localhost\n"))
		})
	})

	Context("when a target belongs to another user", func() {
		BeforeEach(func() {
			if os.Geteuid() != 0 {
				Skip("changing file ownership requires root")
			}
			Expect(os.Chown(rootfs.Path("vendor/etc/audio.conf"), 1000, 1000)).To(Succeed())
		})

		ownerOf := func(rel string) domain.FileOwner {
			info, err := os.Stat(rootfs.Path(rel))
			Expect(err).NotTo(HaveOccurred())
			owner := domain.OwnerOf(info)
			Expect(owner).NotTo(BeNil())
			return *owner
		}

		It("should keep the owner when applying", func() {
			result := engine.Commit(context.Background(), []domain.SystemModification{
				{TargetFile: rootfs.Path("vendor/etc/audio.conf"), ModifiedContent: []byte("volume=11\n")},
			})

			Expect(result.Success).To(BeTrue(), result.FailureReason)
			Expect(ownerOf("vendor/etc/audio.conf")).To(Equal(domain.FileOwner{UID: 1000, GID: 1000}))
		})

		It("should keep the owner after a rollback", func() {
			result := engine.Commit(context.Background(), []domain.SystemModification{
				{TargetFile: rootfs.Path("vendor/etc/audio.conf"), ModifiedContent: []byte("volume=11\n")},
				{TargetFile: rootfs.Path("data/blocker"), ModifiedContent: []byte("file")},
				{TargetFile: rootfs.Path("data/blocker/inner.conf"), ModifiedContent: []byte("never")},
			})

			Expect(result.Outcome).To(Equal(domain.OutcomeRolledBack))
			Expect(rootfs.ReadFile("vendor/etc/audio.conf")).To(Equal("volume=7\n"))
			Expect(ownerOf("vendor/etc/audio.conf")).To(Equal(domain.FileOwner{UID: 1000, GID: 1000}))
		})
	})

	Context("when the backup phase cannot read a target", func() {
		It("should abort before writing anything", func() {
			result := engine.Commit(context.Background(), []domain.SystemModification{
				{TargetFile: rootfs.Path("system/build.prop"), ModifiedContent: []byte("changed")},
				{TargetFile: rootfs.Path("system/etc"), ModifiedContent: []byte("a directory")},
			})

			Expect(result.Outcome).To(Equal(domain.OutcomeAborted))
			Expect(result.FailureReason).To(HavePrefix("Backup phase failed"))
			Expect(rootfs.ReadFile("system/build.prop")).To(Equal("ro.build.version.sdk=34\n"))
		})
	})
})
