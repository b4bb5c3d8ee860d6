// Package builder compiles a single Julia commit inside a sandbox and
// deposits the install tree into the pack store. Concurrency is external:
// the pack planner invokes Build from a bounded worker pool.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/maleadt/manyjulias/internal/config"
	"github.com/maleadt/manyjulias/internal/mirror"
	"github.com/maleadt/manyjulias/internal/procutil"
	"github.com/maleadt/manyjulias/internal/sandbox"
	"github.com/maleadt/manyjulias/internal/store"
)

// rootfsURL is the prebuilt minimal base image the sandbox boots from.
const rootfsURL = "https://github.com/maleadt/manyjulias/releases/download/rootfs-v1/debian.tar.xz"

// DefaultTimeout bounds a single commit's build.
const DefaultTimeout = time.Hour

// killGrace is how long a timed-out build gets between SIGTERM and SIGKILL.
const killGrace = 10 * time.Second

type Builder struct {
	cfg     *config.Config
	mirror  *mirror.Mirror
	store   *store.Store
	sandbox *sandbox.Runtime

	srccacheMu sync.Mutex // shared source-dependency cache
	artifactMu sync.Mutex // base image download
}

func New(cfg *config.Config, m *mirror.Mirror, s *store.Store, rt *sandbox.Runtime) *Builder {
	return &Builder{cfg: cfg, mirror: m, store: s, sandbox: rt}
}

// Options configures one commit build.
type Options struct {
	Nproc   int           // compiler parallelism inside the sandbox
	Timeout time.Duration // zero means DefaultTimeout
	Asserts bool          // FORCE_ASSERTIONS + LLVM_ASSERTIONS variant
	WorkDir string        // scratch space; zero means the system temp dir
}

// Build compiles commit and stores the result. Per-commit problems come
// back as *BuildFailure; anything else is an infrastructure error.
func (b *Builder) Build(ctx context.Context, commit string, opts Options) error {
	if opts.Nproc <= 0 {
		opts.Nproc = 1
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	v, err := b.mirror.CommitVersion(ctx, commit)
	if err != nil {
		return xerrors.Errorf("resolving version of %s: %w", commit, err)
	}
	db := v.DBName(opts.Asserts)

	scratch := opts.WorkDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	workdir, err := os.MkdirTemp(scratch, "manyjulias-build-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workdir)
	sourceDir := filepath.Join(workdir, "source")
	installDir := filepath.Join(workdir, "install")
	if err := os.Mkdir(installDir, 0777); err != nil {
		return err
	}
	// The build runs as an unprivileged mapped user:
	os.Chmod(installDir, 0777)

	logW, tail, closeLog, err := b.openLog(commit)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := b.mirror.Checkout(ctx, commit, sourceDir); err != nil {
		return xerrors.Errorf("checkout %s: %w", commit, err)
	}
	os.Chmod(sourceDir, 0777)

	if err := b.ensureRootfs(ctx); err != nil {
		return err
	}

	if err := b.populateSrcCache(ctx, commit, sourceDir, logW); err != nil {
		// Sources may well be cached or unneeded; the build decides.
		log.Printf("%s: populating srccache failed: %v", commit, err)
	}

	mu, err := makeUser(opts.Asserts)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(filepath.Join(sourceDir, "Make.user"), []byte(mu), 0644); err != nil {
		return err
	}

	timedOut, err := b.runSandboxed(ctx, &sandbox.Command{
		Name: "build-" + commit[:16],
		Args: []string{"/bin/sh", "-c", buildScript},
		Env: []string{
			"nproc=" + strconv.Itoa(opts.Nproc),
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"HOME=/root",
		},
		Cwd: "/source",
		UID: 1000,
		GID: 1000,
		Mounts: []sandbox.Mount{
			{Dest: "/source:rw", Source: sourceDir},
			{Dest: "/install:rw", Source: installDir},
		},
	}, opts.Timeout, logW)
	if err != nil {
		reason := BuildFailed
		if timedOut {
			reason = Timeout
		}
		code, sig := exitStatus(err)
		return &BuildFailure{
			Commit:     commit,
			Reason:     reason,
			ExitCode:   code,
			TermSignal: sig,
			Log:        tail.Tail(100),
		}
	}

	if err := b.smokeTest(ctx, installDir, logW); err != nil {
		code, sig := exitStatus(err)
		return &BuildFailure{
			Commit:     commit,
			Reason:     SmokeTestFailed,
			ExitCode:   code,
			TermSignal: sig,
			Log:        smokeDiagnostics(installDir, tail),
		}
	}

	for _, sub := range []string{"share/doc", "share/man"} {
		if err := os.RemoveAll(filepath.Join(installDir, sub)); err != nil {
			return err
		}
	}

	if err := b.store.StoreTree(ctx, db, commit, installDir); err != nil {
		return xerrors.Errorf("storing %s into %s: %w", commit, db, err)
	}
	return nil
}

// openLog sets up the persisted (zstd-compressed) build log plus an
// in-memory tail for failure diagnostics.
func (b *Builder) openLog(commit string) (io.Writer, *tailBuffer, func() error, error) {
	if err := os.MkdirAll(b.cfg.LogDir(), 0755); err != nil {
		return nil, nil, nil, err
	}
	f, err := os.Create(filepath.Join(b.cfg.LogDir(), commit+".log.zst"))
	if err != nil {
		return nil, nil, nil, err
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, nil, nil, err
	}
	tail := newTailBuffer(100)
	closeLog := func() error {
		if err := zw.Close(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	return io.MultiWriter(zw, tail), tail, closeLog, nil
}

// runSandboxed executes cmd under the build timeout. On expiry the whole
// process tree gets SIGTERM, then SIGKILL after a grace period; the engine
// does not reliably forward signals to descendants.
func (b *Builder) runSandboxed(ctx context.Context, cmd *sandbox.Command, timeout time.Duration, logW io.Writer) (timedOut bool, _ error) {
	engine, cleanup, err := b.sandbox.Build(ctx, cmd)
	if err != nil {
		return false, err
	}
	defer cleanup()
	engine.Stdout = logW
	engine.Stderr = logW
	if err := engine.Start(); err != nil {
		return false, xerrors.Errorf("%v: %w", engine.Args, err)
	}

	var expired atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		expired.Store(true)
		pid := engine.Process.Pid
		procutil.RecursiveKill(pid, unix.SIGTERM)
		time.AfterFunc(killGrace, func() {
			procutil.RecursiveKill(pid, unix.SIGKILL)
		})
	})
	err = engine.Wait()
	timer.Stop()
	return expired.Load(), err
}

// smokeTest runs the installed interpreter. The archive must only contain
// binaries that at least start up and evaluate a literal.
func (b *Builder) smokeTest(ctx context.Context, installDir string, logW io.Writer) error {
	julia := filepath.Join(installDir, "bin", "julia")
	if _, err := os.Stat(julia); err != nil {
		return xerrors.Errorf("no interpreter at %s: %w", julia, err)
	}
	cmd := exec.CommandContext(ctx, julia, "-e", "42")
	cmd.Stdout = logW
	cmd.Stderr = logW
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("%v: %w", cmd.Args, err)
	}
	return nil
}

// smokeDiagnostics augments the log tail with a listing of the install
// tree, which usually shows immediately what went missing.
func smokeDiagnostics(installDir string, tail *tailBuffer) string {
	var listing []string
	filepath.Walk(installDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(installDir, path)
		if rel == "." || strings.Count(rel, string(filepath.Separator)) > 1 {
			return nil
		}
		listing = append(listing, rel)
		return nil
	})
	return fmt.Sprintf("install tree:\n%s\n\nbuild log:\n%s",
		strings.Join(listing, "\n"), tail.Tail(50))
}

// populateSrcCache seeds the source tree's dependency cache from the shared
// one, lets the build system fetch what is missing, and copies new
// downloads back for the next build.
func (b *Builder) populateSrcCache(ctx context.Context, commit, sourceDir string, logW io.Writer) error {
	shared := filepath.Join(b.cfg.DownloadDir, "srccache")
	local := filepath.Join(sourceDir, "deps", "srccache")

	b.srccacheMu.Lock()
	if err := os.MkdirAll(shared, 0755); err != nil {
		b.srccacheMu.Unlock()
		return err
	}
	if err := os.MkdirAll(local, 0777); err != nil {
		b.srccacheMu.Unlock()
		return err
	}
	err := copyTree(shared, local)
	b.srccacheMu.Unlock()
	if err != nil {
		return err
	}

	if _, err := b.runSandboxed(ctx, &sandbox.Command{
		Name: "srccache-" + commit[:16],
		Args: []string{"/bin/sh", "-c", srccacheScript},
		Env: []string{
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"HOME=/root",
		},
		Cwd: "/source",
		UID: 1000,
		GID: 1000,
		Mounts: []sandbox.Mount{
			{Dest: "/source:rw", Source: sourceDir},
		},
	}, 15*time.Minute, logW); err != nil {
		return err
	}

	b.srccacheMu.Lock()
	defer b.srccacheMu.Unlock()
	return copyMissing(local, shared)
}

// copyTree copies the contents of src into dst (both existing directories).
func copyTree(src, dst string) error {
	cp := exec.Command("cp", "-a", src+"/.", dst)
	if out, err := cp.CombinedOutput(); err != nil {
		return xerrors.Errorf("cp -a %s %s: %v (%s)", src, dst, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// copyMissing copies regular files below src that dst lacks.
func copyMissing(src, dst string) error {
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil || !fi.Mode().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// ensureRootfs downloads and unpacks the base image on first use. The
// fetch is single-flight; concurrent builders wait on the mutex.
func (b *Builder) ensureRootfs(ctx context.Context) error {
	b.artifactMu.Lock()
	defer b.artifactMu.Unlock()
	dir := filepath.Join(b.cfg.DownloadDir, "rootfs")
	marker := filepath.Join(dir, ".complete")
	if _, err := os.Stat(marker); err == nil {
		b.sandbox.Rootfs = dir
		return nil
	}
	log.Printf("downloading base image from %s", rootfsURL)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tarball := filepath.Join(b.cfg.DownloadDir, "rootfs.tar.xz")
	n, err := download(ctx, rootfsURL, tarball)
	if err != nil {
		return xerrors.Errorf("downloading base image: %w", err)
	}
	if n == 0 {
		// A CDN hiccup can return 200 with an empty body; caching that
		// would poison every subsequent build.
		os.Remove(tarball)
		return xerrors.Errorf("downloading base image: empty response from %s", rootfsURL)
	}
	tar := exec.CommandContext(ctx, "tar", "-C", dir, "-xf", tarball)
	if out, err := tar.CombinedOutput(); err != nil {
		return xerrors.Errorf("unpacking base image: %v (%s)", err, strings.TrimSpace(string(out)))
	}
	os.Remove(tarball)
	if err := renameio.WriteFile(marker, []byte(rootfsURL+"\n"), 0644); err != nil {
		return err
	}
	b.sandbox.Rootfs = dir
	return nil
}

// download fetches url into dest (atomically) and returns the number of
// bytes written.
func download(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, xerrors.Errorf("unexpected HTTP status %v", resp.Status)
	}
	f, err := renameio.TempFile("", dest)
	if err != nil {
		return 0, err
	}
	defer f.Cleanup()
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return 0, xerrors.Errorf("short read: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, f.CloseAtomicallyReplace()
}

// exitStatus digs the exit code and terminating signal out of an
// *exec.ExitError; (-1, 0) when the process never ran.
func exitStatus(err error) (code int, sig syscall.Signal) {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -1, ws.Signal()
			}
			return ws.ExitStatus(), 0
		}
	}
	return -1, 0
}
