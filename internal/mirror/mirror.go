// Package mirror maintains a bare clone of the Julia repository and
// answers revision queries against it.
package mirror

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/maleadt/manyjulias"
	"github.com/maleadt/manyjulias/internal/config"
)

const upstream = "https://github.com/JuliaLang/julia.git"

// oldestVersion is the first release line the archive covers; the branch
// walk stops once it has been recorded.
var oldestVersion = manyjulias.Version{Major: 1, Minor: 6}

// RevisionUnknownError reports a revision spec that does not resolve, even
// after refreshing the mirror.
type RevisionUnknownError struct {
	Rev string
}

func (e *RevisionUnknownError) Error() string {
	return "unknown revision " + e.Rev
}

// Mirror wraps the bare clone below the downloads cache. The zero value is
// not usable; call New.
type Mirror struct {
	cfg *config.Config

	mu     sync.Mutex // serializes update; double-checked via FETCH_HEAD mtime
	cloned bool
}

func New(cfg *config.Config) *Mirror {
	return &Mirror{cfg: cfg}
}

// RepoPath returns the path of the bare mirror, cloning it on first use.
func (m *Mirror) RepoPath(ctx context.Context) (string, error) {
	dir := filepath.Join(m.cfg.DownloadDir, "julia.git")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cloned {
		return dir, nil
	}
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err == nil {
		m.cloned = true
		return dir, nil
	}
	log.Printf("creating bare mirror of %s in %s", upstream, dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if _, err := git(ctx, dir, "init", "--bare"); err != nil {
		return "", err
	}
	if err := m.fetchLocked(ctx, dir); err != nil {
		return "", err
	}
	m.cloned = true
	return dir, nil
}

func git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, xerrors.Errorf("git %v: %v (stderr: %s)", args, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (m *Mirror) fetchLocked(ctx context.Context, dir string) error {
	// git auto-gc leaves gc.log behind after failures and refuses to
	// collect again until it is removed.
	if err := os.Remove(filepath.Join(dir, "gc.log")); err != nil && !os.IsNotExist(err) {
		return err
	}
	if _, err := git(ctx, dir, "fetch", "--prune", upstream,
		"+refs/heads/master:refs/heads/master",
		"+refs/heads/release-*:refs/heads/release-*"); err != nil {
		return err
	}
	return nil
}

// Update refreshes the mirror if FETCH_HEAD is older than maxAge (or
// unconditionally when force is set). Concurrent callers are single-flight.
func (m *Mirror) Update(ctx context.Context, maxAge time.Duration, force bool) error {
	dir, err := m.RepoPath(ctx)
	if err != nil {
		return err
	}
	fresh := func() bool {
		if force {
			return false
		}
		fi, err := os.Stat(filepath.Join(dir, "FETCH_HEAD"))
		if err != nil {
			return false
		}
		return time.Since(fi.ModTime()) < maxAge
	}
	if fresh() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fresh() { // double-checked: another caller may have fetched meanwhile
		return nil
	}
	log.Printf("updating mirror %s", dir)
	return m.fetchLocked(ctx, dir)
}

// Verify reports whether rev names an object present in the mirror.
func (m *Mirror) Verify(ctx context.Context, rev string) bool {
	dir, err := m.RepoPath(ctx)
	if err != nil {
		return false
	}
	_, err = git(ctx, dir, "cat-file", "-e", rev+"^{commit}")
	return err == nil
}

var trackedBranch = regexp.MustCompile(`^(master|release-\d+\.\d+)$`)

// Lookup resolves a revision spec (branch, tag, short or full hash) to a
// full 40-character commit hash. Branch tips force a refresh first; a
// failed resolution refreshes once and retries.
func (m *Mirror) Lookup(ctx context.Context, rev string) (string, error) {
	dir, err := m.RepoPath(ctx)
	if err != nil {
		return "", err
	}
	if trackedBranch.MatchString(rev) {
		if err := m.Update(ctx, 0, true); err != nil {
			return "", err
		}
	}
	resolve := func() (string, error) {
		out, err := git(ctx, dir, "rev-parse", "--verify", rev+"^{commit}")
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	}
	resolved, err := resolve()
	if err == nil {
		return resolved, nil
	}
	// Maybe the mirror is just stale:
	if err := m.Update(ctx, 0, true); err != nil {
		return "", err
	}
	if resolved, err := resolve(); err == nil {
		return resolved, nil
	}
	return "", &RevisionUnknownError{Rev: rev}
}

// Checkout materializes a working tree for rev at dir, without mutating the
// mirror's visible branch set: the share only borrows the mirror's object
// store.
func (m *Mirror) Checkout(ctx context.Context, rev, dir string) error {
	repo, err := m.RepoPath(ctx)
	if err != nil {
		return err
	}
	if _, err := git(ctx, ".", "clone", "--shared", "--no-checkout", repo, dir); err != nil {
		return err
	}
	if _, err := git(ctx, dir, "checkout", "--detach", rev); err != nil {
		return err
	}
	return nil
}

// show returns the blob at <rev>:<path>.
func (m *Mirror) show(ctx context.Context, rev, path string) (string, error) {
	dir, err := m.RepoPath(ctx)
	if err != nil {
		return "", err
	}
	out, err := git(ctx, dir, "show", rev+":"+path)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// CommitVersion returns the release line a commit belongs to, read from its
// VERSION file.
func (m *Mirror) CommitVersion(ctx context.Context, rev string) (manyjulias.Version, error) {
	blob, err := m.show(ctx, rev, "VERSION")
	if err != nil {
		return manyjulias.Version{}, err
	}
	return manyjulias.VersionOfBlob(blob)
}

// blameLine1 returns the commit that last modified the first line of
// VERSION as of rev, i.e. the version-bump commit.
func (m *Mirror) blameLine1(ctx context.Context, rev string) (string, error) {
	dir, err := m.RepoPath(ctx)
	if err != nil {
		return "", err
	}
	out, err := git(ctx, dir, "blame", "-L1,1", "-l", rev, "--", "VERSION")
	if err != nil {
		return "", err
	}
	return parseBlameLine1(string(out))
}

func parseBlameLine1(out string) (string, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 || len(fields[0]) < 40 {
		return "", xerrors.Errorf("unparseable blame output %q", out)
	}
	// A boundary commit is prefixed with ^ and truncated to 39 chars; the
	// full hash still resolves unambiguously.
	return strings.TrimPrefix(fields[0], "^"), nil
}

// CommitName derives a human-readable name for rev: the VERSION contents
// followed by the number of commits since the version bump, e.g.
// "1.12.0-DEV.123". Used as a pack label only.
func (m *Mirror) CommitName(ctx context.Context, rev string) (string, error) {
	blob, err := m.show(ctx, rev, "VERSION")
	if err != nil {
		return "", err
	}
	bump, err := m.blameLine1(ctx, rev)
	if err != nil {
		return "", err
	}
	dir, err := m.RepoPath(ctx)
	if err != nil {
		return "", err
	}
	out, err := git(ctx, dir, "rev-list", "--count", bump+".."+rev)
	if err != nil {
		return "", err
	}
	count, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(blob) + "." + strconv.Itoa(count), nil
}

// BranchCommits walks backward from master, recording for each release line
// the commit that bumped VERSION to it (the branch point), until the oldest
// covered version has been seen.
func (m *Mirror) BranchCommits(ctx context.Context) (map[manyjulias.Version]string, error) {
	cur, err := m.Lookup(ctx, "master")
	if err != nil {
		return nil, err
	}
	dir, err := m.RepoPath(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[manyjulias.Version]string)
	for {
		v, err := m.CommitVersion(ctx, cur)
		if err != nil {
			return nil, err
		}
		bump, err := m.blameLine1(ctx, cur)
		if err != nil {
			return nil, err
		}
		result[v] = bump
		if !oldestVersion.Less(v) {
			break
		}
		out, err := git(ctx, dir, "rev-parse", bump+"~")
		if err != nil {
			return nil, err
		}
		cur = strings.TrimSpace(string(out))
	}
	return result, nil
}

// BranchName returns the branch holding a release line's commits: master
// for the newest known line, release-<major>.<minor> otherwise.
func BranchName(v manyjulias.Version, known map[manyjulias.Version]string) string {
	newest := v
	for k := range known {
		if newest.Less(k) {
			newest = k
		}
	}
	if v == newest {
		return "master"
	}
	return "release-" + v.String()
}

// Commits returns the topologically ordered (oldest first) revisions of a
// release line: branch_point~..branch. Revisions without a VERSION blob are
// filtered out; they enter through merged foreign histories.
func (m *Mirror) Commits(ctx context.Context, v manyjulias.Version) ([]string, error) {
	points, err := m.BranchCommits(ctx)
	if err != nil {
		return nil, err
	}
	point, ok := points[v]
	if !ok {
		return nil, xerrors.Errorf("no branch point recorded for %v", v)
	}
	branch := BranchName(v, points)
	dir, err := m.RepoPath(ctx)
	if err != nil {
		return nil, err
	}
	out, err := git(ctx, dir, "rev-list", "--topo-order", "--reverse", point+"~.."+branch)
	if err != nil {
		return nil, err
	}
	var commits []string
	for _, line := range strings.Fields(string(out)) {
		commits = append(commits, line)
	}
	return m.filterWithVersion(ctx, dir, commits)
}

// filterWithVersion keeps only commits whose tree contains a VERSION blob,
// using a single cat-file --batch-check process.
func (m *Mirror) filterWithVersion(ctx context.Context, dir string, commits []string) ([]string, error) {
	if len(commits) == 0 {
		return commits, nil
	}
	cmd := exec.CommandContext(ctx, "git", "cat-file", "--batch-check")
	cmd.Dir = dir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		for _, rev := range commits {
			io.WriteString(stdin, rev+":VERSION\n")
		}
		stdin.Close()
	}()
	var kept []string
	scanner := bufio.NewScanner(stdout)
	for i := 0; scanner.Scan(); i++ {
		if i >= len(commits) {
			break
		}
		if strings.Contains(scanner.Text(), "missing") {
			log.Printf("skipping %s: no VERSION blob", commits[i])
			continue
		}
		kept = append(kept, commits[i])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, xerrors.Errorf("git cat-file --batch-check: %w", err)
	}
	return kept, nil
}

// SortedVersions returns the known release lines in ascending order.
func SortedVersions(points map[manyjulias.Version]string) []manyjulias.Version {
	versions := make([]manyjulias.Version, 0, len(points))
	for v := range points {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Less(versions[j]) })
	return versions
}
