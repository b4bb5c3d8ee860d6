// Package procutil inspects and manipulates process trees and mounts via
// /proc. Linux-only, like the rest of manyjulias.
package procutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Children returns the direct children of pid, collected across all of its
// threads. Processes may disappear while we read; callers must tolerate
// stale pids.
func Children(pid int) ([]int, error) {
	tasks, err := filepath.Glob(filepath.Join("/proc", strconv.Itoa(pid), "task", "*", "children"))
	if err != nil {
		return nil, err
	}
	var children []int
	for _, fn := range tasks {
		b, err := os.ReadFile(fn)
		if err != nil {
			if os.IsNotExist(err) {
				continue // task exited
			}
			return nil, err
		}
		for _, field := range strings.Fields(string(b)) {
			child, err := strconv.Atoi(field)
			if err != nil {
				continue
			}
			children = append(children, child)
		}
	}
	return children, nil
}

// RecursiveKill delivers sig to the entire process tree rooted at pid,
// children before parents. The OCI runtime does not reliably forward
// signals to descendants, so timeouts go through here.
func RecursiveKill(pid int, sig unix.Signal) {
	children, err := Children(pid)
	if err != nil {
		// The tree below pid is gone; still try pid itself.
		children = nil
	}
	for _, child := range children {
		RecursiveKill(child, sig)
	}
	// ESRCH or ENOENT: the process raced us to the exit.
	unix.Kill(pid, sig)
}

type mntent struct {
	fsname string
	dir    string
	typ    string
	opts   []string
}

func parseMtab(content string) []mntent {
	var entries []mntent
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		entries = append(entries, mntent{
			fsname: fields[0],
			dir:    fields[1],
			typ:    fields[2],
			opts:   strings.Split(fields[3], ","),
		})
	}
	return entries
}

// MountOptions returns the mount options of the file system containing
// path, determined by matching device ids against /etc/mtab entries.
func MountOptions(path string) ([]string, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return nil, xerrors.Errorf("stat %s: %w", path, err)
	}
	b, err := os.ReadFile("/etc/mtab")
	if err != nil {
		return nil, err
	}
	for _, ent := range parseMtab(string(b)) {
		var ms syscall.Stat_t
		if err := syscall.Stat(ent.dir, &ms); err != nil {
			continue // e.g. inaccessible autofs mounts
		}
		if ms.Dev == st.Dev {
			return ent.opts, nil
		}
	}
	return nil, xerrors.Errorf("no mtab entry found for %s", path)
}

// kernelRe tolerates vendor suffixes like 5.15.0-91-generic.
var kernelRe = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?`)

func parseKernelVersion(release string) (major, minor int, _ error) {
	m := kernelRe.FindStringSubmatch(release)
	if m == nil {
		return 0, 0, xerrors.Errorf("unparseable kernel release %q", release)
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	return major, minor, nil
}

var kernelOnce struct {
	sync.Once
	major, minor int
	err          error
}

// KernelVersion returns the running kernel's (major, minor) version.
func KernelVersion() (major, minor int, _ error) {
	kernelOnce.Do(func() {
		var uts unix.Utsname
		if err := unix.Uname(&uts); err != nil {
			kernelOnce.err = err
			return
		}
		release := string(uts.Release[:])
		if idx := strings.IndexByte(release, 0); idx > -1 {
			release = release[:idx]
		}
		kernelOnce.major, kernelOnce.minor, kernelOnce.err = parseKernelVersion(release)
	})
	return kernelOnce.major, kernelOnce.minor, kernelOnce.err
}

// KernelAtLeast returns true if the running kernel is at least
// major.minor. Probe failures count as too old.
func KernelAtLeast(major, minor int) bool {
	ma, mi, err := KernelVersion()
	if err != nil {
		return false
	}
	return ma > major || (ma == major && mi >= minor)
}
