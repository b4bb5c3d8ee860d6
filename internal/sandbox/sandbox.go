// Package sandbox runs commands inside unprivileged user-namespace
// containers. It synthesizes an OCI bundle (rootfs reference, bind and
// overlay mounts, id mappings, capabilities) and hands it to a container
// engine such as crun.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/maleadt/manyjulias/internal/procutil"
)

// Runtime holds host-level configuration shared by all sandbox
// invocations.
type Runtime struct {
	// Binary is the OCI runtime, e.g. crun.
	Binary string

	// StateDir is passed to the engine via --root so that container state
	// never lands in the default (often root-owned) location.
	StateDir string

	// Rootfs is a prebuilt minimal base image, used read-only.
	Rootfs string

	// mountFlags returns the mount options of the file system containing
	// path. Tests stub this out; nil means procutil.MountOptions.
	mountFlags func(path string) ([]string, error)
}

// Mount requests a file system at Dest inside the container. A ":ro" or
// ":rw" suffix on Dest selects a bind mount; without a suffix, Source
// becomes the lower layer of a writable overlay whose upper and work
// directories live in the invocation's workdir.
type Mount struct {
	Dest   string
	Source string
}

// Command describes one sandboxed process.
type Command struct {
	Name   string // container name, must be unique among live containers
	Args   []string
	Env    []string
	Cwd    string // defaults to /
	UID    uint32
	GID    uint32
	Mounts []Mount
}

// autoOverlays always get a writable overlay on top of the rootfs: builds
// scribble in all of them, and the rootfs must stay pristine.
var autoOverlays = []string{"/tmp", "/var", "/home", "/root", "/usr/local"}

// Build prepares an OCI bundle for cmd and returns the engine invocation
// plus a cleanup function. The caller must run cleanup on all exit paths;
// it removes the workdir holding upper/, work/ and bundle/.
func (r *Runtime) Build(ctx context.Context, cmd *Command) (*exec.Cmd, func() error, error) {
	workdir, err := os.MkdirTemp("", "manyjulias-sandbox-")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return removeWorkdir(workdir) }

	spec, err := r.spec(cmd, workdir, procutil.KernelAtLeast(5, 11))
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	bundle := filepath.Join(workdir, "bundle")
	if err := os.MkdirAll(bundle, 0755); err != nil {
		cleanup()
		return nil, nil, err
	}
	b, err := json.MarshalIndent(spec, "", "\t")
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if err := renameio.WriteFile(filepath.Join(bundle, "config.json"), b, 0644); err != nil {
		cleanup()
		return nil, nil, err
	}

	engine := exec.CommandContext(ctx, r.Binary,
		"--root", r.StateDir,
		"run",
		"--bundle", bundle,
		cmd.Name)
	return engine, cleanup, nil
}

func (r *Runtime) spec(cmd *Command, workdir string, userxattr bool) (*ociSpec, error) {
	mounts := append([]ociMount{}, standardMounts...)

	covered := make(map[string]bool)
	for _, m := range cmd.Mounts {
		dest, _ := splitDest(m.Dest)
		covered[dest] = true
	}

	overlayIdx := 0
	overlay := func(dest, lower string) (ociMount, error) {
		upper := filepath.Join(workdir, "upper", strconv.Itoa(overlayIdx))
		work := filepath.Join(workdir, "work", strconv.Itoa(overlayIdx))
		overlayIdx++
		for _, dir := range []string{upper, work} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return ociMount{}, err
			}
		}
		if _, err := os.Stat(lower); err != nil {
			// e.g. a rootfs without /usr/local: fall back to an empty
			// lower directory so the overlay still mounts.
			lower = filepath.Join(workdir, "empty")
			if err := os.MkdirAll(lower, 0755); err != nil {
				return ociMount{}, err
			}
		}
		opts := []string{
			"lowerdir=" + lower,
			"upperdir=" + upper,
			"workdir=" + work,
			"xino=off",
			"metacopy=off",
			"index=off",
			"redirect_dir=nofollow",
		}
		if userxattr {
			opts = append(opts, "userxattr")
		}
		return ociMount{
			Destination: dest,
			Type:        "overlay",
			Source:      "overlay",
			Options:     opts,
		}, nil
	}

	for _, dest := range autoOverlays {
		if covered[dest] {
			continue
		}
		m, err := overlay(dest, filepath.Join(r.Rootfs, dest))
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}

	for _, m := range cmd.Mounts {
		dest, suffix := splitDest(m.Dest)
		if suffix == "" {
			om, err := overlay(dest, m.Source)
			if err != nil {
				return nil, err
			}
			mounts = append(mounts, om)
			continue
		}
		opts := []string{"rbind", suffix}
		opts = append(opts, r.inheritedFlags(m.Source)...)
		mounts = append(mounts, ociMount{
			Destination: dest,
			Type:        "none",
			Source:      m.Source,
			Options:     opts,
		})
	}

	cwd := cmd.Cwd
	if cwd == "" {
		cwd = "/"
	}
	return &ociSpec{
		Version: "1.0.2",
		Process: &ociProcess{
			User:         ociUser{UID: cmd.UID, GID: cmd.GID},
			Args:         cmd.Args,
			Env:          cmd.Env,
			Cwd:          cwd,
			Capabilities: capabilities,
			Rlimits: []ociRlimit{
				{Type: "RLIMIT_NOFILE", Hard: 8192, Soft: 8192},
			},
			NoNewPrivileges: true,
		},
		Root:     &ociRoot{Path: r.Rootfs, Readonly: true},
		Hostname: "manyjulias",
		Mounts:   mounts,
		Linux: &ociLinux{
			UIDMappings: []ociIDMapping{
				{ContainerID: cmd.UID, HostID: uint32(os.Getuid()), Size: 1},
			},
			GIDMappings: []ociIDMapping{
				{ContainerID: cmd.GID, HostID: uint32(os.Getgid()), Size: 1},
			},
			Namespaces: []ociNamespace{
				{Type: "pid"},
				{Type: "ipc"},
				{Type: "uts"},
				{Type: "mount"},
				{Type: "user"},
			},
		},
	}, nil
}

// inheritedFlags carries over nodev/nosuid/noexec from the host mount the
// source lives on: the kernel refuses a user-namespace bind mount that
// drops them.
func (r *Runtime) inheritedFlags(source string) []string {
	mountFlags := r.mountFlags
	if mountFlags == nil {
		mountFlags = procutil.MountOptions
	}
	opts, err := mountFlags(source)
	if err != nil {
		return nil
	}
	var inherited []string
	for _, opt := range opts {
		switch opt {
		case "nodev", "nosuid", "noexec":
			inherited = append(inherited, opt)
		}
	}
	return inherited
}

func splitDest(dest string) (path, suffix string) {
	if s, ok := strings.CutSuffix(dest, ":ro"); ok {
		return s, "ro"
	}
	if s, ok := strings.CutSuffix(dest, ":rw"); ok {
		return s, "rw"
	}
	return dest, ""
}

// removeWorkdir removes an invocation's workdir. Overlay work directories
// created on kernels before 5.11 can contain entries the owning user
// cannot unlink until their modes are opened up.
func removeWorkdir(workdir string) error {
	err := os.RemoveAll(workdir)
	if err == nil {
		return nil
	}
	filepath.WalkDir(workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		os.Chmod(path, 0777)
		return nil
	})
	if err := os.RemoveAll(workdir); err != nil {
		return xerrors.Errorf("removing sandbox workdir: %w", err)
	}
	return nil
}

// String renders the engine invocation for logs.
func (r *Runtime) String() string {
	return fmt.Sprintf("%s --root %s", r.Binary, r.StateDir)
}
