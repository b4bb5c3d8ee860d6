package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	rootfs := t.TempDir()
	for _, dir := range []string{"tmp", "var", "home", "root"} {
		if err := os.Mkdir(filepath.Join(rootfs, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}
	return &Runtime{
		Binary:   "crun",
		StateDir: t.TempDir(),
		Rootfs:   rootfs,
		mountFlags: func(path string) ([]string, error) {
			return []string{"rw", "nosuid", "nodev", "relatime"}, nil
		},
	}
}

func findMount(mounts []ociMount, dest string) *ociMount {
	for i := range mounts {
		if mounts[i].Destination == dest {
			return &mounts[i]
		}
	}
	return nil
}

func TestSpecMounts(t *testing.T) {
	r := testRuntime(t)
	workdir := t.TempDir()
	src := t.TempDir()
	install := t.TempDir()

	spec, err := r.spec(&Command{
		Name: "build-test",
		Args: []string{"/bin/sh", "-c", "true"},
		Mounts: []Mount{
			{Dest: "/source:rw", Source: src},
			{Dest: "/install:rw", Source: install},
			{Dest: "/cache:ro", Source: src},
			{Dest: "/scratch", Source: src},
		},
	}, workdir, true)
	if err != nil {
		t.Fatal(err)
	}

	if !spec.Root.Readonly || spec.Root.Path != r.Rootfs {
		t.Errorf("root = %+v, want read-only %s", spec.Root, r.Rootfs)
	}

	// The rootfs gets writable overlays for the well-known scribble dirs:
	for _, dest := range []string{"/tmp", "/var", "/home", "/root", "/usr/local"} {
		m := findMount(spec.Mounts, dest)
		if m == nil {
			t.Errorf("no mount for %s", dest)
			continue
		}
		if m.Type != "overlay" {
			t.Errorf("%s: type = %q, want overlay", dest, m.Type)
		}
	}

	bind := findMount(spec.Mounts, "/source")
	if bind == nil {
		t.Fatal("no mount for /source")
	}
	wantOpts := []string{"rbind", "rw", "nosuid", "nodev"}
	if diff := cmp.Diff(wantOpts, bind.Options); diff != "" {
		t.Errorf("/source options: diff (-want +got):\n%s", diff)
	}

	ro := findMount(spec.Mounts, "/cache")
	if ro == nil {
		t.Fatal("no mount for /cache")
	}
	if ro.Options[1] != "ro" {
		t.Errorf("/cache options = %v, want ro bind", ro.Options)
	}

	scratch := findMount(spec.Mounts, "/scratch")
	if scratch == nil {
		t.Fatal("no mount for /scratch")
	}
	if scratch.Type != "overlay" {
		t.Fatalf("/scratch type = %q, want overlay", scratch.Type)
	}
	joined := strings.Join(scratch.Options, ",")
	for _, opt := range []string{"lowerdir=" + src, "xino=off", "metacopy=off", "index=off", "redirect_dir=nofollow", "userxattr"} {
		if !strings.Contains(joined, opt) {
			t.Errorf("/scratch options %q lack %q", joined, opt)
		}
	}
}

func TestSpecNoUserxattrOnOldKernel(t *testing.T) {
	r := testRuntime(t)
	spec, err := r.spec(&Command{Name: "n", Args: []string{"true"}}, t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	m := findMount(spec.Mounts, "/tmp")
	if m == nil {
		t.Fatal("no mount for /tmp")
	}
	if strings.Contains(strings.Join(m.Options, ","), "userxattr") {
		t.Errorf("userxattr present on pre-5.11 kernel: %v", m.Options)
	}
}

func TestSpecProcess(t *testing.T) {
	r := testRuntime(t)
	spec, err := r.spec(&Command{
		Name: "n",
		Args: []string{"make", "-j8"},
		Env:  []string{"nproc=8"},
		Cwd:  "/source",
		UID:  1000,
		GID:  1000,
	}, t.TempDir(), true)
	if err != nil {
		t.Fatal(err)
	}
	p := spec.Process
	if !p.NoNewPrivileges {
		t.Error("NoNewPrivileges not set")
	}
	if p.User.UID != 1000 || p.User.GID != 1000 {
		t.Errorf("user = %+v, want 1000:1000", p.User)
	}
	if p.Cwd != "/source" {
		t.Errorf("cwd = %q, want /source", p.Cwd)
	}
	if len(p.Rlimits) != 1 || p.Rlimits[0].Type != "RLIMIT_NOFILE" || p.Rlimits[0].Hard != 8192 {
		t.Errorf("rlimits = %+v, want NOFILE 8192", p.Rlimits)
	}
	wantCaps := []string{"CAP_AUDIT_WRITE", "CAP_KILL", "CAP_NET_BIND_SERVICE"}
	if diff := cmp.Diff(wantCaps, p.Capabilities.Bounding); diff != "" {
		t.Errorf("bounding caps: diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"CAP_NET_BIND_SERVICE"}, p.Capabilities.Ambient); diff != "" {
		t.Errorf("ambient caps: diff (-want +got):\n%s", diff)
	}

	var nstypes []string
	for _, ns := range spec.Linux.Namespaces {
		nstypes = append(nstypes, ns.Type)
	}
	if diff := cmp.Diff([]string{"pid", "ipc", "uts", "mount", "user"}, nstypes); diff != "" {
		t.Errorf("namespaces: diff (-want +got):\n%s", diff)
	}
	if len(spec.Linux.UIDMappings) != 1 || spec.Linux.UIDMappings[0].Size != 1 {
		t.Errorf("uid mappings = %+v, want a single size-1 mapping", spec.Linux.UIDMappings)
	}
}

func TestBuildArgv(t *testing.T) {
	r := testRuntime(t)
	engine, cleanup, err := r.Build(context.Background(), &Command{
		Name: "smoke",
		Args: []string{"true"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	args := engine.Args
	if args[0] != "crun" {
		t.Errorf("argv[0] = %q, want crun", args[0])
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--root "+r.StateDir) {
		t.Errorf("argv %q lacks --root %s", joined, r.StateDir)
	}
	if !strings.HasSuffix(joined, "smoke") {
		t.Errorf("argv %q does not end in container name", joined)
	}
	// The bundle must contain a config.json:
	var bundle string
	for i, a := range args {
		if a == "--bundle" {
			bundle = args[i+1]
		}
	}
	if bundle == "" {
		t.Fatal("no --bundle in argv")
	}
	if _, err := os.Stat(filepath.Join(bundle, "config.json")); err != nil {
		t.Error(err)
	}

	if err := cleanup(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Dir(bundle)); !os.IsNotExist(err) {
		t.Error("workdir still present after cleanup")
	}
}
