package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
)

// scaffold builds the tree from the roundtrip scenario: an executable, a
// symlink, and its target.
func scaffold(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"bin", "lib"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "hello"), []byte("ABC"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "libfoo.so.1"), []byte("bin"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("libfoo.so.1", filepath.Join(dir, "lib", "libfoo.so")); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRoundtrip(t *testing.T) {
	dir := scaffold(t)
	if err := Prepare(dir); err != nil {
		t.Fatal(err)
	}

	// Simulate what the codec loses: flatten modes, drop the symlink.
	if err := os.Chmod(filepath.Join(dir, "bin", "hello"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "lib", "libfoo.so")); err != nil {
		t.Fatal(err)
	}

	if err := Unprepare(dir); err != nil {
		t.Fatal(err)
	}

	if fi, err := os.Stat(filepath.Join(dir, "bin", "hello")); err != nil {
		t.Fatal(err)
	} else if got, want := fi.Mode().Perm(), os.FileMode(0755); got != want {
		t.Errorf("bin/hello mode = %v, want %v", got, want)
	}
	if target, err := os.Readlink(filepath.Join(dir, "lib", "libfoo.so")); err != nil {
		t.Fatal(err)
	} else if target != "libfoo.so.1" {
		t.Errorf("lib/libfoo.so points to %q, want %q", target, "libfoo.so.1")
	}
	if b, err := os.ReadFile(filepath.Join(dir, "lib", "libfoo.so.1")); err != nil {
		t.Fatal(err)
	} else if string(b) != "bin" {
		t.Errorf("lib/libfoo.so.1 content = %q, want %q", b, "bin")
	}
	if _, err := os.Lstat(filepath.Join(dir, Filename)); !os.IsNotExist(err) {
		t.Errorf("%s still present after Unprepare", Filename)
	}
}

func TestPrepareSidecarContents(t *testing.T) {
	dir := scaffold(t)
	if err := Prepare(dir); err != nil {
		t.Fatal(err)
	}
	var sc sidecar
	if _, err := toml.DecodeFile(filepath.Join(dir, Filename), &sc); err != nil {
		t.Fatal(err)
	}
	if got, want := sc.Modes["./bin/hello"], "0o100755"; got != want {
		t.Errorf("modes[./bin/hello] = %q, want %q", got, want)
	}
	if got, want := sc.Links["./lib/libfoo.so"], "libfoo.so.1"; got != want {
		t.Errorf("links[./lib/libfoo.so] = %q, want %q", got, want)
	}
	if _, ok := sc.Modes["./lib"]; !ok {
		t.Errorf("modes lacks directory entry for ./lib")
	}
}

func TestPrepareRefusesExistingSidecar(t *testing.T) {
	dir := scaffold(t)
	if err := Prepare(dir); err != nil {
		t.Fatal(err)
	}
	if err := Prepare(dir); err == nil {
		t.Fatal("second Prepare succeeded, want error")
	}
}

func TestUnprepareKeepsMatchingSymlink(t *testing.T) {
	dir := scaffold(t)
	if err := Prepare(dir); err != nil {
		t.Fatal(err)
	}
	// The symlink survived extraction; Unprepare must treat it as a no-op.
	if err := Unprepare(dir); err != nil {
		t.Fatal(err)
	}
	if target, err := os.Readlink(filepath.Join(dir, "lib", "libfoo.so")); err != nil || target != "libfoo.so.1" {
		t.Errorf("Readlink = %q, %v; want libfoo.so.1", target, err)
	}
}

func TestUnprepareRejectsMismatchedSymlink(t *testing.T) {
	dir := scaffold(t)
	if err := Prepare(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "lib", "libfoo.so")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("elsewhere", filepath.Join(dir, "lib", "libfoo.so")); err != nil {
		t.Fatal(err)
	}
	if err := Unprepare(dir); err == nil {
		t.Fatal("Unprepare accepted a symlink with the wrong target")
	}
}

func TestModeFormat(t *testing.T) {
	for _, tt := range []struct {
		mode uint32
		want string
	}{
		{0o100755, "0o100755"},
		{0o100644, "0o100644"},
		{0o40755, "0o40755"},
	} {
		got := formatMode(tt.mode)
		if got != tt.want {
			t.Errorf("formatMode(%o) = %q, want %q", tt.mode, got, tt.want)
		}
		back, err := parseMode(got)
		if err != nil {
			t.Fatal(err)
		}
		if back != tt.mode {
			t.Errorf("parseMode(%q) = %o, want %o", got, back, tt.mode)
		}
	}
	if _, err := parseMode("755"); err == nil {
		t.Error("parseMode accepted a mode without 0o prefix")
	}
}
