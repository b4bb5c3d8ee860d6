// Package metadata records file modes and symlinks in a sidecar file. The
// pack codec stores regular file contents byte-for-byte but drops
// executable bits, other mode bits and symbolic links; the sidecar fills
// that gap on extraction.
package metadata

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
)

// Filename is the sidecar's name at the root of a stored tree.
const Filename = "metadata.toml"

type sidecar struct {
	// Modes maps relative paths ("./bin/julia") to stat modes formatted as
	// "0o" plus base 8, e.g. "0o100755".
	Modes map[string]string `toml:"modes"`
	// Links maps relative paths to symlink targets.
	Links map[string]string `toml:"links"`
}

func formatMode(mode uint32) string {
	return "0o" + strconv.FormatUint(uint64(mode), 8)
}

func parseMode(s string) (uint32, error) {
	rest, ok := strings.CutPrefix(s, "0o")
	if !ok {
		return 0, xerrors.Errorf("mode %q lacks 0o prefix", s)
	}
	mode, err := strconv.ParseUint(rest, 8, 32)
	if err != nil {
		return 0, xerrors.Errorf("mode %q: %w", s, err)
	}
	return uint32(mode), nil
}

// Prepare walks dir and writes the sidecar at its root. It refuses to run
// if a sidecar is already present (the tree would then round-trip a stale
// one).
func Prepare(dir string) error {
	fn := filepath.Join(dir, Filename)
	if _, err := os.Lstat(fn); err == nil {
		return xerrors.Errorf("%s already exists in %s", Filename, dir)
	} else if !os.IsNotExist(err) {
		return err
	}

	sc := sidecar{
		Modes: make(map[string]string),
		Links: make(map[string]string),
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := "./" + filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return xerrors.Errorf("%s: no stat information", path)
		}
		sc.Modes[key] = formatMode(st.Mode)
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			sc.Links[key] = target
			// WalkDir does not follow symlinks, so nothing to skip here.
		}
		return nil
	})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(sc); err != nil {
		return err
	}
	return f.Close()
}

// Unprepare applies the sidecar found in dir (an extracted tree): it
// recreates symlinks, restores modes, and removes the sidecar.
func Unprepare(dir string) error {
	fn := filepath.Join(dir, Filename)
	var sc sidecar
	if _, err := toml.DecodeFile(fn, &sc); err != nil {
		return xerrors.Errorf("parsing %s: %w", fn, err)
	}

	// Symlinks first, in path order, so that a link's parent directory (also
	// only a mode entry) exists before deeper entries are touched.
	links := make([]string, 0, len(sc.Links))
	for key := range sc.Links {
		links = append(links, key)
	}
	sort.Strings(links)
	for _, key := range links {
		target := sc.Links[key]
		path := filepath.Join(dir, filepath.FromSlash(key))
		if existing, err := os.Readlink(path); err == nil {
			if existing != target {
				return xerrors.Errorf("%s: existing symlink points to %q, want %q", path, existing, target)
			}
			continue
		} else if !os.IsNotExist(err) {
			if _, serr := os.Lstat(path); serr == nil {
				return xerrors.Errorf("%s: expected a symlink to %q", path, target)
			}
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.Symlink(target, path); err != nil {
			return err
		}
	}

	modes := make([]string, 0, len(sc.Modes))
	for key := range sc.Modes {
		modes = append(modes, key)
	}
	sort.Strings(modes)
	for _, key := range modes {
		if _, isLink := sc.Links[key]; isLink {
			continue // chmod would follow the link
		}
		mode, err := parseMode(sc.Modes[key])
		if err != nil {
			return err
		}
		path := filepath.Join(dir, filepath.FromSlash(key))
		if err := os.Chmod(path, fs.FileMode(mode&0o7777)); err != nil {
			return err
		}
	}

	return os.Remove(fn)
}
