// Package store wraps the elfshaker pack databases: one database per Julia
// release line, each holding finalized packs plus a transient loose area.
package store

import (
	"bytes"
	"context"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"github.com/maleadt/manyjulias/internal/config"
	"github.com/maleadt/manyjulias/internal/metadata"
	"github.com/maleadt/manyjulias/internal/sandbox"
)

// CodecError reports a failed elfshaker invocation.
type CodecError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CodecError) Error() string {
	msg := "elfshaker " + strings.Join(e.Args, " ") + ": " + e.Err.Error()
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

func (e *CodecError) Unwrap() error { return e.Err }

// Store provides serialized access to the databases below the data root.
type Store struct {
	cfg     *config.Config
	sandbox *sandbox.Runtime

	mu  sync.Mutex // guards dbs
	dbs map[string]*sync.Mutex
}

func New(cfg *config.Config, rt *sandbox.Runtime) *Store {
	return &Store{
		cfg:     cfg,
		sandbox: rt,
		dbs:     make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex serializing all mutating codec calls against db.
// Readers of already-finalized packs do not need it.
func (s *Store) lock(db string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.dbs[db]
	if !ok {
		mu = &sync.Mutex{}
		s.dbs[db] = mu
	}
	return mu
}

// DatabaseDir returns the directory backing db, creating it if needed.
func (s *Store) DatabaseDir(db string) (string, error) {
	dir := s.cfg.DatabaseDir(db)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *Store) elfshaker(ctx context.Context, db, cwd string, args ...string) ([]byte, error) {
	dir, err := s.DatabaseDir(db)
	if err != nil {
		return nil, err
	}
	full := append([]string{"--data-dir", dir}, args...)
	cmd := exec.CommandContext(ctx, "elfshaker", full...)
	cmd.Dir = cwd
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, &CodecError{
			Args:   args,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return out, nil
}

// Listing describes a database's contents: loose revisions not yet in a
// pack, and the revisions of every finalized pack.
type Listing struct {
	Loose  []string
	Packed map[string][]string
}

// Contains reports whether rev is stored, loose or packed.
func (l *Listing) Contains(rev string) bool {
	for _, r := range l.Loose {
		if r == rev {
			return true
		}
	}
	for _, revs := range l.Packed {
		for _, r := range revs {
			if r == rev {
				return true
			}
		}
	}
	return false
}

// parseListing interprets elfshaker list output: "loose/<rev>:<rev>" marks
// a loose object, "<pack>:<rev>" pack membership. The line schema is part
// of the external contract with the codec; unknown lines warn and are
// skipped.
func parseListing(out string) *Listing {
	listing := &Listing{Packed: make(map[string][]string)}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pack, rev, ok := strings.Cut(line, ":")
		if !ok {
			log.Printf("skipping unrecognized list line %q", line)
			continue
		}
		// Columns beyond the snapshot name (sizes etc.) are ignored.
		if idx := strings.IndexAny(rev, " \t"); idx > -1 {
			rev = rev[:idx]
		}
		if strings.HasPrefix(pack, "loose/") {
			if strings.TrimPrefix(pack, "loose/") != rev {
				log.Printf("skipping inconsistent loose line %q", line)
				continue
			}
			listing.Loose = append(listing.Loose, rev)
			continue
		}
		listing.Packed[pack] = append(listing.Packed[pack], rev)
	}
	return listing
}

// List enumerates the contents of db.
func (s *Store) List(ctx context.Context, db string) (*Listing, error) {
	mu := s.lock(db)
	mu.Lock()
	defer mu.Unlock()
	dir, err := s.DatabaseDir(db)
	if err != nil {
		return nil, err
	}
	out, err := s.elfshaker(ctx, db, dir, "list")
	if err != nil {
		return nil, err
	}
	return parseListing(string(out)), nil
}

// StoreTree deposits dir as revision rev into db's loose area, recording
// modes and symlinks in the sidecar first. On success dir is removed; on
// failure the caller owns cleanup.
func (s *Store) StoreTree(ctx context.Context, db, rev, dir string) error {
	if err := metadata.Prepare(dir); err != nil {
		return err
	}
	mu := s.lock(db)
	mu.Lock()
	defer mu.Unlock()
	if _, err := s.elfshaker(ctx, db, dir, "store", rev); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Extract materializes revision rev of db into dir, clearing pre-existing
// content, and applies the sidecar.
func (s *Store) Extract(ctx context.Context, db, rev, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	mu := s.lock(db)
	mu.Lock()
	defer mu.Unlock()
	if _, err := s.elfshaker(ctx, db, dir, "extract", "--reset", rev); err != nil {
		return err
	}
	return metadata.Unprepare(dir)
}

// ExtractReadonly behaves like Extract but leaves the database untouched:
// the codec writes temporary indices into its data dir, so it runs inside a
// sandbox with the database as the read-only lower layer of an overlay.
func (s *Store) ExtractReadonly(ctx context.Context, db, rev, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	dbdir, err := s.DatabaseDir(db)
	if err != nil {
		return err
	}
	binary, err := exec.LookPath("elfshaker")
	if err != nil {
		return xerrors.Errorf("locating elfshaker: %w", err)
	}

	engine, cleanup, err := s.sandbox.Build(ctx, &sandbox.Command{
		Name: "extract-" + SafeNameNoSlash(rev),
		Args: []string{"/usr/local/bin/elfshaker", "--data-dir", "/data", "extract", "--reset", rev},
		Cwd:  "/out",
		Mounts: []sandbox.Mount{
			{Dest: "/data", Source: dbdir}, // overlay: reads lower, scratch upper
			{Dest: "/out:rw", Source: dir},
			{Dest: "/usr/local/bin/elfshaker:ro", Source: binary},
		},
	})
	if err != nil {
		return err
	}
	defer cleanup()
	var output bytes.Buffer
	engine.Stdout = &output
	engine.Stderr = &output
	if err := engine.Run(); err != nil {
		return &CodecError{
			Args:   []string{"extract", "--reset", rev},
			Stderr: strings.TrimSpace(output.String()),
			Err:    err,
		}
	}
	return metadata.Unprepare(dir)
}

// Pack finalizes all loose objects of db into an immutable pack.
func (s *Store) Pack(ctx context.Context, db, name string) error {
	mu := s.lock(db)
	mu.Lock()
	defer mu.Unlock()
	dir, err := s.DatabaseDir(db)
	if err != nil {
		return err
	}
	if _, err := s.elfshaker(ctx, db, dir, "pack", name); err != nil {
		return err
	}
	return nil
}

// RmLoose clears db's loose area. The codec has no per-object loose
// deletion, so this is all or nothing.
func (s *Store) RmLoose(db string) error {
	mu := s.lock(db)
	mu.Lock()
	defer mu.Unlock()
	dir := s.cfg.DatabaseDir(db)
	for _, sub := range []string{"loose", filepath.Join("packs", "loose")} {
		if err := os.RemoveAll(filepath.Join(dir, sub)); err != nil {
			return err
		}
	}
	return nil
}

// PackExists reports whether a finalized pack of that name is on disk.
func (s *Store) PackExists(db, name string) bool {
	dir := s.cfg.DatabaseDir(db)
	_, err := os.Stat(filepath.Join(dir, "packs", name+".pack"))
	return err == nil
}

// RemovePack deletes a finalized pack (both the pack and its index).
func (s *Store) RemovePack(db, name string) error {
	mu := s.lock(db)
	mu.Lock()
	defer mu.Unlock()
	dir := s.cfg.DatabaseDir(db)
	for _, fn := range []string{name + ".pack", name + ".pack.idx"} {
		if err := os.Remove(filepath.Join(dir, "packs", fn)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// SafeName projects s onto the codec's pack name alphabet
// ([A-Za-z0-9_/-]); everything else becomes an underscore.
func SafeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z',
			r >= 'a' && r <= 'z',
			r >= '0' && r <= '9',
			r == '_', r == '/', r == '-':
			return r
		}
		return '_'
	}, s)
}

// SafeNameNoSlash additionally flattens path separators, for names used as
// single path components (e.g. container names).
func SafeNameNoSlash(s string) string {
	return strings.ReplaceAll(SafeName(s), "/", "_")
}
