package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

const extractHelp = `manyjulias extract [-flags] <rev> <dir>

Extract the build of <rev> into <dir>. A non-empty directory is refused
unless it was produced by a previous extraction, in which case its
contents are replaced. Exits 125 if the revision is not stored.

Example:
  % manyjulias extract 8ac54bd26d ./julia-8ac54bd26d
`

// extractMarker records that a directory was produced by us; the codec
// itself leaves no provenance behind.
const extractMarker = ".manyjulias"

// checkExtractDir refuses to clobber directories we did not create: only
// missing, empty, or previously-extracted directories may be extracted
// into.
func checkExtractDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if _, err := os.Stat(filepath.Join(dir, extractMarker)); err == nil {
		return nil
	}
	return xerrors.Errorf("%s is not empty and not a previous extraction; refusing to replace its contents", dir)
}

func extract(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	var (
		asserts = fset.Bool("asserts", false, "extract the assertion-enabled variant")
	)
	fset.Usage = usage(fset, extractHelp)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: manyjulias extract <rev> <dir>")
	}

	e, err := newEnv()
	if err != nil {
		return err
	}
	rev, db, err := lookupStored(ctx, e, fset.Arg(0), *asserts)
	if err != nil {
		return err
	}
	dir := fset.Arg(1)
	if err := checkExtractDir(dir); err != nil {
		return err
	}
	if err := e.store.ExtractReadonly(ctx, db, rev, dir); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, extractMarker), []byte(rev+"\n"), 0644); err != nil {
		return err
	}
	log.Printf("extracted %s into %s", rev, dir)
	return nil
}
