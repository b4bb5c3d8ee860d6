package main

import (
	"context"
	"flag"
	"log"

	"golang.org/x/xerrors"

	"github.com/maleadt/manyjulias"
	"github.com/maleadt/manyjulias/internal/mirror"
	"github.com/maleadt/manyjulias/internal/planner"
	"github.com/maleadt/manyjulias/internal/store"
)

const verifyHelp = `manyjulias verify [-flags] [versions...]

Validate each pack's contents against the expected pack plan. A pack is
valid if its revisions are a subset of the planned chunk of the same name
(commits may be missing when their builds failed; they must never be
misplaced). With -fix, non-conforming packs are deleted so the next build
can reconstruct them.
`

// checkPacks returns the names of non-conforming packs in listing, given
// the expected plan.
func checkPacks(listing *store.Listing, plan []planner.Pack) []string {
	expected := make(map[string]map[string]bool, len(plan))
	for _, pack := range plan {
		revs := make(map[string]bool, len(pack.Commits))
		for _, rev := range pack.Commits {
			revs[rev] = true
		}
		expected[pack.Name] = revs
	}

	var bad []string
	for name, revs := range listing.Packed {
		want, ok := expected[name]
		if !ok {
			log.Printf("pack %s is not part of the plan", name)
			bad = append(bad, name)
			continue
		}
		for _, rev := range revs {
			if !want[rev] {
				log.Printf("pack %s contains out-of-place revision %s", name, rev)
				bad = append(bad, name)
				break
			}
		}
	}
	return bad
}

func verify(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("verify", flag.ExitOnError)
	var (
		fix     = fset.Bool("fix", false, "delete non-conforming packs")
		asserts = fset.Bool("asserts", false, "verify the assertion-enabled databases")
	)
	fset.Usage = usage(fset, verifyHelp)
	fset.Parse(args)

	e, err := newEnv()
	if err != nil {
		return err
	}
	points, err := e.mirror.BranchCommits(ctx)
	if err != nil {
		return err
	}
	known := mirror.SortedVersions(points)
	specs := fset.Args()
	var versions []manyjulias.Version
	if len(specs) == 0 {
		versions = known
	} else if versions, err = parseVersionSpecs(specs, known); err != nil {
		return err
	}

	p := &planner.Planner{Store: e.store, Mirror: e.mirror}
	invalid := 0
	for _, v := range versions {
		db := v.DBName(*asserts)
		plan, err := p.CommitPacks(ctx, v)
		if err != nil {
			return err
		}
		listing, err := e.store.List(ctx, db)
		if err != nil {
			return err
		}
		bad := checkPacks(listing, plan)
		invalid += len(bad)
		for _, name := range bad {
			if !*fix {
				continue
			}
			log.Printf("deleting pack %s", name)
			if err := e.store.RemovePack(db, name); err != nil {
				return err
			}
		}
	}
	if invalid > 0 && !*fix {
		return xerrors.Errorf("%d non-conforming packs (re-run with -fix to delete them)", invalid)
	}
	return nil
}
