package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/maleadt/manyjulias"
	"github.com/maleadt/manyjulias/internal/mirror"
)

const statusHelp = `manyjulias status [version]

Summarize which commits of a release line are available in the archive and
how many still need building. Without an argument, all lines are listed.
`

func status(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("status", flag.ExitOnError)
	var (
		asserts = fset.Bool("asserts", false, "inspect the assertion-enabled databases")
	)
	fset.Usage = usage(fset, statusHelp)
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
	var versions []manyjulias.Version
	if fset.NArg() == 0 {
		versions = known
	} else if versions, err = parseVersionSpecs(fset.Args(), known); err != nil {
		return err
	}

	for _, v := range versions {
		commits, err := e.mirror.Commits(ctx, v)
		if err != nil {
			return err
		}
		listing, err := e.store.List(ctx, v.DBName(*asserts))
		if err != nil {
			return err
		}
		stored := 0
		for _, rev := range commits {
			if listing.Contains(rev) {
				stored++
			}
		}
		fmt.Printf("%v: %d of %d commits built (%d loose, %d packs)\n",
			v, stored, len(commits), len(listing.Loose), len(listing.Packed))
	}
	return nil
}
