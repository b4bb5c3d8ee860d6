package main

import (
	"context"
	"flag"
	"log"
	"runtime"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/maleadt/manyjulias"
	"github.com/maleadt/manyjulias/internal/mirror"
	"github.com/maleadt/manyjulias/internal/planner"
)

const buildHelp = `manyjulias build [-flags] [versions...]

Build packs for the listed release lines (defaults to the newest one).
Version specs accept X.Y, X.Y+ (that line and newer) and X.Y-A.B ranges.

Example:
  % manyjulias build 1.10
  % manyjulias build -asserts -jobs 4 1.8+
`

// parseVersionSpec expands one version spec against the known release
// lines (ascending).
func parseVersionSpec(spec string, known []manyjulias.Version) ([]manyjulias.Version, error) {
	contains := func(v manyjulias.Version) bool {
		for _, k := range known {
			if k == v {
				return true
			}
		}
		return false
	}
	switch {
	case strings.HasSuffix(spec, "+"):
		lo, err := manyjulias.ParseVersion(strings.TrimSuffix(spec, "+"))
		if err != nil {
			return nil, err
		}
		var out []manyjulias.Version
		for _, k := range known {
			if !k.Less(lo) {
				out = append(out, k)
			}
		}
		if len(out) == 0 {
			return nil, xerrors.Errorf("no known release line matches %q", spec)
		}
		return out, nil

	case strings.Count(spec, "-") == 1:
		los, his, _ := strings.Cut(spec, "-")
		lo, err := manyjulias.ParseVersion(los)
		if err != nil {
			return nil, err
		}
		hi, err := manyjulias.ParseVersion(his)
		if err != nil {
			return nil, err
		}
		if hi.Less(lo) {
			return nil, xerrors.Errorf("empty version range %q", spec)
		}
		var out []manyjulias.Version
		for _, k := range known {
			if !k.Less(lo) && !hi.Less(k) {
				out = append(out, k)
			}
		}
		if len(out) == 0 {
			return nil, xerrors.Errorf("no known release line matches %q", spec)
		}
		return out, nil

	default:
		v, err := manyjulias.ParseVersion(spec)
		if err != nil {
			return nil, err
		}
		if !contains(v) {
			return nil, xerrors.Errorf("unknown release line %v", v)
		}
		return []manyjulias.Version{v}, nil
	}
}

func parseVersionSpecs(specs []string, known []manyjulias.Version) ([]manyjulias.Version, error) {
	if len(specs) == 0 {
		if len(known) == 0 {
			return nil, xerrors.Errorf("no known release lines")
		}
		return known[len(known)-1:], nil // newest
	}
	seen := make(map[manyjulias.Version]bool)
	var out []manyjulias.Version
	for _, spec := range specs {
		versions, err := parseVersionSpec(spec, known)
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			if seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func build(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	var (
		asserts = fset.Bool("asserts", false, "build the assertion-enabled variant")
		jobs    = fset.Int("jobs", runtime.NumCPU()/4, "number of commits to build in parallel")
		threads = fset.Int("threads", 4, "compiler parallelism per build")
		workDir = fset.String("work-dir", "", "scratch space for source and install trees")
		timeout = fset.Duration("timeout", time.Hour, "per-commit build timeout")
	)
	fset.Usage = usage(fset, buildHelp)
	fset.Parse(args)

	e, err := newEnv()
	if err != nil {
		return err
	}

	points, err := e.mirror.BranchCommits(ctx)
	if err != nil {
		return err
	}
	versions, err := parseVersionSpecs(fset.Args(), mirror.SortedVersions(points))
	if err != nil {
		return err
	}

	p := &planner.Planner{
		Store:   e.store,
		Mirror:  e.mirror,
		Builder: e.builder,
		Jobs:    *jobs,
		Threads: *threads,
		Asserts: *asserts,
		WorkDir: *workDir,
		Timeout: *timeout,
	}

	var entirelyFailed []manyjulias.Version
	for _, v := range versions {
		log.Printf("building %v", v)
		sum, err := p.BuildVersion(ctx, v)
		if err != nil {
			return xerrors.Errorf("building %v: %w", v, err)
		}
		log.Printf("%v", sum)
		if sum.Built == 0 && sum.Failed > 0 {
			entirelyFailed = append(entirelyFailed, v)
		}
	}
	if len(entirelyFailed) > 0 {
		return xerrors.Errorf("no commits could be built for %v", entirelyFailed)
	}
	return nil
}
