package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/maleadt/manyjulias"
	"github.com/maleadt/manyjulias/internal/mirror"
)

const runHelp = `manyjulias run <rev> [args...]

Extract the build of <rev> and execute it, proxying arguments, exit code
and termination signal. Exits 125 if the revision is not stored, making
the wrapper usable under git bisect run.

Example:
  % manyjulias run master -e 'println(VERSION)'
  % manyjulias run da8393ff4e --version
`

// lookupStored resolves a revision spec and locates the database holding
// it. A missing build is reported as exit code 125 so bisect harnesses
// can tell "untestable" from "test failed".
func lookupStored(ctx context.Context, e *env, spec string, asserts bool) (rev, db string, _ error) {
	rev, err := e.mirror.Lookup(ctx, spec)
	if err != nil {
		var unknown *mirror.RevisionUnknownError
		if errors.As(err, &unknown) {
			fmt.Fprintf(os.Stderr, "%v\n", unknown)
			return "", "", exitCode(125)
		}
		return "", "", err
	}
	v, err := e.mirror.CommitVersion(ctx, rev)
	if err != nil {
		return "", "", err
	}
	db = v.DBName(asserts)
	listing, err := e.store.List(ctx, db)
	if err != nil {
		return "", "", err
	}
	if !listing.Contains(rev) {
		fmt.Fprintf(os.Stderr, "revision %s is not stored; run `manyjulias build %v` first\n", rev, v)
		return "", "", exitCode(125)
	}
	return rev, db, nil
}

func run(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		asserts = fset.Bool("asserts", false, "run the assertion-enabled variant")
	)
	fset.Usage = usage(fset, runHelp)
	fset.Parse(args)
	if fset.NArg() < 1 {
		return xerrors.Errorf("syntax: manyjulias run <rev> [args...]")
	}

	e, err := newEnv()
	if err != nil {
		return err
	}
	rev, db, err := lookupStored(ctx, e, fset.Arg(0), *asserts)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "manyjulias-run-")
	if err != nil {
		return err
	}
	manyjulias.RegisterAtExit(func() error { return os.RemoveAll(dir) })

	if err := e.store.ExtractReadonly(ctx, db, rev, dir); err != nil {
		return err
	}

	child := exec.Command(filepath.Join(dir, "bin", "julia"), fset.Args()[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	if err := child.Start(); err != nil {
		return xerrors.Errorf("%v: %w", child.Args, err)
	}

	// Forward interrupts to the child instead of dying with it; the child's
	// own termination status is what we report.
	ints := make(chan os.Signal, 1)
	signal.Notify(ints, os.Interrupt)
	go func() {
		for s := range ints {
			child.Process.Signal(s)
		}
	}()
	err = child.Wait()
	signal.Stop(ints)
	close(ints)
	if err == nil {
		return nil
	}

	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	if !ok {
		return err
	}
	if ws.Signaled() {
		// Re-raise so our own exit status is by-signal too; a driver such
		// as a bisect harness then sees a faithful status.
		sig := ws.Signal()
		if cleanupErr := manyjulias.RunAtExit(); cleanupErr != nil {
			fmt.Fprintf(os.Stderr, "cleanup: %v\n", cleanupErr)
		}
		signal.Reset(sig)
		unix.Kill(os.Getpid(), sig)
		// Unreachable for fatal signals; cover the rest:
		return exitCode(128 + int(sig))
	}
	return exitCode(ws.ExitStatus())
}
