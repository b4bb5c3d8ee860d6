package main

import (
	"context"
	"flag"
	"fmt"

	"golang.org/x/xerrors"
)

const envHelp = `manyjulias env

Print the file system locations manyjulias works with.
`

func printenv(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("env", flag.ExitOnError)
	fset.Usage = usage(fset, envHelp)
	fset.Parse(args)
	if fset.NArg() != 0 {
		return xerrors.Errorf("syntax: manyjulias env")
	}

	e, err := newEnv()
	if err != nil {
		return err
	}
	fmt.Printf("MANYJULIAS_DOWNLOAD_DIR=%s\n", e.cfg.DownloadDir)
	fmt.Printf("MANYJULIAS_DATA_DIR=%s\n", e.cfg.DataDir)
	fmt.Printf("MANYJULIAS_SANDBOX_DIR=%s\n", e.cfg.SandboxStateDir)
	return nil
}
