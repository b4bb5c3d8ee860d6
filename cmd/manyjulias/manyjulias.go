// manyjulias maintains an archive of compiled Julia binaries covering many
// historical revisions, stored as delta-compressed packs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/pprof"

	"github.com/maleadt/manyjulias"
	"github.com/maleadt/manyjulias/internal/builder"
	"github.com/maleadt/manyjulias/internal/config"
	"github.com/maleadt/manyjulias/internal/mirror"
	"github.com/maleadt/manyjulias/internal/sandbox"
	"github.com/maleadt/manyjulias/internal/store"
	"github.com/maleadt/manyjulias/internal/trace"
)

var (
	cpuprofile = flag.String("cpuprofile", "", "path to store a CPU profile at")
	tracefile  = flag.Bool("trace", false, "write a Chrome trace event file to $TMPDIR/manyjulias.traces")
)

// exitCode carries a specific process exit status through the error return
// path, e.g. 125 for revisions that are not stored.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit code %d", int(e)) }

// env bundles the components every verb works with.
type env struct {
	cfg     *config.Config
	sandbox *sandbox.Runtime
	store   *store.Store
	mirror  *mirror.Mirror
	builder *builder.Builder
}

func newEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	rt := &sandbox.Runtime{
		Binary:   "crun",
		StateDir: cfg.SandboxStateDir,
	}
	st := store.New(cfg, rt)
	m := mirror.New(cfg)
	return &env{
		cfg:     cfg,
		sandbox: rt,
		store:   st,
		mirror:  m,
		builder: builder.New(cfg, m, st, rt),
	}, nil
}

func exit(code int) {
	if err := manyjulias.RunAtExit(); err != nil {
		log.Printf("cleanup: %v", err)
	}
	os.Exit(code)
}

func main() {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	if *tracefile {
		if err := trace.Enable("manyjulias"); err != nil {
			log.Fatal(err)
		}
	}

	type cmd struct {
		helpText string
		fn       func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"build":   {buildHelp, build},
		"run":     {runHelp, run},
		"extract": {extractHelp, extract},
		"verify":  {verifyHelp, verify},
		"status":  {statusHelp, status},
		"env":     {envHelp, printenv},
	}

	args := flag.Args()
	verb := "build"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		if len(args) != 1 {
			fmt.Fprintf(os.Stderr, "syntax: manyjulias <command> [options]\n")
			fmt.Fprintf(os.Stderr, "\n")
			fmt.Fprintf(os.Stderr, "Commands:\n")
			fmt.Fprintf(os.Stderr, "\tbuild - build packs for one or more release lines\n")
			fmt.Fprintf(os.Stderr, "\trun - extract a revision and run it\n")
			fmt.Fprintf(os.Stderr, "\textract - extract a revision into a directory\n")
			fmt.Fprintf(os.Stderr, "\tverify - validate packs against the expected plan\n")
			fmt.Fprintf(os.Stderr, "\tstatus - summarize built and unbuilt commits\n")
			fmt.Fprintf(os.Stderr, "\tenv - print the directories manyjulias works with\n")
			exit(2)
		}
		verb = args[0]
		args = []string{"-help"}
	}
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: manyjulias <command> [options]\n")
		exit(2)
	}

	ctx, canc := manyjulias.InterruptibleContext()
	defer canc()
	if err := v.fn(ctx, args); err != nil {
		if code, ok := err.(exitCode); ok {
			exit(int(code))
		}
		fmt.Printf("%s: %+v\n", verb, err)
		exit(1)
	}
	if err := manyjulias.RunAtExit(); err != nil {
		log.Printf("cleanup: %v", err)
	}
}

func usage(fset *flag.FlagSet, help string) func() {
	return func() {
		fmt.Fprint(os.Stderr, help)
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		fset.PrintDefaults()
	}
}
