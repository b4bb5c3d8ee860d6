// Package planner partitions a release line's commits into fixed-size
// chunks and drives their construction: builds fan out across a bounded
// worker pool, packs finalize strictly in order.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/maleadt/manyjulias"
	"github.com/maleadt/manyjulias/internal/builder"
	"github.com/maleadt/manyjulias/internal/store"
	"github.com/maleadt/manyjulias/internal/trace"
)

// PackSize is the maximum number of commits per pack.
const PackSize = 250

// Store is the slice of the pack store the planner needs.
type Store interface {
	List(ctx context.Context, db string) (*store.Listing, error)
	PackExists(db, name string) bool
	Pack(ctx context.Context, db, name string) error
	RmLoose(db string) error
}

// Mirror answers commit queries against the source mirror.
type Mirror interface {
	CommitName(ctx context.Context, rev string) (string, error)
	Commits(ctx context.Context, v manyjulias.Version) ([]string, error)
}

// Builder builds a single commit into the store's loose area.
type Builder interface {
	Build(ctx context.Context, commit string, opts builder.Options) error
}

type Planner struct {
	Store   Store
	Mirror  Mirror
	Builder Builder

	Jobs    int    // worker pool width
	Threads int    // compiler parallelism per build
	Asserts bool   // build the -asserts variant
	WorkDir string // scratch space for builds
	Timeout time.Duration

	// ChunkSize overrides the commits-per-pack partitioning; zero means
	// PackSize. Only tests shrink it.
	ChunkSize int
}

// Pack names one chunk of the pack plan.
type Pack struct {
	Name    string
	Commits []string
}

func chunked(commits []string, size int) [][]string {
	var chunks [][]string
	for len(commits) > 0 {
		n := size
		if n > len(commits) {
			n = len(commits)
		}
		chunks = append(chunks, commits[:n])
		commits = commits[n:]
	}
	return chunks
}

// CommitPacks returns the pack plan for v: consecutive chunks of its
// commit list, each named after its first commit. The partitioning is
// deterministic; commits appended at the branch tip only extend the final
// chunk or add new ones.
func (p *Planner) CommitPacks(ctx context.Context, v manyjulias.Version) ([]Pack, error) {
	commits, err := p.Mirror.Commits(ctx, v)
	if err != nil {
		return nil, err
	}
	size := p.ChunkSize
	if size == 0 {
		size = PackSize
	}
	var plan []Pack
	for _, chunk := range chunked(commits, size) {
		name, err := p.Mirror.CommitName(ctx, chunk[0])
		if err != nil {
			return nil, err
		}
		plan = append(plan, Pack{
			Name:    store.SafeName("julia-" + name),
			Commits: chunk,
		})
	}
	return plan, nil
}

// Summary reports what a BuildVersion run did.
type Summary struct {
	Version  manyjulias.Version
	Built    int
	Failed   int
	Resumed  int // commits skipped because they were already loose
	Skipped  int // packs skipped because they were already finalized
	Failures []*builder.BuildFailure
}

func (s *Summary) String() string {
	return fmt.Sprintf("%v: %d built, %d failed, %d resumed, %d packs already finalized",
		s.Version, s.Built, s.Failed, s.Resumed, s.Skipped)
}

// BuildVersion builds all missing packs for v. Finalization happens at
// chunk boundaries, except for the plan's last pack: that one stays loose
// so newer commits can extend it without unpacking.
func (p *Planner) BuildVersion(ctx context.Context, v manyjulias.Version) (*Summary, error) {
	plan, err := p.CommitPacks(ctx, v)
	if err != nil {
		return nil, err
	}
	db := v.DBName(p.Asserts)
	sum := &Summary{Version: v}
	for i, pack := range plan {
		if p.Store.PackExists(db, pack.Name) {
			sum.Skipped++
			continue
		}
		if err := p.buildPack(ctx, db, pack.Commits, sum); err != nil {
			return sum, err
		}
		if i < len(plan)-1 {
			log.Printf("finalizing pack %s (%d commits)", pack.Name, len(pack.Commits))
			if err := p.Store.Pack(ctx, db, pack.Name); err != nil {
				return sum, err
			}
			if err := p.Store.RmLoose(db); err != nil {
				return sum, err
			}
		}
	}
	return sum, nil
}

// commitsToBuild applies the drift and resume rules to a chunk: loose
// objects outside the chunk are stale state from an earlier run and force
// a wholesale purge (the codec cannot delete individual loose objects);
// otherwise building resumes after the last loose revision in the chunk.
func commitsToBuild(chunk, loose []string) (toBuild []string, drift bool) {
	inChunk := make(map[string]bool, len(chunk))
	for _, c := range chunk {
		inChunk[c] = true
	}
	isLoose := make(map[string]bool, len(loose))
	for _, l := range loose {
		if !inChunk[l] {
			return chunk, true
		}
		isLoose[l] = true
	}
	last := -1
	for i, c := range chunk {
		if isLoose[c] {
			last = i
		}
	}
	return chunk[last+1:], false
}

func (p *Planner) buildPack(ctx context.Context, db string, chunk []string, sum *Summary) error {
	listing, err := p.Store.List(ctx, db)
	if err != nil {
		return err
	}
	toBuild, drift := commitsToBuild(chunk, listing.Loose)
	if drift {
		log.Printf("%s: loose area contains revisions outside the current chunk, purging", db)
		if err := p.Store.RmLoose(db); err != nil {
			return err
		}
		toBuild = chunk
	}
	sum.Resumed += len(chunk) - len(toBuild)
	if len(toBuild) == 0 {
		return nil
	}

	jobs := p.Jobs
	if jobs <= 0 {
		jobs = 1
	}
	opts := builder.Options{
		Nproc:   p.Threads,
		Timeout: p.Timeout,
		Asserts: p.Asserts,
		WorkDir: p.WorkDir,
	}

	status := newStatus(jobs)
	work := make(chan string, len(toBuild))
	for _, commit := range toBuild {
		work <- commit
	}
	close(work)

	var (
		mu   sync.Mutex // guards sum and done
		done int
	)

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < jobs; i++ {
		i := i // copy
		eg.Go(func() error {
			for commit := range work {
				if err := ctx.Err(); err != nil {
					return err
				}
				status.update(i+1, "building "+commit[:16])
				ev := trace.Event("build "+commit[:16], i)
				err := p.Builder.Build(ctx, commit, opts)
				ev.Done()

				var failure *builder.BuildFailure
				if err != nil && !errors.As(err, &failure) {
					status.update(i+1, "failed")
					return xerrors.Errorf("building %s: %w", commit, err)
				}

				mu.Lock()
				done++
				if failure != nil {
					// The commit stays absent from the pack; a future run
					// can retry it.
					sum.Failed++
					sum.Failures = append(sum.Failures, failure)
					log.Printf("build of %s failed: %v", commit, failure)
					status.refresh()
				} else {
					sum.Built++
				}
				status.update(0, fmt.Sprintf("%d of %d commits: %d built, %d failed",
					done, len(toBuild), sum.Built, sum.Failed))
				mu.Unlock()
				status.update(i+1, "idle")
			}
			return nil
		})
	}
	return eg.Wait()
}
