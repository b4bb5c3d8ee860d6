package planner

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

var isTerminal = isatty.IsTerminal(os.Stdout.Fd())

// redrawInterval rate-limits renders; workers report far more often than a
// human can read.
const redrawInterval = 100 * time.Millisecond

// status maintains a block of lines at the bottom of the terminal: one
// summary line plus one line per worker. A render prints the whole block
// in a single write and then moves the cursor back to the block's top, so
// the next render overwrites it in place. Off-terminal it stays silent;
// the regular log output is enough for CI.
type status struct {
	mu       sync.Mutex
	out      io.Writer
	lines    []string
	widths   []int // how many cells each line currently occupies on screen
	lastDraw time.Time
}

func newStatus(workers int) *status {
	return &status{
		out:    os.Stdout,
		lines:  make([]string, workers+1),
		widths: make([]int, workers+1),
	}
}

func (s *status) render() {
	s.lastDraw = time.Now()
	var block strings.Builder
	for i, line := range s.lines {
		block.WriteString(line)
		// A shorter line leaves cells from its previous contents on
		// screen; blank them.
		if leftover := s.widths[i] - len(line); leftover > 0 {
			block.WriteString(strings.Repeat(" ", leftover))
		}
		s.widths[i] = len(line)
		block.WriteByte('\n')
	}
	fmt.Fprintf(s.out, "%s\x1b[%dA", block.String(), len(s.lines))
}

// refresh redraws unconditionally, e.g. after an interleaved log line
// scrolled part of the block away.
func (s *status) refresh() {
	if !isTerminal {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.render()
}

// update replaces one line of the block. idx 0 is the summary; workers use
// their slot number plus one.
func (s *status) update(idx int, line string) {
	if !isTerminal {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[idx] = line
	if time.Since(s.lastDraw) < redrawInterval {
		return
	}
	s.render()
}
