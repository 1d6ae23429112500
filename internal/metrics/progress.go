package metrics

import (
	"io"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// ProgressRenderer draws one terminal progress bar per table from the
// Collector's periodic snapshots. It is the plain-text sibling of the TUI:
// clone --progress routes log output through the collector's LogWriter so
// the bars own stderr.
type ProgressRenderer struct {
	coll *Collector
	prog *mpb.Progress

	mu   sync.Mutex
	bars map[string]*mpb.Bar

	sub  chan Snapshot
	done chan struct{}
	wg   sync.WaitGroup
}

// NewProgressRenderer creates a renderer writing to out, normally stderr.
func NewProgressRenderer(coll *Collector, out io.Writer) *ProgressRenderer {
	return &ProgressRenderer{
		coll: coll,
		prog: mpb.New(mpb.WithOutput(out), mpb.WithWidth(48)),
		bars: make(map[string]*mpb.Bar),
		done: make(chan struct{}),
	}
}

// Start subscribes to the collector and begins drawing in the background.
func (r *ProgressRenderer) Start() {
	r.sub = r.coll.Subscribe()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.done:
				return
			case snap, ok := <-r.sub:
				if !ok {
					return
				}
				r.render(snap)
			}
		}
	}()
}

// Stop unsubscribes, aborts any unfinished bars and waits for the final
// redraw, leaving the terminal cursor below the bar block.
func (r *ProgressRenderer) Stop() {
	r.coll.Unsubscribe(r.sub)
	close(r.done)
	r.wg.Wait()

	r.mu.Lock()
	for _, bar := range r.bars {
		if !bar.Completed() {
			bar.Abort(true)
		}
	}
	r.mu.Unlock()
	r.prog.Wait()
}

func (r *ProgressRenderer) render(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tbl := range snap.Tables {
		key := tbl.Schema + "." + tbl.Name
		bar, ok := r.bars[key]
		if !ok {
			if tbl.Status == TablePending {
				continue
			}
			bar = r.prog.New(barTotal(tbl),
				mpb.BarStyle(),
				mpb.PrependDecorators(decor.Name(key, decor.WCSyncSpaceR)),
				mpb.AppendDecorators(
					decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncWidth),
					decor.Percentage(decor.WCSyncSpace),
				),
			)
			r.bars[key] = bar
		}

		bar.SetCurrent(tbl.BytesCopied)
		if tbl.PartsDone >= tbl.Parts && tbl.Parts > 0 {
			bar.SetTotal(tbl.BytesCopied, true)
		}
	}
}

// barTotal picks the bar's denominator: the catalog's byte-size estimate,
// falling back to 1 for tables the source reports as empty. Estimates are
// inexact; SetTotal in render trues them up when the last partition
// finishes.
func barTotal(tbl TableProgress) int64 {
	if tbl.SizeBytes > 0 {
		return tbl.SizeBytes
	}
	return 1
}
