// Package progress renders one coordinator's lifecycle events as a
// terminal progress bar — the same byte-count/percentage readout the
// teacher's StartDownload prints inline with fmt.Printf and a hand-
// rolled "»"/"-" bar, rebuilt on the teacher's own (previously unused)
// go.mod dependencies: schollz/progressbar/v3 for the bar itself,
// mitchellh/colorstring for the completion/failure message color, and
// golang.org/x/term to size the bar to the actual terminal width
// instead of a hardcoded 50 columns.
package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"torrentcore/internal/coordinator"
)

// defaultBarWidth mirrors the teacher's hardcoded barWidth, used when
// the terminal size can't be determined (e.g. output is redirected).
const defaultBarWidth = 50

// Torrent is the subset of a coordinator a Reporter watches.
type Torrent interface {
	Name() string
	Events() <-chan coordinator.Event
	Progress() (downloaded, total int64)
}

// Reporter renders progress bars for one or more torrents to Out.
type Reporter struct {
	Out io.Writer // defaults to os.Stderr
}

// New builds a Reporter writing to stderr.
func New() *Reporter {
	return &Reporter{Out: os.Stderr}
}

func (r *Reporter) writer() io.Writer {
	if r.Out == nil {
		return os.Stderr
	}
	return r.Out
}

func (r *Reporter) barWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return defaultBarWidth
	}
	if w > 80 {
		w = 80
	}
	return w
}

// Watch renders t's progress until it reaches Completed or Failed, or
// ctx is cancelled. It blocks; callers typically run it per torrent in
// its own goroutine via WatchAll.
func (r *Reporter) Watch(ctx context.Context, t Torrent) {
	downloaded, total := t.Progress()

	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(t.Name()),
		progressbar.OptionSetWriter(r.writer()),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(r.barWidth()),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(r.writer()) }),
	)
	bar.Set64(downloaded)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case coordinator.PieceDone:
				d, _ := t.Progress()
				bar.Set64(d)
			case coordinator.Completed:
				bar.Finish()
				colorstring.Fprintln(r.writer(), "[green]"+t.Name()+" complete[reset]")
				return
			case coordinator.Failed:
				msg := fmt.Sprintf("[red]%s failed: %v[reset]", t.Name(), ev.Reason)
				colorstring.Fprintln(r.writer(), msg)
				return
			}
		}
	}
}

// WatchAll renders progress for every torrent in torrents concurrently
// and returns once all of them have finished or ctx is cancelled.
func (r *Reporter) WatchAll(ctx context.Context, torrents []Torrent) {
	var wg sync.WaitGroup
	for _, t := range torrents {
		wg.Add(1)
		go func(t Torrent) {
			defer wg.Done()
			r.Watch(ctx, t)
		}(t)
	}
	wg.Wait()
}
