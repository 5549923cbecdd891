package progress

import (
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail2mail/stats"
)

const maxTitle = 40

// Bar shows archive progress. It advances once per archive message, whether
// the message was fetched or filtered out.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	current int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar if logLevel is "info". At other levels the log
// output is the progress report and the bar stays silent.
func New(total int, logLevel string) *Bar {
	bar := &Bar{
		total:   total,
		enabled: logLevel == "info" && total > 0,
	}

	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Processing messages").
			Start()
		bar.pb = pb

		pterm.Info.Printf("Messages in archive: %d\n", total)
		pterm.Println()
	}

	return bar
}

// Update is a stats reporter hook.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFetched, stats.EventTypeFiltered:
		b.current++
		b.pb.Increment()
		if evt.Source != "" {
			b.pb.UpdateTitle("Processing: " + shorten(evt.Source))
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.Source, evt.Err)
		}
	case stats.EventTypeCleanupFailed:
		pterm.Warning.Printf("%s: working directory was not removed\n", evt.Source)
	}
}

func (b *Bar) Current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	b.pb.Stop()
}

// PrintSummary writes the final counters below the bar.
func PrintSummary(summary stats.Summary, duration time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Fetched: %d\n", summary.Fetched)
	pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
	pterm.Info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
	pterm.Info.Printf("Spam: %d\n", summary.Spam)
	pterm.Info.Printf("Dispatched: %d\n", summary.Dispatched)
	pterm.Info.Printf("Synthetic: %d\n", summary.Synthetic)
	pterm.Info.Printf("No route: %d\n", summary.RoutingMisses)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.CleanupFailed > 0 {
		pterm.Warning.Printf("Working directories not removed: %d\n", summary.CleanupFailed)
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}

func shorten(s string) string {
	r := []rune(s)
	if len(r) <= maxTitle {
		return s
	}
	return "..." + string(r[len(r)-maxTitle+3:])
}
