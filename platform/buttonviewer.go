package platform

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"lautenbacher.net/costumeleds/buttons"
)

const (
	viewerTitle = " Costume Button Viewer "
	colWidth    = 18 // Width for each line's data column
)

// ButtonViewer is a TUI component for inspecting the raw edge traffic
// on the three button lines. It shows the gaps between consecutive raw
// edges in milliseconds: a bouncing switch shows up as a cluster of
// single-digit gaps, and the suppressed counter tells how many of them
// the debouncer swallowed. Only used with the real and serial backends,
// where no simulation TUI owns the terminal.
type ButtonViewer struct {
	tuiApp   *tview.Application
	view     *tview.TextView
	ossignal chan os.Signal
}

type lineStats struct {
	min    int
	max    int
	mean   float64
	median float64
	stdDev float64
}

// NewButtonViewer creates and initializes a new ButtonViewer.
func NewButtonViewer(ossignal chan os.Signal) *ButtonViewer {
	return &ButtonViewer{
		tuiApp:   tview.NewApplication(),
		ossignal: ossignal,
	}
}

// Start initializes and runs the TUI. It should be called as a goroutine.
func (bv *ButtonViewer) Start(stopSignal chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	bv.setupUI()

	// Goroutine to handle shutdown
	go func() {
		<-stopSignal
		slog.Info("Stopping ButtonViewer TUI...")
		bv.tuiApp.Stop()
	}()

	if err := bv.tuiApp.Run(); err != nil {
		slog.Error("Error running ButtonViewer TUI", "error", err)
		bv.ossignal <- os.Interrupt
	}
	slog.Info("ButtonViewer TUI has stopped.")
}

// Update receives the current line snapshots and raw edge histories,
// prepares the display strings, and schedules a TUI redraw. The viewer
// keeps no state of its own; the debounce manager owns the histories.
func (bv *ButtonViewer) Update(statuses [buttons.NumLines]buttons.LineStatus, histories [buttons.NumLines][]time.Time) {
	text := prepareDisplayStrings(statuses, histories)

	bv.tuiApp.QueueUpdateDraw(func() {
		bv.view.SetText(text)
	})
}

func (bv *ButtonViewer) setupUI() {
	bv.view = tview.NewTextView()
	bv.view.SetDynamicColors(true)
	bv.view.SetTextAlign(tview.AlignLeft)
	bv.view.SetBackgroundColor(tcell.ColorDarkSlateGray)
	bv.view.SetBorder(true).SetTitle(viewerTitle).SetTitleColor(tcell.ColorLightBlue)

	var introText strings.Builder
	introText.WriteString("Gaps between consecutive raw edges, in milliseconds.\n")
	introText.WriteString("Hit [#ff0000]q[-] to exit, [#ff0000]r[-] to reload config file and restart")

	intro := tview.NewTextView()
	intro.SetBorder(true).SetTitle(" Costume LEDs ").SetTitleColor(tcell.ColorLightBlue)
	intro.SetText(introText.String())
	intro.SetTextAlign(tview.AlignCenter)
	intro.SetDynamicColors(true)
	intro.SetBackgroundColor(tcell.ColorDarkSlateGray)

	layout := tview.NewFlex().SetDirection(tview.FlexRow)
	layout.AddItem(intro, 4, 1, false)
	// The viewer itself is 4 lines of text + 2 for the border.
	layout.AddItem(bv.view, 6, 1, true)

	// Set a reasonable overall size for the layout
	width := 22 + (colWidth * buttons.NumLines)
	layout.SetRect(1, 1, width, 11)

	bv.tuiApp.SetRoot(layout, true).SetFocus(bv.view)
	bv.tuiApp.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		key := string(event.Rune())
		switch key {
		case "q", "Q":
			bv.tuiApp.Stop()
			bv.ossignal <- os.Interrupt
		case "r", "R":
			bv.tuiApp.Stop()
			bv.ossignal <- syscall.SIGHUP
		}
		return event
	})
}

// prepareDisplayStrings generates the four display lines from the
// current line snapshots and edge histories.
func prepareDisplayStrings(statuses [buttons.NumLines]buttons.LineStatus, histories [buttons.NumLines][]time.Time) string {
	var buf1, buf2, buf3, buf4 strings.Builder

	// Use fmt.Sprintf with negative width for left-justified padding
	buf1.WriteString(fmt.Sprintf("[yellow]%-*s[white]", colWidth+4, " [min|mean|max]"))
	buf2.WriteString(fmt.Sprintf("[yellow]%-*s[white]", colWidth+4, " Std dev / median"))
	buf3.WriteString(fmt.Sprintf("[yellow]%-*s[white]", colWidth+4, " Edges (suppressed)"))
	buf4.WriteString(fmt.Sprintf("[yellow]%-*s[white]", colWidth+4, " Line: state"))

	for _, id := range buttons.IDs() {
		status := statuses[id]
		stats := calculateStats(edgeGapsMs(histories[id]))

		buf1.WriteString(fmt.Sprintf(" [%4.0f|%4.0f|%4.0f] ",
			float64(stats.min), math.Round(stats.mean), float64(stats.max)))
		buf2.WriteString(fmt.Sprintf("  %5.1f / %5.1f   ", stats.stdDev, stats.median))
		buf3.WriteString(fmt.Sprintf("  %5d (%5d)   ", status.Edges, status.Suppressed))
		buf4.WriteString(fmt.Sprintf(" [blue]%6s:[-] %-8s ", id, status.State))
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s", buf1.String(), buf2.String(), buf3.String(), buf4.String())
}

// edgeGapsMs converts a run of raw edge timestamps into the gaps
// between consecutive edges, in milliseconds.
func edgeGapsMs(history []time.Time) []int {
	if len(history) < 2 {
		return nil
	}
	gaps := make([]int, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		gaps = append(gaps, int(history[i].Sub(history[i-1]).Milliseconds()))
	}
	return gaps
}

func calculateStats(data []int) lineStats {
	if len(data) == 0 {
		return lineStats{}
	}

	// Min, Max, Sum
	var sum int
	min, max := data[0], data[0]
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}

	// Mean
	mean := float64(sum) / float64(len(data))

	// Median
	sort.Ints(data)
	var median float64
	mid := len(data) / 2
	if len(data)%2 == 0 {
		median = float64(data[mid-1]+data[mid]) / 2.0
	} else {
		median = float64(data[mid])
	}

	// Standard Deviation
	var sumOfSquares float64
	for _, v := range data {
		sumOfSquares += (float64(v) - mean) * (float64(v) - mean)
	}
	stdDev := math.Sqrt(sumOfSquares / float64(len(data)))

	return lineStats{
		min:    min,
		max:    max,
		mean:   mean,
		median: median,
		stdDev: stdDev,
	}
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
