package platform

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"lautenbacher.net/costumeleds/buttons"
	"lautenbacher.net/costumeleds/config"
	"lautenbacher.net/costumeleds/logging"
	"lautenbacher.net/costumeleds/pixel"
	u "lautenbacher.net/costumeleds/util"
)

// TUIPlatform simulates the costume in the terminal. The strip is
// drawn as two lines of block characters per frame, the three buttons
// hang on the 1/2/3 keys, and 'b' fires a burst of edges on the charge
// line to show the debouncing at work.
type TUIPlatform struct {
	*basePlatform
	tviewapp     *tview.Application
	intro        *tview.TextView
	ledDisplay   *tview.TextView
	statusView   *tview.TextView
	logView      *tview.TextView
	ossignalChan chan os.Signal
	status       *u.Cell[StatusSnapshot]
	lines        [buttons.NumLines]*softLine
	leds         pixel.Frame
	ledsMu       sync.Mutex
	logFlushOnce sync.Once
	statusStop   chan struct{}
}

// bounceBurstLen is how many raw edges the 'b' key fires in one go.
// All but the first must vanish into the debounce window.
const bounceBurstLen = 6

func NewTUIPlatform(conf *config.Config, ossignalchan chan os.Signal, status *u.Cell[StatusSnapshot]) *TUIPlatform {
	inst := &TUIPlatform{
		ossignalChan: ossignalchan,
		status:       status,
		statusStop:   make(chan struct{}),
	}
	inst.basePlatform = newBasePlatform(conf)
	for i := range inst.lines {
		inst.lines[i] = &softLine{}
	}
	return inst
}

func (s *TUIPlatform) Start() error {
	s.leds = make(pixel.Frame, s.config.Hardware.Strip.LedsTotal)
	s.initSimulationTUI()

	if s.status != nil {
		go s.statusListener()
	}
	return nil
}

func (s *TUIPlatform) Stop() {
	s.setInShutdown()
	close(s.statusStop)

	if s.tviewapp != nil {
		s.tviewapp.Stop()
	}
}

func (s *TUIPlatform) Line(id buttons.ID) buttons.Line {
	return s.lines[id]
}

func (s *TUIPlatform) WriteFrame(frame pixel.Frame) error {
	s.shutdownMutex.RLock()
	defer s.shutdownMutex.RUnlock()
	if s.isShuttingDown {
		return nil
	}

	s.ledsMu.Lock()
	copy(s.leds, frame)
	s.ledsMu.Unlock()

	// Queue the update to redraw the LED display pane
	s.tviewapp.QueueUpdateDraw(s.renderStrip)
	return nil
}

// sendEdge feeds one simulated rising edge into the event path. A line
// whose detection is switched off swallows the edge, just like the
// disabled detect unit on real hardware.
func (s *TUIPlatform) sendEdge(id buttons.ID) {
	if !s.lines[id].detecting() {
		slog.Debug("Edge lost, detection disabled", "line", id)
		return
	}
	s.edgeEvents <- id
}

func (s *TUIPlatform) statusListener() {
	for {
		select {
		case <-s.statusStop:
			return
		case <-s.status.Channel():
			if s.inShutdown() {
				return
			}
			snap := s.status.Latest()
			s.tviewapp.QueueUpdateDraw(func() {
				s.statusView.SetText(renderStatus(snap))
			})
		}
	}
}

// getIntroText generates the text for the top info pane.
func (s *TUIPlatform) getIntroText() string {
	line1 := "Hit [blue]1[-] charge | [blue]2[-] toggle | [blue]3[-] abort | [blue]b[-] bounce burst on charge"
	line2 := "Hit [#ff0000]q[-] to exit, [#ff0000]r[-] to reload, [#ff0000]Up/Down[-] to scroll logs"

	return fmt.Sprintf("%s\n%s", line1, line2)
}

func (s *TUIPlatform) initSimulationTUI() {
	s.tviewapp = tview.NewApplication()

	// --- Intro Pane ---
	s.intro = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	s.intro.SetText(s.getIntroText())
	s.intro.SetBorder(true).SetTitle(" Costume LEDs Simulation ").SetTitleColor(tcell.ColorLightBlue)
	s.intro.SetBackgroundColor(tcell.NewRGBColor(20, 20, 20))

	// --- LED Display Pane ---
	s.ledDisplay = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	s.ledDisplay.SetBorder(true)
	s.ledDisplay.SetBackgroundColor(tcell.NewRGBColor(30, 30, 30))

	// --- Status Pane ---
	s.statusView = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	s.statusView.SetBorder(true).SetTitle(" State ").SetTitleColor(tcell.ColorLightBlue)
	s.statusView.SetBackgroundColor(tcell.NewRGBColor(30, 30, 30))

	// --- Log Pane ---
	s.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() {
			s.logView.ScrollToEnd()
			s.tviewapp.Draw()
		})
	s.logView.SetBorder(true).SetTitle(" Logs ").SetTitleColor(tcell.ColorLightBlue)
	s.logView.SetBackgroundColor(tcell.NewRGBColor(40, 40, 40))

	// --- Layout ---
	// 2 bar lines, 1 segment rule, 2 for the border.
	stripeHeight := 5

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(s.intro, 4, 0, false).
		AddItem(s.ledDisplay, stripeHeight, 0, false).
		AddItem(s.statusView, 3, 0, false).
		AddItem(s.logView, 0, 1, true) // Flexible height, gets focus

	// --- Flush logs after first draw ---
	s.tviewapp.SetAfterDrawFunc(func(screen tcell.Screen) {
		s.logFlushOnce.Do(func() {
			logWriter := tview.ANSIWriter(s.logView)
			if err := logging.SetOutput(logWriter); err != nil {
				slog.Error("Redirecting logs into the TUI failed", "error", err)
			}
			close(s.readyChan) // Signal that the TUI is ready
		})
	})

	// --- Input Handling ---
	s.tviewapp.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			// Gate frame writes first: a stopped tview no longer
			// drains its update queue.
			s.setInShutdown()
			s.tviewapp.Stop()
			s.ossignalChan <- os.Interrupt
			return nil
		case tcell.KeyRune:
			switch key := string(event.Rune()); key {
			case "1":
				s.sendEdge(buttons.Charge)
				return nil
			case "2":
				s.sendEdge(buttons.Toggle)
				return nil
			case "3":
				s.sendEdge(buttons.Abort)
				return nil
			case "b", "B":
				slog.Debug("Simulating switch bounce", "edges", bounceBurstLen)
				for range bounceBurstLen {
					s.sendEdge(buttons.Charge)
				}
				return nil
			case "q", "Q":
				s.ossignalChan <- os.Interrupt
				return nil
			case "r", "R":
				s.ossignalChan <- syscall.SIGHUP
				return nil
			}
		case tcell.KeyUp:
			row, col := s.logView.GetScrollOffset()
			s.logView.ScrollTo(row-1, col)
			return nil
		case tcell.KeyDown:
			row, col := s.logView.GetScrollOffset()
			s.logView.ScrollTo(row+1, col)
			return nil
		}
		return event
	})

	// --- Start TUI ---
	go func() {
		if err := s.tviewapp.SetRoot(layout, true).Run(); err != nil {
			slog.Error("Error running TUI", "error", err)
			s.ossignalChan <- os.Interrupt
		}
	}()
}

// renderStrip redraws the LED display pane. This function must be
// called on the main TUI thread via app.QueueUpdateDraw().
func (s *TUIPlatform) renderStrip() {
	s.ledsMu.Lock()
	tops := make([]string, len(s.segments))
	bots := make([]string, len(s.segments))
	for i, seg := range s.segments {
		tops[i], bots[i] = ledBars(seg.slice(s.leds))
	}
	s.ledsMu.Unlock()

	var buf strings.Builder
	buf.WriteString(" ")
	buf.WriteString(strings.Join(tops, ""))
	buf.WriteString("\n ")
	buf.WriteString(strings.Join(bots, ""))
	buf.WriteString("\n ")
	buf.WriteString("[blue]" + segmentRule(s.segments) + "[-]")
	s.ledDisplay.SetText(buf.String())
}

// ledBars generates the two-line block representation for a run of
// LEDs in garment order.
func ledBars(values []pixel.Led) (string, string) {
	var buf1, buf2 strings.Builder
	buf1.Grow(len(values) * (len("[-][#000000]") + 1))
	buf2.Grow(len(values) * (len("[-][#000000]") + 1))

	for _, v := range values {
		if v.IsEmpty() {
			buf1.WriteString(" ")
			buf2.WriteString(" ")
		} else {
			value := byte(math.Round(float64(v.Red+v.Green+v.Blue) / 3.0))
			colorStr := scaledColor(v)
			buf1.WriteString(colorStr)
			buf2.WriteString(colorStr)

			topChar, bottomChar := " ", " "
			if value <= 3 {
				bottomChar = "▁"
			} else if value <= 6 {
				bottomChar = "▂"
			} else if value <= 9 {
				bottomChar = "▃"
			} else if value <= 12 {
				bottomChar = "▄"
			} else if value <= 15 {
				bottomChar = "▅"
			} else if value <= 18 {
				bottomChar = "▆"
			} else if value <= 21 {
				bottomChar = "▇"
			} else if value <= 24 {
				bottomChar = "█"
			} else if value <= 27 {
				topChar, bottomChar = "▁", "█"
			} else if value <= 30 {
				topChar, bottomChar = "▂", "█"
			} else if value <= 33 {
				topChar, bottomChar = "▃", "█"
			} else if value <= 36 {
				topChar, bottomChar = "▄", "█"
			} else if value <= 39 {
				topChar, bottomChar = "▅", "█"
			} else if value <= 42 {
				topChar, bottomChar = "▆", "█"
			} else if value <= 45 {
				topChar, bottomChar = "▇", "█"
			} else if value <= 80 {
				topChar, bottomChar = "█", "█"
			} else {
				topChar, bottomChar = "▒", "█"
			}
			buf1.WriteString(topChar)
			buf2.WriteString(bottomChar)
			buf1.WriteString("[-]")
			buf2.WriteString("[-]")
		}
	}
	return buf1.String(), buf2.String()
}

// segmentRule renders the labeled ruler under the strip, one column per
// LED, marking where each garment piece starts and which way its chain
// runs.
func segmentRule(segments []*segment) string {
	var buf strings.Builder
	for _, seg := range segments {
		label := seg.name
		if seg.reverse {
			label += " <"
		}
		width := seg.len()
		if len(label) > width-1 {
			if width > 1 {
				label = label[:width-1]
			} else {
				label = ""
			}
		}
		buf.WriteString("|")
		buf.WriteString(label)
		buf.WriteString(strings.Repeat("·", width-1-len(label)))
	}
	return buf.String()
}

// renderStatus renders the status pane line from a snapshot.
func renderStatus(snap StatusSnapshot) string {
	modeColor := "[green]"
	if snap.Mode == pixel.Adverse {
		modeColor = "[#ff00ff]"
	}

	var pending []string
	if snap.Flags.Charge {
		pending = append(pending, "charge")
	}
	if snap.Flags.Toggle {
		pending = append(pending, "toggle")
	}
	if snap.Flags.Abort {
		pending = append(pending, "abort")
	}
	pendingStr := "none"
	if len(pending) > 0 {
		pendingStr = strings.Join(pending, ",")
	}

	lineStr := make([]string, 0, buttons.NumLines)
	for _, id := range buttons.IDs() {
		lineStr = append(lineStr, fmt.Sprintf("%s=%s", id, snap.Lines[id].State))
	}

	return fmt.Sprintf(" Mode: %s%s[-] | State: [yellow]%s[-] | Pending: %s | %s",
		modeColor, snap.Mode, snap.State, pendingStr, strings.Join(lineStr, " "))
}

func scaledColor(led pixel.Led) string {
	red := float64(led.Red)
	green := float64(led.Green)
	blue := float64(led.Blue)

	maxColor := math.Max(red, math.Max(green, blue))
	if maxColor == 0 {
		return "[#000000]"
	}
	factor := 255 / maxColor
	red = math.Min(red*factor, 255)
	green = math.Min(green*factor, 255)
	blue = math.Min(blue*factor, 255)

	const epsilon = 1e-9

	return fmt.Sprintf("[#%02x%02x%02x]", byte(math.Round(red+epsilon)), byte(math.Round(green+epsilon)), byte(math.Round(blue+epsilon)))
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
