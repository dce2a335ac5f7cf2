// Package tui draws the relay card of a simulated daemon in the terminal
// and lets the user switch relays from the keyboard. The relays are
// switched through the normal command channel, so the daemon sees the
// same commands a client would send.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/exp/slices"

	"lautenbacher.net/bwrelay/controller"
	"lautenbacher.net/bwrelay/daemon"
	"lautenbacher.net/bwrelay/events"
	"lautenbacher.net/bwrelay/logging"
)

const commandTimeout = 2 * time.Second

type Simulation struct {
	tviewapp     *tview.Application
	intro        *tview.TextView
	relayDisplay *tview.TextView
	historyView  *tview.TextView
	logView      *tview.TextView
	ctrl         *controller.Controller
	board        *board
	quit         context.CancelFunc
	logFlushOnce sync.Once
	readyChan    chan struct{}
	unsubs       []func()
}

// New returns a simulation for a card with relays relays. quit is called
// when the user leaves the simulation.
func New(ctrl *controller.Controller, relays int, quit context.CancelFunc) *Simulation {
	return &Simulation{
		ctrl:      ctrl,
		board:     newBoard(relays),
		quit:      quit,
		readyChan: make(chan struct{}),
	}
}

// Ready is closed after the first draw, once log output goes to the log
// pane.
func (s *Simulation) Ready() <-chan struct{} {
	return s.readyChan
}

// HistorySource hands out the commands a daemon applied, oldest first.
type HistorySource interface {
	History() []daemon.Entry
}

// Attach follows the daemon through bus. The history pane shows what
// history reports after each applied command.
func (s *Simulation) Attach(bus *events.Bus, history HistorySource) {
	s.unsubs = append(s.unsubs,
		bus.Subscribe(func(e events.DaemonStarted) {
			entries := history.History()
			s.board.update(func(v *view) {
				v.State = e.State
				v.Status = "[green]running[-]"
				v.History = entries
			})
		}),
		bus.Subscribe(func(e events.CommandApplied) {
			entries := history.History()
			s.board.update(func(v *view) {
				v.State = e.State
				v.History = entries
			})
		}),
		bus.Subscribe(func(e events.DaemonStopped) {
			status := "[yellow]stopped[-]"
			if e.Err != nil {
				status = fmt.Sprintf("[red]failed: %s[-]", tview.Escape(e.Err.Error()))
			}
			s.board.update(func(v *view) { v.Status = status })
		}),
	)
}

// Run shows the simulation until ctx is done or the user quits.
func (s *Simulation) Run(ctx context.Context) error {
	defer func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
	}()
	s.build()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				s.tviewapp.Stop()
				return
			case <-s.board.changed():
				v := s.board.snapshot()
				s.tviewapp.QueueUpdateDraw(func() { s.show(v) })
			}
		}
	}()

	err := s.tviewapp.Run()
	// Logs written after the TUI is gone go to the terminal again.
	if outErr := logging.SetOutput(os.Stderr); outErr != nil && err == nil {
		err = outErr
	}
	return err
}

func (s *Simulation) build() {
	s.tviewapp = tview.NewApplication()
	v := s.board.snapshot()

	s.intro = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	s.intro.SetText(introText(v.Relays))
	s.intro.SetBorder(true).SetTitle(" BitWizard Relay Simulation ").SetTitleColor(tcell.ColorLightBlue)
	s.intro.SetBackgroundColor(tcell.NewRGBColor(20, 20, 20))

	s.relayDisplay = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	s.relayDisplay.SetBorder(true).SetTitle(" Relays ").SetTitleColor(tcell.ColorLightBlue)
	s.relayDisplay.SetBackgroundColor(tcell.NewRGBColor(30, 30, 30))

	s.historyView = tview.NewTextView().
		SetDynamicColors(true)
	s.historyView.SetBorder(true).SetTitle(" Applied commands ").SetTitleColor(tcell.ColorLightBlue)
	s.historyView.SetBackgroundColor(tcell.NewRGBColor(30, 30, 30))

	s.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() {
			s.logView.ScrollToEnd()
			s.tviewapp.Draw()
		})
	s.logView.SetBorder(true).SetTitle(" Logs ").SetTitleColor(tcell.ColorLightBlue)
	s.logView.SetBackgroundColor(tcell.NewRGBColor(40, 40, 40))

	upper := tview.NewFlex().
		AddItem(s.relayDisplay, 0, 1, false).
		AddItem(s.historyView, 0, 2, false)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(s.intro, 5, 0, false).
		AddItem(upper, daemon.HISTORY_SIZE+2, 0, false).
		AddItem(s.logView, 0, 1, true)

	s.tviewapp.SetAfterDrawFunc(func(screen tcell.Screen) {
		s.logFlushOnce.Do(func() {
			if err := logging.SetOutput(tview.ANSIWriter(s.logView)); err != nil {
				slog.Error("Failed to redirect logs to the TUI", "error", err)
			}
			close(s.readyChan)
		})
	})

	s.tviewapp.SetInputCapture(s.handleKey)
	s.tviewapp.SetRoot(layout, true)
	s.show(v)
}

// show redraws from v. It must run on the tview goroutine.
func (s *Simulation) show(v view) {
	s.relayDisplay.SetText(renderRelays(v))
	s.historyView.SetText(renderHistory(v.History))
}

func (s *Simulation) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyCtrlC:
		s.quit()
		return nil
	case tcell.KeyUp:
		row, col := s.logView.GetScrollOffset()
		s.logView.ScrollTo(row-1, col)
		return nil
	case tcell.KeyDown:
		row, col := s.logView.GetScrollOffset()
		s.logView.ScrollTo(row+1, col)
		return nil
	case tcell.KeyRune:
	default:
		return event
	}

	key := event.Rune()
	v := s.board.snapshot()
	if relayID, ok := relayForKey(key, v.Relays); ok {
		on := !v.State.IsOn(relayID)
		s.send(fmt.Sprintf("switch relay %d", relayID), func(ctx context.Context) error {
			return s.ctrl.SwitchState(ctx, relayID, on)
		})
		return nil
	}
	switch key {
	case 'a', 'A':
		s.send("reset", s.ctrl.Reset)
		return nil
	case 's', 'S':
		s.send("stop", s.ctrl.Stop)
		return nil
	case 'q', 'Q':
		s.quit()
		return nil
	}
	return event
}

// send runs op off the tview goroutine, a full channel must not freeze
// the screen.
func (s *Simulation) send(what string, op func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := op(ctx); err != nil {
			slog.Warn("Command not sent", "command", what, "error", err)
		}
	}()
}

// relayForKey maps the keys 1..9 to relays 0..8.
func relayForKey(key rune, relays int) (int, bool) {
	if key < '1' || key > '9' {
		return 0, false
	}
	relayID := int(key - '1')
	return relayID, relayID < relays
}

func introText(relays int) string {
	line1 := fmt.Sprintf("Hit [blue]1[-]...[blue]%d[-] to toggle a relay", relays)
	line2 := "Hit [#ff0000]a[-] to switch all off, [#ff0000]s[-] to stop the daemon"
	line3 := "Hit [#ff0000]q[-] to exit, [#ff0000]Up/Down[-] to scroll logs"
	return fmt.Sprintf("%s\n%s\n%s", line1, line2, line3)
}

func renderRelays(v view) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, " Daemon: %s\n State:  %s\n\n", v.Status, v.State)
	for i := 0; i < v.Relays; i++ {
		if v.State.IsOn(i) {
			fmt.Fprintf(&buf, " [blue]%d[-]  relay %d  [black:#00ff00] ON  [-:-]\n", i+1, i)
		} else {
			fmt.Fprintf(&buf, " [blue]%d[-]  relay %d  [#808080:#303030] off [-:-]\n", i+1, i)
		}
	}
	return buf.String()
}

// renderHistory lists the newest command first.
func renderHistory(history []daemon.Entry) string {
	entries := slices.Clone(history)
	slices.Reverse(entries)
	lines := make([]string, len(entries))
	for i, e := range entries {
		line := fmt.Sprintf("%s  %-20s %s", e.At.Format("15:04:05"), e.Command, e.State)
		lines[i] = " " + tview.Escape(line)
	}
	return strings.Join(lines, "\n")
}
