package porter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/ulikunitz/xz"
)

type logInfo struct {
	path    string
	content string
	live    bool // still being written by a running build
}

var (
	tuiApp         *tview.Application
	tuiLogs        []logInfo
	tuiActiveIdx   int
	tuiPrevIdx     int
	tuiHeaderBox   *tview.TextView
	tuiLogView     *tview.TextView
	tuiFooterBox   *tview.TextView
	tuiUpdateChan  chan []logInfo
	tuiPrevContent map[string]string
	tuiForceScroll bool
)

// runTUI opens the build-log browser over LogDir: live logs of running
// builds refresh in place, finished (xz-compressed) logs are decoded on
// demand.
func runTUI() int {
	tuiUpdateChan = make(chan []logInfo, 10)
	tuiPrevContent = make(map[string]string)
	tuiPrevIdx = -1

	tuiApp = tview.NewApplication()

	tuiHeaderBox = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetTextAlign(tview.AlignLeft)
	tuiHeaderBox.SetBorder(true)
	tuiHeaderBox.SetTitle("porter Build Log Viewer")

	tuiLogView = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true).
		SetChangedFunc(func() {
			tuiApp.Draw()
		})
	tuiLogView.SetBorder(true)

	tuiFooterBox = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetTextAlign(tview.AlignLeft)
	tuiFooterBox.SetBorder(true)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(tuiHeaderBox, 3, 0, false).
		AddItem(tuiLogView, 0, 1, true).
		AddItem(tuiFooterBox, 3, 0, false)

	prevLog := func() {
		if len(tuiLogs) > 0 {
			tuiActiveIdx--
			if tuiActiveIdx < 0 {
				tuiActiveIdx = len(tuiLogs) - 1
			}
			tuiForceScroll = true
			updateTUI()
		}
	}
	nextLog := func() {
		if len(tuiLogs) > 0 {
			tuiActiveIdx++
			if tuiActiveIdx >= len(tuiLogs) {
				tuiActiveIdx = 0
			}
			tuiForceScroll = true
			updateTUI()
		}
	}

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlQ, tcell.KeyEsc:
			tuiApp.Stop()
			return nil
		case tcell.KeyLeft:
			prevLog()
			return nil
		case tcell.KeyRight:
			nextLog()
			return nil
		case tcell.KeyHome:
			tuiLogView.ScrollToBeginning()
			return nil
		case tcell.KeyEnd:
			tuiLogView.ScrollToEnd()
			return nil
		case tcell.KeyUp:
			row, _ := tuiLogView.GetScrollOffset()
			if row > 0 {
				tuiLogView.ScrollTo(row-1, 0)
			}
			return nil
		case tcell.KeyDown:
			row, _ := tuiLogView.GetScrollOffset()
			tuiLogView.ScrollTo(row+1, 0)
			return nil
		case tcell.KeyPgUp:
			row, _ := tuiLogView.GetScrollOffset()
			if row > 10 {
				tuiLogView.ScrollTo(row-10, 0)
			} else {
				tuiLogView.ScrollToBeginning()
			}
			return nil
		case tcell.KeyPgDn:
			row, _ := tuiLogView.GetScrollOffset()
			tuiLogView.ScrollTo(row+10, 0)
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				tuiApp.Stop()
				return nil
			case 'h':
				prevLog()
				return nil
			case 'l':
				nextLog()
				return nil
			}
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(400 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			logs := readBuildLogs()
			select {
			case tuiUpdateChan <- logs:
			default:
			}
		}
	}()

	go func() {
		for logs := range tuiUpdateChan {
			var currentLogPath string
			if tuiActiveIdx < len(tuiLogs) {
				currentLogPath = tuiLogs[tuiActiveIdx].path
			}

			tuiLogs = logs

			// Try to keep focus on the same log across refreshes
			if currentLogPath != "" {
				found := false
				for i, log := range tuiLogs {
					if log.path == currentLogPath {
						tuiActiveIdx = i
						found = true
						break
					}
				}
				if !found && tuiActiveIdx >= len(tuiLogs) && len(tuiLogs) > 0 {
					tuiActiveIdx = len(tuiLogs) - 1
				}
			}

			tuiApp.QueueUpdateDraw(func() {
				updateTUI()
			})
		}
	}()

	tuiApp.SetRoot(flex, true).SetFocus(tuiLogView)

	tuiLogs = readBuildLogs()
	if len(tuiLogs) > 0 {
		tuiActiveIdx = 0
	}
	updateTUI()

	if err := tuiApp.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "tui:", err)
		return 1
	}
	return 0
}

func updateTUI() {
	if tuiApp == nil || tuiHeaderBox == nil || tuiLogView == nil || tuiFooterBox == nil {
		return
	}

	if len(tuiLogs) == 0 {
		tuiHeaderBox.SetText("[gray]No build logs found[white]")
		tuiLogView.SetText("No build log yet. Run 'porter build' to start a run.")
	} else if tuiActiveIdx < len(tuiLogs) {
		log := tuiLogs[tuiActiveIdx]
		state := "finished"
		if log.live {
			state = "[green]running[white]"
		}
		tuiHeaderBox.SetText(fmt.Sprintf("[gray]Build Log %d/%d: %s (%s)[white]",
			tuiActiveIdx+1, len(tuiLogs), log.path, state))

		prevContent, hadPrev := tuiPrevContent[log.path]
		switchedTabs := tuiPrevIdx != tuiActiveIdx
		if switchedTabs {
			tuiPrevIdx = tuiActiveIdx
		}

		if log.content != prevContent || switchedTabs {
			row, _ := tuiLogView.GetScrollOffset()

			tuiLogView.Clear()
			ansiWriter := tview.ANSIWriter(tuiLogView)
			ansiWriter.Write([]byte(log.content))

			if switchedTabs || tuiForceScroll || log.live {
				tuiLogView.ScrollToEnd()
				tuiForceScroll = false
			} else if hadPrev {
				tuiLogView.ScrollTo(row, 0)
			}
			tuiPrevContent[log.path] = log.content
		}
	}

	footer := strings.Join([]string{
		"Press 'q' or Ctrl+Q to quit",
		"← → (or h/l) to switch logs",
		"↑ ↓ to scroll",
		"Home/End to jump to start/end",
	}, " | ")
	tuiFooterBox.SetText(fmt.Sprintf("[gray]%s[white]", footer))
}

// readBuildLogs scans LogDir, newest first. Plain .log files belong to
// in-flight builds; .log.xz are finished and get decompressed for display.
func readBuildLogs() []logInfo {
	var paths []string
	for _, pat := range []string{"*.log", "*.log.xz"} {
		if matches, err := filepath.Glob(filepath.Join(LogDir, pat)); err == nil {
			paths = append(paths, matches...)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	sort.Slice(paths, func(i, j int) bool {
		ai, err1 := os.Stat(paths[i])
		aj, err2 := os.Stat(paths[j])
		if err1 != nil || err2 != nil {
			return paths[i] > paths[j]
		}
		return ai.ModTime().After(aj.ModTime())
	})

	logs := make([]logInfo, 0, len(paths))
	for _, path := range paths {
		content, err := readLogFile(path)
		if err != nil {
			content = fmt.Sprintf("failed to read log: %v", err)
		}
		logs = append(logs, logInfo{
			path:    path,
			content: content,
			live:    !strings.HasSuffix(path, ".xz"),
		})
	}
	return logs
}

// readLogFile reads a whole log, transparently decompressing xz.
func readLogFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".xz") {
		xr, err := xz.NewReader(f)
		if err != nil {
			return "", err
		}
		r = xr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
