// Package tui is the bridge's terminal status screen
package tui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/thereceipt/print-bridge/internal/bridge"
	"github.com/thereceipt/print-bridge/internal/printer"
)

// Runtime is the part of the bridge runtime the screen reads
type Runtime interface {
	State() bridge.State
	Diagnostics() *bridge.DiagnosticLog
}

// Options wires the status screen
type Options struct {
	Runtime     Runtime
	Preferences *bridge.PreferenceStore
	// Printers lists detected printers, nil hides the panel contents
	Printers   func() []*printer.Printer
	Transports []string
	HubURL     string
}

// TViewApp is the bridge status screen
type TViewApp struct {
	App  *tview.Application
	opts Options

	flex *tview.Flex

	printersList *tview.List
	diagTable    *tview.Table
	statusBox    *tview.TextView
	logsArea     *tview.TextView
	commandInput *tview.InputField

	maxLogs   int
	startTime time.Time
}

// NewTViewApp creates the status screen
func NewTViewApp(opts Options) *TViewApp {
	t := &TViewApp{
		App:       tview.NewApplication(),
		opts:      opts,
		maxLogs:   200,
		startTime: time.Now(),
	}

	t.setupUI()
	return t
}

func (t *TViewApp) setupUI() {
	t.printersList = tview.NewList()
	t.printersList.SetBorder(true)
	t.printersList.SetTitle("Detected Printers")

	t.diagTable = tview.NewTable()
	t.diagTable.SetBorder(true)
	t.diagTable.SetTitle("Recent Jobs")

	t.statusBox = tview.NewTextView()
	t.statusBox.SetBorder(true)
	t.statusBox.SetTitle("Bridge Status")
	t.statusBox.SetDynamicColors(true)

	t.logsArea = tview.NewTextView()
	t.logsArea.SetBorder(true)
	t.logsArea.SetTitle("Logs")
	t.logsArea.SetDynamicColors(true)
	t.logsArea.SetScrollable(true)
	t.logsArea.SetMaxLines(t.maxLogs)

	t.commandInput = tview.NewInputField().
		SetLabel("> ").
		SetFieldWidth(0).
		SetPlaceholder("Type a command (e.g., 'help')").
		SetDoneFunc(func(key tcell.Key) {
			if key == tcell.KeyEnter {
				t.executeCommand(t.commandInput.GetText())
				t.commandInput.SetText("")
			}
		})

	topRow := tview.NewFlex().
		AddItem(t.printersList, 0, 1, false).
		AddItem(t.diagTable, 0, 2, false).
		AddItem(t.statusBox, 0, 1, false)

	bottom := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.logsArea, 0, 3, false).
		AddItem(t.commandInput, 1, 0, true)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(topRow, 0, 1, false).
		AddItem(bottom, 0, 1, false)

	t.App.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if t.commandInput.HasFocus() {
			if event.Key() == tcell.KeyEsc {
				t.App.SetFocus(t.diagTable)
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyCtrlC, tcell.KeyEsc:
			t.App.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case ':':
				t.App.SetFocus(t.commandInput)
				return nil
			case 'q':
				t.App.Stop()
				return nil
			}
		}
		return event
	})

	t.App.SetRoot(t.flex, true)
}

// SetRuntime attaches the runtime whose state is shown. Call before Run.
func (t *TViewApp) SetRuntime(r Runtime) {
	t.opts.Runtime = r
}

// Run starts the screen and blocks until it is closed
func (t *TViewApp) Run() error {
	t.refreshAll()

	if t.opts.Runtime != nil {
		t.opts.Runtime.Diagnostics().OnAdd(func(d bridge.Diagnostic) {
			level := "info"
			if d.Status != "completed" {
				level = "error"
			}
			t.AddLog(formatDiagnostic(d), level)
			t.App.QueueUpdateDraw(t.refreshDiagnostics)
		})
	}

	go t.refreshTicker()

	return t.App.Run()
}

// Stop closes the screen
func (t *TViewApp) Stop() {
	t.App.Stop()
}

func (t *TViewApp) refreshTicker() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		t.App.QueueUpdateDraw(func() {
			t.refreshAll()
		})
	}
}

func (t *TViewApp) refreshAll() {
	t.refreshPrinters()
	t.refreshDiagnostics()
	t.refreshStatus()
}

func (t *TViewApp) refreshPrinters() {
	t.printersList.Clear()

	if t.opts.Printers == nil {
		t.printersList.AddItem("Discovery disabled", "", 0, nil)
		return
	}

	printers := t.opts.Printers()
	if len(printers) == 0 {
		t.printersList.AddItem("No printers detected", "", 0, nil)
		return
	}

	for _, p := range printers {
		details := fmt.Sprintf("%s • %s", strings.ToUpper(p.Type), p.Device)
		if p.Type == "usb" {
			details = fmt.Sprintf("USB • %04X:%04X", p.VID, p.PID)
		}
		t.printersList.AddItem("🟢 "+p.Description, details, 0, nil)
	}
}

func (t *TViewApp) refreshDiagnostics() {
	if t.opts.Runtime == nil {
		return
	}
	fillDiagnostics(t.diagTable, t.opts.Runtime.Diagnostics().Entries())
}

// fillDiagnostics renders entries newest first
func fillDiagnostics(table *tview.Table, entries []bridge.Diagnostic) {
	table.Clear()

	headers := []string{"Status", "Job", "Dialect", "Transport", "Tries", "Time"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetAlign(tview.AlignCenter).SetSelectable(false))
	}

	for i := len(entries) - 1; i >= 0; i-- {
		d := entries[i]
		row := len(entries) - i
		table.SetCell(row, 0, tview.NewTableCell(getStatusIcon(d.Status)+" "+d.Status))
		table.SetCell(row, 1, tview.NewTableCell(shortID(d.JobID)))
		table.SetCell(row, 2, tview.NewTableCell(d.Dialect))
		table.SetCell(row, 3, tview.NewTableCell(d.Transport))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d", d.Attempts)))
		table.SetCell(row, 5, tview.NewTableCell(fmt.Sprintf("%dms", d.ElapsedMs)))
	}
}

func (t *TViewApp) refreshStatus() {
	if t.opts.Runtime == nil {
		return
	}
	state := t.opts.Runtime.State()
	dialect := printer.DialectESCPOS
	if t.opts.Preferences != nil {
		dialect = t.opts.Preferences.Get(state.DeviceID)
	}
	t.statusBox.SetText(statusText(state, dialect, t.opts.Transports, t.opts.HubURL, time.Since(t.startTime)))
}

func statusText(s bridge.State, dialect printer.Dialect, transports []string, hub string, uptime time.Duration) string {
	channel := func(up bool) string {
		if up {
			return "[green]connected[white]"
		}
		return "[red]down[white]"
	}

	current := "idle"
	if s.CurrentJob != "" {
		current = shortID(s.CurrentJob)
	}

	return fmt.Sprintf(`Device: %s
Hub: %s
Presence: %s
Jobs: %s

Dialect: %s
Transports: %s

Printing: %s
Queued: %d
Done: %d  Failed: %d
Uptime: %dh %dm`,
		s.DeviceID, hub,
		channel(s.PresenceConnected), channel(s.JobsConnected),
		dialect, strings.Join(transports, ", "),
		current, s.Queued, s.Processed, s.Failed,
		int(uptime.Hours()), int(uptime.Minutes())%60)
}

func (t *TViewApp) executeCommand(cmd string) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	command := strings.ToLower(parts[0])

	t.AddLog(fmt.Sprintf("> %s", cmd), "command")

	switch command {
	case "status", "s":
		t.refreshStatus()

	case "prefs":
		t.showPreferences()

	case "default":
		if len(parts) < 2 || t.opts.Preferences == nil {
			t.AddLog("Usage: default <escpos|escbema>", "error")
			return
		}
		d, err := printer.ParseDialect(parts[1])
		if err == nil {
			err = t.opts.Preferences.SetDefault(d)
		}
		if err != nil {
			t.AddLog(err.Error(), "error")
			return
		}
		t.AddLog(fmt.Sprintf("Default dialect set to %s", d), "info")

	case "help", "h", "?":
		t.showHelp()

	case "clear":
		t.logsArea.Clear()

	case "refresh":
		t.refreshAll()

	case "quit", "q":
		t.App.Stop()

	default:
		t.AddLog(fmt.Sprintf("Unknown command: %s. Type 'help' for available commands.", command), "error")
	}
}

func (t *TViewApp) showPreferences() {
	if t.opts.Preferences == nil {
		return
	}
	all := t.opts.Preferences.All()
	if len(all) == 0 {
		t.AddLog("No stored dialect preferences", "info")
		return
	}

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := all[id]
		t.AddLog(fmt.Sprintf("%s: %s (since %s)", id, p.Dialect, p.LastUpdated.Format("2006-01-02 15:04")), "info")
	}
}

func (t *TViewApp) showHelp() {
	help := []string{
		"Available commands:",
		"  status, s            - Refresh bridge status",
		"  prefs                - Show stored dialect preferences",
		"  default <dialect>    - Set the default dialect",
		"  clear                - Clear logs",
		"  refresh              - Refresh all panels",
		"  help, h, ?           - Show this help",
		"  quit, q              - Exit",
	}
	t.AddLog(strings.Join(help, "\n"), "info")
}

// AddLog appends a log line. Safe to call from any goroutine.
func (t *TViewApp) AddLog(message string, level string) {
	var color string
	var icon string

	switch level {
	case "error":
		color = "[red]"
		icon = "❌"
	case "warning":
		color = "[yellow]"
		icon = "⚠️"
	case "command":
		color = "[cyan]"
		icon = ">"
	default:
		color = "[white]"
		icon = "ℹ️"
	}

	timeStr := time.Now().Format("15:04:05")
	fmt.Fprintf(t.logsArea, "%s[%s] %s %s[white]\n", color, timeStr, icon, tview.Escape(message))
	t.logsArea.ScrollToEnd()
}

func formatDiagnostic(d bridge.Diagnostic) string {
	msg := fmt.Sprintf("job %s %s via %s/%s after %d attempt(s) in %dms",
		shortID(d.JobID), d.Status, d.Dialect, d.Transport, d.Attempts, d.ElapsedMs)
	if d.Error != "" {
		msg += ": " + d.Error
	}
	return msg
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func getStatusIcon(status string) string {
	switch status {
	case "completed":
		return "✅"
	case "failed":
		return "❌"
	default:
		return "⚪"
	}
}

// LogWriter creates an io.Writer that writes to the logs panel
func (t *TViewApp) LogWriter() io.Writer {
	return &tviewLogWriter{app: t}
}

type tviewLogWriter struct {
	app *TViewApp
}

func (w *tviewLogWriter) Write(p []byte) (n int, err error) {
	message := strings.TrimSpace(string(p))
	if message != "" {
		level := "info"
		if strings.Contains(message, `"level":"error"`) || strings.Contains(message, "\tERROR\t") {
			level = "error"
		} else if strings.Contains(message, `"level":"warn"`) || strings.Contains(message, "\tWARN\t") {
			level = "warning"
		}
		w.app.AddLog(message, level)
	}
	return len(p), nil
}
