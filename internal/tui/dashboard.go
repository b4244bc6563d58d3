// Package tui is an optional terminal dashboard for the printer server
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/thereceipt/printer-link/internal/command"
	"github.com/thereceipt/printer-link/internal/printer"
	"github.com/thereceipt/printer-link/internal/protocol"
	"github.com/thereceipt/printer-link/internal/scheduler"
)

const maxLogLines = 200

// Dashboard shows connections, jobs and printer events, and runs text
// commands typed into its prompt
type Dashboard struct {
	App      *tview.Application
	manager  *printer.ConnectionManager
	jobs     *printer.JobTracker
	sched    *scheduler.Scheduler
	executor *command.Executor
	addr     string

	layout      *tview.Flex
	connections *tview.Table
	jobsTable   *tview.Table
	statusBox   *tview.TextView
	logsArea    *tview.TextView
	prompt      *tview.InputField

	mu        sync.Mutex
	logs      []string
	startTime time.Time
}

// NewDashboard builds the dashboard. addr is shown in the status panel.
func NewDashboard(manager *printer.ConnectionManager, jobs *printer.JobTracker, sched *scheduler.Scheduler, executor *command.Executor, addr string) *Dashboard {
	d := &Dashboard{
		App:       tview.NewApplication(),
		manager:   manager,
		jobs:      jobs,
		sched:     sched,
		executor:  executor,
		addr:      addr,
		startTime: time.Now(),
	}
	d.setupUI()
	return d
}

func (d *Dashboard) setupUI() {
	d.connections = tview.NewTable()
	d.connections.SetBorder(true)
	d.connections.SetTitle("Connections")

	d.jobsTable = tview.NewTable()
	d.jobsTable.SetBorder(true)
	d.jobsTable.SetTitle("Print Jobs")

	d.statusBox = tview.NewTextView()
	d.statusBox.SetBorder(true)
	d.statusBox.SetTitle("Server")
	d.statusBox.SetDynamicColors(true)

	d.logsArea = tview.NewTextView()
	d.logsArea.SetBorder(true)
	d.logsArea.SetTitle("Events")
	d.logsArea.SetDynamicColors(true)
	d.logsArea.SetScrollable(true)

	d.prompt = tview.NewInputField().
		SetLabel("> ").
		SetFieldWidth(0).
		SetPlaceholder("Type a command (e.g., 'help')").
		SetDoneFunc(func(key tcell.Key) {
			if key != tcell.KeyEnter {
				return
			}
			line := d.prompt.GetText()
			d.prompt.SetText("")
			go d.runCommand(line)
		})

	top := tview.NewFlex().
		AddItem(d.connections, 0, 2, false).
		AddItem(d.jobsTable, 0, 2, false).
		AddItem(d.statusBox, 0, 1, false)

	bottom := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(d.logsArea, 0, 3, false).
		AddItem(d.prompt, 1, 0, true)

	d.layout = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(top, 0, 1, false).
		AddItem(bottom, 0, 1, true)

	d.App.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC {
			d.App.Stop()
			return nil
		}
		return event
	})

	d.App.SetRoot(d.layout, true).SetFocus(d.prompt)
}

// Run shows the dashboard until the user quits or ctx is done
func (d *Dashboard) Run(ctx context.Context) error {
	d.refresh()

	events, unsub := d.manager.Events().Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.follow(ctx, events)

	return d.App.Run()
}

func (d *Dashboard) follow(ctx context.Context, events <-chan printer.Event) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.App.Stop()
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			d.AddLog(formatEvent(e))
			d.App.QueueUpdateDraw(d.refresh)
		case <-ticker.C:
			d.App.QueueUpdateDraw(d.refresh)
		}
	}
}

func formatEvent(e printer.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)", eventColor(e.Kind), e.DeviceID, e.Kind)
	if e.Protocol != protocol.Unknown {
		fmt.Fprintf(&b, " %s", e.Protocol)
	}
	if e.Status != nil && !e.Status.OK() {
		fmt.Fprintf(&b, " paper_out=%t cover_open=%t error=%t", e.Status.PaperOut, e.Status.CoverOpen, e.Status.Error)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " %s", e.Error)
	}
	b.WriteString("[white]")
	return b.String()
}

func eventColor(kind printer.EventKind) string {
	switch kind {
	case printer.EventConnected, printer.EventDeviceAdded:
		return "[green]"
	case printer.EventDisconnected, printer.EventAbandoned, printer.EventDeviceRemoved:
		return "[red]"
	case printer.EventQueryStatus:
		return "[yellow]"
	default:
		return "[white]"
	}
}

func (d *Dashboard) runCommand(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	switch line {
	case "quit", "exit", "q":
		d.App.Stop()
		return
	case "clear":
		d.mu.Lock()
		d.logs = nil
		d.mu.Unlock()
		d.App.QueueUpdateDraw(func() { d.logsArea.Clear() })
		return
	}

	d.AddLog("[cyan]> " + tview.Escape(line) + "[white]")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := d.executor.Execute(ctx, line)
	if !result.Success {
		d.AddLog("[red]" + tview.Escape(result.Error) + "[white]")
		return
	}
	if result.Message != "" {
		d.AddLog(tview.Escape(result.Message))
	}
	d.App.QueueUpdateDraw(d.refresh)
}

func (d *Dashboard) refresh() {
	d.refreshConnections()
	d.refreshJobs()
	d.refreshStatus()
}

func header(table *tview.Table, titles ...string) {
	for i, title := range titles {
		table.SetCell(0, i, tview.NewTableCell(title).SetAlign(tview.AlignCenter).SetSelectable(false))
	}
}

func (d *Dashboard) refreshConnections() {
	d.connections.Clear()
	header(d.connections, "Address", "Method", "Protocol", "State")

	for i, c := range d.manager.Connections() {
		s := c.Snapshot()
		row := i + 1
		d.connections.SetCell(row, 0, tview.NewTableCell(s.Address))
		d.connections.SetCell(row, 1, tview.NewTableCell(s.Method.String()))
		d.connections.SetCell(row, 2, tview.NewTableCell(s.Protocol.String()))
		d.connections.SetCell(row, 3, tview.NewTableCell(stateIcon(s.State)+" "+string(s.State)))
	}
}

func stateIcon(state printer.State) string {
	switch state {
	case printer.StateReady:
		return "🟢"
	case printer.StateDetecting, printer.StateOpening:
		return "🟡"
	case printer.StateFaulted:
		return "🔴"
	default:
		return "⚪"
	}
}

func (d *Dashboard) refreshJobs() {
	d.jobsTable.Clear()
	header(d.jobsTable, "Status", "Printer", "Bytes", "Age")

	counts := make(map[printer.JobStatus]int)
	jobs := d.jobs.All()
	for i, job := range jobs {
		row := i + 1
		d.jobsTable.SetCell(row, 0, tview.NewTableCell(string(job.Status)))
		d.jobsTable.SetCell(row, 1, tview.NewTableCell(job.DeviceID))
		d.jobsTable.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", job.Size)))
		d.jobsTable.SetCell(row, 3, tview.NewTableCell(time.Since(job.CreatedAt).Truncate(time.Second).String()))
		counts[job.Status]++
	}

	if len(jobs) > 0 {
		summary := fmt.Sprintf("[%d] Queued [%d] Printing [%d] Completed [%d] Failed",
			counts[printer.JobQueued], counts[printer.JobPrinting], counts[printer.JobCompleted], counts[printer.JobFailed])
		d.jobsTable.SetCell(len(jobs)+1, 0, tview.NewTableCell(summary).SetSelectable(false))
	}
}

func (d *Dashboard) refreshStatus() {
	uptime := time.Since(d.startTime)
	d.statusBox.SetText(fmt.Sprintf(`[green]🟢 Running[white]

Uptime: %dh %dm
API: %s
Workers: %d/%d
Known: %d`,
		int(uptime.Hours()), int(uptime.Minutes())%60,
		d.addr,
		d.sched.Active(), d.sched.MaxWorkers(),
		len(d.manager.Known())))
}

// AddLog appends a line to the event panel. Safe from any goroutine.
func (d *Dashboard) AddLog(message string) {
	entry := fmt.Sprintf("[gray]%s[white] %s", time.Now().Format("15:04:05"), message)

	d.mu.Lock()
	d.logs = append(d.logs, entry)
	if len(d.logs) > maxLogLines {
		d.logs = d.logs[len(d.logs)-maxLogLines:]
	}
	text := strings.Join(d.logs, "\n")
	d.mu.Unlock()

	d.App.QueueUpdateDraw(func() {
		d.logsArea.SetText(text)
		d.logsArea.ScrollToEnd()
	})
}

// LogSink is a log destination that feeds an attached dashboard and
// otherwise writes to its fallback
type LogSink struct {
	mu       sync.RWMutex
	fallback io.Writer
	d        *Dashboard
}

// NewLogSink creates a sink writing to fallback until a dashboard is attached
func NewLogSink(fallback io.Writer) *LogSink {
	return &LogSink{fallback: fallback}
}

// Attach sends further writes to d
func (s *LogSink) Attach(d *Dashboard) {
	s.mu.Lock()
	s.d = d
	s.mu.Unlock()
}

// Detach restores the fallback
func (s *LogSink) Detach() {
	s.Attach(nil)
}

func (s *LogSink) Write(p []byte) (int, error) {
	s.mu.RLock()
	d := s.d
	s.mu.RUnlock()

	if d == nil {
		return s.fallback.Write(p)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		if line != "" {
			d.AddLog(tview.Escape(line))
		}
	}
	return len(p), nil
}

// Sync satisfies zapcore.WriteSyncer
func (s *LogSink) Sync() error {
	return nil
}
