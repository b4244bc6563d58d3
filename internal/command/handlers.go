package command

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/printer"
)

// handleConnect opens a printer and starts protocol detection
// Usage: connect <bluetooth|usb|wifi|serial> <address>
func (e *Executor) handleConnect(args []string) *Result {
	if len(args) < 2 {
		return failure("usage: connect <bluetooth|usb|wifi|serial> <address>")
	}

	method, err := port.ParseMethod(args[0])
	if err != nil {
		return failure("%v", err)
	}
	address := args[1]

	conn, err := e.manager.Connect(address, method)
	if err != nil {
		return failure("failed to connect to %s: %v", address, err)
	}

	return &Result{
		Success: true,
		Message: fmt.Sprintf("Connected to %s, detecting protocol", address),
		Data: map[string]interface{}{
			"printer": conn.Snapshot(),
		},
	}
}

// handleDisconnect closes a printer
// Usage: disconnect <address>
func (e *Executor) handleDisconnect(args []string) *Result {
	if len(args) < 1 {
		return failure("usage: disconnect <address>")
	}
	address := args[0]

	if err := e.manager.Disconnect(address); err != nil {
		return failure("failed to disconnect %s: %v", address, err)
	}
	return &Result{
		Success: true,
		Message: fmt.Sprintf("Disconnected %s", address),
	}
}

// handleList lists open connections and the printers in the device book
// Usage: list
func (e *Executor) handleList(args []string) *Result {
	conns := e.manager.Connections()
	printers := make([]printer.Snapshot, len(conns))
	for i, c := range conns {
		printers[i] = c.Snapshot()
	}

	data := map[string]interface{}{
		"printers": printers,
		"known":    e.manager.Known(),
	}
	if e.book != nil {
		data["devices"] = e.book.All()
	}

	return &Result{
		Success: true,
		Message: fmt.Sprintf("Found %d connected printer(s)", len(printers)),
		Data:    data,
	}
}

// handleStatus asks a printer for its real-time status
// Usage: status <address>
func (e *Executor) handleStatus(ctx context.Context, args []string) *Result {
	if len(args) < 1 {
		return failure("usage: status <address>")
	}
	address := args[0]

	conn, ok := e.manager.Get(address)
	if !ok {
		return failure("printer not found: %s", address)
	}

	ctx, cancel := context.WithTimeout(ctx, e.statusTimeout)
	defer cancel()

	resp, err := conn.QueryStatus(ctx)
	if err != nil {
		return failure("status query failed for %s: %v", address, err)
	}

	return &Result{
		Success: true,
		Message: describeStatus(address, resp.Status.PaperOut, resp.Status.CoverOpen, resp.Status.Error),
		Data: map[string]interface{}{
			"printer":  conn.Snapshot(),
			"response": resp,
		},
	}
}

func describeStatus(address string, paperOut, coverOpen, fault bool) string {
	var problems []string
	if paperOut {
		problems = append(problems, "paper out")
	}
	if coverOpen {
		problems = append(problems, "cover open")
	}
	if fault {
		problems = append(problems, "error")
	}
	if len(problems) == 0 {
		return fmt.Sprintf("%s: ok", address)
	}
	return fmt.Sprintf("%s: %s", address, strings.Join(problems, ", "))
}

// handleRename sets a custom name in the device book
// Usage: rename <id> <name>
func (e *Executor) handleRename(args []string) *Result {
	if len(args) < 2 {
		return failure("usage: rename <id> <name>")
	}
	if e.book == nil {
		return failure("device book is not available")
	}

	id, name := args[0], args[1]
	if !e.book.SetName(id, name) {
		return failure("printer not found: %s", id)
	}
	return &Result{
		Success: true,
		Message: fmt.Sprintf("Renamed printer %s to %s", id, name),
	}
}

// handlePrint queues already-encoded bytes for a printer
// Usage: print <address> --hex <bytes> | print <address> --text <text>
// Files are read by the client and sent as --hex; the server never opens paths.
func (e *Executor) handlePrint(args []string) *Result {
	const usage = "usage: print <address> --hex <bytes> | print <address> --text <text>"
	if len(args) < 2 {
		return failure(usage)
	}

	address := args[0]
	var data []byte

	switch args[1] {
	case "--hex":
		if len(args) < 3 {
			return failure(usage)
		}
		decoded, err := hex.DecodeString(strings.ReplaceAll(strings.Join(args[2:], ""), " ", ""))
		if err != nil {
			return failure("invalid hex data: %v", err)
		}
		data = decoded
	case "--text":
		if len(args) < 3 {
			return failure(usage)
		}
		data = []byte(strings.Join(args[2:], " ") + "\n")
	default:
		return failure(usage)
	}

	if len(data) == 0 {
		return failure("nothing to print")
	}

	jobID, err := e.jobs.Submit(address, data)
	if err != nil {
		return failure("failed to queue print job: %v", err)
	}

	return &Result{
		Success: true,
		Message: fmt.Sprintf("Print job queued: %s", jobID),
		Data: map[string]interface{}{
			"job_id":    jobID,
			"device_id": address,
		},
	}
}

// handleJobs handles job commands
// Usage: jobs [list] | jobs status <id> | jobs clear
func (e *Executor) handleJobs(args []string) *Result {
	subcommand := "list"
	if len(args) > 0 {
		subcommand = args[0]
	}

	switch subcommand {
	case "list":
		jobs := e.jobs.All()
		return &Result{
			Success: true,
			Message: fmt.Sprintf("Found %d job(s)", len(jobs)),
			Data: map[string]interface{}{
				"jobs": jobs,
			},
		}

	case "status":
		if len(args) < 2 {
			return failure("usage: jobs status <id>")
		}
		job, ok := e.jobs.Get(args[1])
		if !ok {
			return failure("job not found: %s", args[1])
		}
		return &Result{
			Success: true,
			Data: map[string]interface{}{
				"job": job,
			},
		}

	case "clear":
		e.jobs.ClearFinished()
		return &Result{
			Success: true,
			Message: "Cleared finished jobs",
		}

	default:
		return failure("unknown jobs subcommand: %s. Use: list, status, clear", subcommand)
	}
}

// handleScan lists transport endpoints that may have a printer
// Usage: scan
func (e *Executor) handleScan(args []string) *Result {
	candidates, err := e.scan()
	if err != nil {
		return failure("detection failed: %v", err)
	}
	return &Result{
		Success: true,
		Message: fmt.Sprintf("Detected %d port(s)", len(candidates)),
		Data: map[string]interface{}{
			"ports": candidates,
		},
	}
}

// handleHelp handles help command
func (e *Executor) handleHelp(args []string) *Result {
	helpText := `Available Commands:

  connect <bluetooth|usb|wifi|serial> <address>
    Open a printer and detect its protocol (ESC, TSC or CPCL)

  disconnect <address>
    Close a printer

  list
    List connected printers and the device book

  status <address>
    Query the real-time status of a printer

  rename <id> <name>
    Set a custom name for a printer in the device book

  print <address> --hex <bytes>
  print <address> --text <text>
    Queue already-encoded data for a printer

  jobs [list]
  jobs status <id>
  jobs clear
    Inspect print jobs

  scan
    List serial, Bluetooth and USB printer ports

  help
    Show this help message

Addresses:
  serial, bluetooth   device path, e.g. /dev/ttyUSB0, /dev/rfcomm0, COM5
  usb                 VID:PID in hex, e.g. 04B8:0E15
  wifi                host[:port], port defaults to 9100

Examples:
  connect wifi 192.168.1.100
  status 192.168.1.100
  print 192.168.1.100 --hex 1b40 48656c6c6f 0a
  rename 6f1c0b9e-3d1f-4a8e-9a55-2f5b8f0c1d2e "Kitchen Printer"
`

	return &Result{
		Success: true,
		Message: helpText,
	}
}
