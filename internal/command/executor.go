// Package command provides the text command surface of the printer server
package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/printer"
	"github.com/thereceipt/printer-link/internal/registry"
)

// DefaultStatusTimeout bounds how long a status command waits for the printer
const DefaultStatusTimeout = 3 * time.Second

// Executor executes commands
type Executor struct {
	manager *printer.ConnectionManager
	jobs    *printer.JobTracker
	book    *registry.Registry
	scan    func() ([]port.Candidate, error)
	log     *zap.Logger

	statusTimeout time.Duration
}

// NewExecutor creates a new command executor. book may be nil.
func NewExecutor(manager *printer.ConnectionManager, jobs *printer.JobTracker, book *registry.Registry, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		manager:       manager,
		jobs:          jobs,
		book:          book,
		scan:          port.Scan,
		log:           log.Named("command"),
		statusTimeout: DefaultStatusTimeout,
	}
}

// SetScanner replaces the port scan used by the scan command
func (e *Executor) SetScanner(scan func() ([]port.Candidate, error)) {
	if scan != nil {
		e.scan = scan
	}
}

// Result represents the result of executing a command
type Result struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func failure(format string, args ...interface{}) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Execute executes a command string and returns a result
func (e *Executor) Execute(ctx context.Context, cmdStr string) *Result {
	parts := parseCommand(cmdStr)
	if len(parts) == 0 {
		return failure("empty command")
	}

	command := strings.ToLower(parts[0])
	args := parts[1:]

	e.log.Debug("executing command", zap.String("command", command), zap.Int("args", len(args)))

	switch command {
	case "connect":
		return e.handleConnect(args)
	case "disconnect":
		return e.handleDisconnect(args)
	case "list":
		return e.handleList(args)
	case "status":
		return e.handleStatus(ctx, args)
	case "rename":
		return e.handleRename(args)
	case "print":
		return e.handlePrint(args)
	case "jobs", "job":
		return e.handleJobs(args)
	case "scan", "detect":
		return e.handleScan(args)
	case "help":
		return e.handleHelp(args)
	default:
		return failure("unknown command: %s. Type 'help' for available commands", command)
	}
}

// parseCommand parses a command string into parts, handling quoted strings
func parseCommand(cmdStr string) []string {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return []string{}
	}

	var parts []string
	var current strings.Builder
	inQuotes := false
	quoted := false
	quoteChar := byte(0)

	flush := func() {
		if current.Len() > 0 || quoted {
			parts = append(parts, current.String())
			current.Reset()
		}
		quoted = false
	}

	for i := 0; i < len(cmdStr); i++ {
		char := cmdStr[i]

		switch {
		case (char == '"' || char == '\'') && !inQuotes:
			inQuotes = true
			quoted = true
			quoteChar = char
		case inQuotes && char == quoteChar:
			inQuotes = false
			quoteChar = 0
		case (char == ' ' || char == '\t') && !inQuotes:
			flush()
		default:
			current.WriteByte(char)
		}
	}
	flush()

	return parts
}
