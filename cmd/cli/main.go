package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultServerURL = "http://localhost:12212"
)

func main() {
	var serverURL string
	flag.StringVar(&serverURL, "server", defaultServerURL, "Server URL")
	flag.StringVar(&serverURL, "s", defaultServerURL, "Server URL (short)")
	flag.Parse()

	if flag.NArg() == 0 {
		printUsage()
		os.Exit(1)
	}

	args := flag.Args()

	if args[0] == "watch" {
		if err := watch(serverURL); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// print <address> <file> reads the file here; the server only accepts bytes
	if len(args) == 3 && args[0] == "print" && !strings.HasPrefix(args[2], "--") {
		data, err := os.ReadFile(args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", args[2], err)
			os.Exit(1)
		}
		args = []string{"print", args[1], "--hex", hex.EncodeToString(data)}
	}

	result := executeCommand(serverURL, joinArgs(args))

	if result.Success {
		printSuccess(result)
		os.Exit(0)
	} else {
		printError(result)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Printer Link CLI

Usage:
  printer-cli [flags] <command>

Flags:
  -s, -server <url>    Server URL (default: %s)

Commands:
  connect <bluetooth|usb|wifi|serial> <address>
    Open a printer and detect its protocol

  disconnect <address>
    Close a printer

  list
    List connected printers and the device book

  status <address>
    Query the real-time status of a printer

  rename <id> <name>
    Set a custom name for a printer

  print <address> <file>
  print <address> --hex <bytes>
  print <address> --text <text>
    Send already-encoded data to a printer

  jobs [list|status <id>|clear]
    Inspect print jobs

  scan
    List serial, Bluetooth and USB printer ports

  watch
    Stream printer events until interrupted

  help
    Show help message

Examples:
  printer-cli connect wifi 192.168.1.100
  printer-cli connect serial /dev/ttyUSB0
  printer-cli print 192.168.1.100 ./label.tspl
  printer-cli rename 6f1c0b9e-3d1f-4a8e-9a55-2f5b8f0c1d2e "Kitchen Printer"
  printer-cli -s http://localhost:8080 watch

`, defaultServerURL)
}

// joinArgs rebuilds a command line, quoting arguments that contain spaces
func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t") {
			if strings.Contains(arg, `"`) {
				quoted[i] = "'" + arg + "'"
			} else {
				quoted[i] = `"` + arg + `"`
			}
			continue
		}
		quoted[i] = arg
	}
	return strings.Join(quoted, " ")
}

type CommandResult struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func executeCommand(serverURL, command string) *CommandResult {
	endpoint := strings.TrimSuffix(serverURL, "/") + "/command"

	jsonData, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return &CommandResult{
			Success: false,
			Error:   fmt.Sprintf("failed to marshal request: %v", err),
		}
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(endpoint, "application/json", strings.NewReader(string(jsonData)))
	if err != nil {
		return &CommandResult{
			Success: false,
			Error:   fmt.Sprintf("failed to connect to server: %v", err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CommandResult{
			Success: false,
			Error:   fmt.Sprintf("failed to read response: %v", err),
		}
	}

	// the server flattens result data into the top-level object
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return &CommandResult{
			Success: false,
			Error:   fmt.Sprintf("failed to parse response: %v", err),
		}
	}

	result := &CommandResult{Data: make(map[string]interface{})}
	for k, v := range raw {
		switch k {
		case "success":
			result.Success, _ = v.(bool)
		case "message":
			result.Message, _ = v.(string)
		case "error":
			result.Error, _ = v.(string)
		default:
			result.Data[k] = v
		}
	}
	return result
}

func printSuccess(result *CommandResult) {
	if result.Message != "" {
		fmt.Println(result.Message)
	}

	if printers, ok := result.Data["printers"].([]interface{}); ok && len(printers) > 0 {
		fmt.Println("\nConnections:")
		for _, p := range printers {
			if printer, ok := p.(map[string]interface{}); ok {
				fmt.Printf("  %s: %s %s (%s)\n",
					printer["address"], printer["method"], printer["protocol"], printer["state"])
			}
		}
	}

	if devices, ok := result.Data["devices"].([]interface{}); ok && len(devices) > 0 {
		fmt.Println("\nDevice book:")
		for _, d := range devices {
			if device, ok := d.(map[string]interface{}); ok {
				name := device["name"]
				if name == nil || name == "" {
					name = device["address"]
				}
				fmt.Printf("  %s: %s (%s %s)\n", device["id"], name, device["method"], device["address"])
			}
		}
	}

	if ports, ok := result.Data["ports"].([]interface{}); ok {
		for _, p := range ports {
			if candidate, ok := p.(map[string]interface{}); ok {
				fmt.Printf("  %s %s  %s\n", candidate["method"], candidate["address"], candidate["description"])
			}
		}
	}

	if jobs, ok := result.Data["jobs"].([]interface{}); ok && len(jobs) > 0 {
		fmt.Println("\nJobs:")
		for _, j := range jobs {
			if job, ok := j.(map[string]interface{}); ok {
				fmt.Printf("  %s: %s (printer: %s)\n", job["id"], job["status"], job["device_id"])
			}
		}
	}

	if job, ok := result.Data["job"].(map[string]interface{}); ok {
		fmt.Printf("Job %s: %s\n", job["id"], job["status"])
		if errMsg, ok := job["error"].(string); ok && errMsg != "" {
			fmt.Printf("  error: %s\n", errMsg)
		}
	}
}

func printError(result *CommandResult) {
	if result.Error != "" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", result.Error)
	} else if result.Message != "" {
		fmt.Fprintf(os.Stderr, "%s\n", result.Message)
	}
}

// watch prints every event from the server's websocket until interrupted
func watch(serverURL string) error {
	u, err := url.Parse(strings.TrimSuffix(serverURL, "/") + "/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan error, 1)
	go func() {
		for {
			var msg struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				done <- err
				return
			}
			fmt.Printf("%s  %-14s %s\n", time.Now().Format("15:04:05"), msg.Event, msg.Data)
		}
	}()

	select {
	case err := <-done:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return err
	case <-interrupt:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return nil
	}
}
