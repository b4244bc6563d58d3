package port

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/google/gousb"
	"go.bug.st/serial/enumerator"
)

// Candidate is a transport endpoint that may have a printer behind it
type Candidate struct {
	Method      Method `json:"method"`
	Address     string `json:"address"`
	Description string `json:"description"`
}

// Key identifies the candidate across scans
func (c Candidate) Key() string {
	return c.Method.String() + ":" + c.Address
}

// macOS exposes these ports for every machine; none of them is a printer
var skipPatterns = []string{"Bluetooth-Incoming-Port", "debug-console", "KeySerial", "wlan-debug"}

// Scan lists serial ports, Bluetooth SPP devices and USB printer-class devices
func Scan() ([]Candidate, error) {
	var candidates []Candidate
	var errs []string

	serialPorts, err := scanSerial()
	if err != nil {
		errs = append(errs, err.Error())
	}
	candidates = append(candidates, serialPorts...)

	usbPrinters, err := scanUSB()
	if err != nil {
		errs = append(errs, err.Error())
	}
	candidates = append(candidates, usbPrinters...)

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Key() < candidates[j].Key()
	})

	if len(errs) > 0 && len(candidates) == 0 {
		return nil, fmt.Errorf("scan failed: %s", strings.Join(errs, "; "))
	}
	return candidates, nil
}

func scanSerial() ([]Candidate, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var candidates []Candidate
	for _, p := range ports {
		if skipPort(p.Name) {
			continue
		}

		c := Candidate{Method: SerialPort, Address: p.Name}
		switch {
		case isBluetoothPort(p.Name):
			c.Method = Bluetooth
			c.Description = fmt.Sprintf("Bluetooth: %s", filepath.Base(p.Name))
		case p.IsUSB:
			c.Description = fmt.Sprintf("Serial: %s (USB %s:%s %s)",
				filepath.Base(p.Name), p.VID, p.PID, p.Product)
		default:
			c.Description = fmt.Sprintf("Serial: %s", filepath.Base(p.Name))
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func skipPort(name string) bool {
	for _, pattern := range skipPatterns {
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}

func isBluetoothPort(name string) bool {
	switch runtime.GOOS {
	case "linux":
		return strings.HasPrefix(filepath.Base(name), "rfcomm")
	case "darwin":
		return strings.Contains(name, "Bluetooth") || strings.Contains(name, "SPP")
	default:
		return false
	}
}

// scanUSB finds printer-class USB devices using libusb
func scanUSB() ([]Candidate, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return isPrinterClass(desc)
	})
	// OpenDevices may return devices alongside an error for ones it could not open
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}

	var candidates []Candidate
	for _, dev := range devices {
		desc := dev.Desc

		manufacturer, _ := dev.Manufacturer()
		product, _ := dev.Product()

		address := FormatUSBAddress(uint16(desc.Vendor), uint16(desc.Product))
		description := fmt.Sprintf("USB: %s", address)
		if manufacturer != "" || product != "" {
			description = fmt.Sprintf("USB: %s %s (%s)", manufacturer, product, address)
		}

		candidates = append(candidates, Candidate{
			Method:      USB,
			Address:     address,
			Description: description,
		})
		dev.Close()
	}
	return candidates, nil
}

// isPrinterClass checks the device class and every interface alt setting
func isPrinterClass(desc *gousb.DeviceDesc) bool {
	if desc.Class == gousb.ClassPrinter {
		return true
	}
	for _, cfg := range desc.Configs {
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				if alt.Class == gousb.ClassPrinter {
					return true
				}
			}
		}
	}
	return false
}
