// Package protocol knows the three printer command families (ESC, TSC, CPCL),
// their status-query probes and how to decode the bytes printers send back.
package protocol

import (
	"fmt"
	"strings"
)

// Protocol identifies a printer command family
type Protocol int

const (
	Unknown Protocol = iota
	ESC
	TSC
	CPCL
)

// ProbeOrder is the order protocols are tried during detection.
// ESC printers are by far the most common, so they go first.
var ProbeOrder = []Protocol{ESC, TSC, CPCL}

// Status-query probes. Each family answers its own query and ignores the others.
var (
	escProbe  = []byte{0x10, 0x04, 0x02}
	tscProbe  = []byte{0x1B, '!', '?'}
	cpclProbe = []byte{0x1B, 0x68}
)

func (p Protocol) String() string {
	switch p {
	case ESC:
		return "ESC"
	case TSC:
		return "TSC"
	case CPCL:
		return "CPCL"
	default:
		return "unknown"
	}
}

// MarshalText lets protocols show up by name in JSON payloads
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a protocol name
func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Parse converts a protocol name back into a Protocol
func Parse(name string) (Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "ESC", "ESC/POS", "ESCPOS":
		return ESC, nil
	case "TSC", "TSPL":
		return TSC, nil
	case "CPCL":
		return CPCL, nil
	case "", "UNKNOWN":
		return Unknown, nil
	default:
		return Unknown, fmt.Errorf("unknown protocol: %s", name)
	}
}

// Probe returns a copy of the status-query command for p, or nil for Unknown
func (p Protocol) Probe() []byte {
	var src []byte
	switch p {
	case ESC:
		src = escProbe
	case TSC:
		src = tscProbe
	case CPCL:
		src = cpclProbe
	default:
		return nil
	}
	out := make([]byte, len(src))
	copy(out, src)
	return out
}

// Document is print content that can render itself for a command family.
// Encoding lives outside this module; callers plug their encoder in here.
type Document interface {
	Encode(p Protocol) ([]byte, error)
}
