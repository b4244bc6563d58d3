package protocol

// realtimeFlag marks an ESC real-time status push in the first response byte
const realtimeFlag = 0x10

// Status bit masks per command family
const (
	escPaperOut  = 0x20
	escCoverOpen = 0x04
	escError     = 0x40

	tscPaperOut  = 0x04
	tscCoverOpen = 0x01
	tscError     = 0x80

	// CPCL replies carry a single value rather than a bit field
	cpclPaperOut  = 0x01
	cpclCoverOpen = 0x02
)

// Status is the decoded health of a printer
type Status struct {
	PaperOut  bool `json:"paper_out"`
	CoverOpen bool `json:"cover_open"`
	Error     bool `json:"error"`
}

// OK reports whether no fault flag is set
func (s Status) OK() bool {
	return !s.PaperOut && !s.CoverOpen && !s.Error
}

// ResponseKind tells a general status reply apart from a real-time push
type ResponseKind int

const (
	// KindQuery is a reply to a general status query; the client should
	// follow up with a detailed status request.
	KindQuery ResponseKind = iota
	// KindRealtime is a real-time status push whose bits encode the status.
	KindRealtime
)

func (k ResponseKind) String() string {
	if k == KindRealtime {
		return "realtime"
	}
	return "query"
}

// MarshalText renders the kind by name
func (k ResponseKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Response is one classified printer reply
type Response struct {
	Protocol Protocol     `json:"protocol"`
	Kind     ResponseKind `json:"kind"`
	Status   Status       `json:"status"`
	Raw      []byte       `json:"raw,omitempty"`
}

// DecodeStatus applies the status masks of p to a single response byte
func DecodeStatus(p Protocol, b byte) Status {
	switch p {
	case ESC:
		return Status{
			PaperOut:  b&escPaperOut != 0,
			CoverOpen: b&escCoverOpen != 0,
			Error:     b&escError != 0,
		}
	case TSC:
		return Status{
			PaperOut:  b&tscPaperOut != 0,
			CoverOpen: b&tscCoverOpen != 0,
			Error:     b&tscError != 0,
		}
	case CPCL:
		return Status{
			PaperOut:  b == cpclPaperOut,
			CoverOpen: b == cpclCoverOpen,
		}
	default:
		return Status{}
	}
}

// IsRealtime reports whether the first byte carries the real-time marker bit
func IsRealtime(b byte) bool {
	return b&realtimeFlag != 0
}

// Classify interprets data as a reply to the last command sent for p.
// Only the first byte is inspected; len(data) is authoritative and each call
// is treated as exactly one response.
//
// ESC marks real-time pushes with bit 4. TSC and CPCL firmwares answer the
// real-time query with a single byte and anything longer is a general reply.
func Classify(p Protocol, data []byte) Response {
	resp := Response{Protocol: p, Kind: KindQuery}
	if len(data) == 0 {
		return resp
	}
	resp.Raw = append([]byte(nil), data...)

	switch p {
	case ESC:
		if IsRealtime(data[0]) {
			resp.Kind = KindRealtime
		}
	case TSC, CPCL:
		if len(data) == 1 {
			resp.Kind = KindRealtime
		}
	}
	if resp.Kind == KindRealtime {
		resp.Status = DecodeStatus(p, data[0])
	}
	return resp
}
