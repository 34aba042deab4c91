package can

import (
	"regexp"
	"strconv"
)

var (
	reBusState = regexp.MustCompile(`can (?:<[^>]*> )?state ([A-Z-]+)`)
	reBerr     = regexp.MustCompile(`berr-counter tx (\d+) rx (\d+)`)
)

// LinkState is the controller state reported by `ip -details link show`.
type LinkState struct {
	BusState string
	TxErrors int
	RxErrors int
}

// parseLinkState extracts the CAN controller state from ip(8) output.
func parseLinkState(output string) (LinkState, bool) {
	m := reBusState.FindStringSubmatch(output)
	if len(m) < 2 {
		return LinkState{}, false
	}
	st := LinkState{BusState: m[1]}
	if m := reBerr.FindStringSubmatch(output); len(m) > 2 {
		st.TxErrors, _ = strconv.Atoi(m[1])
		st.RxErrors, _ = strconv.Atoi(m[2])
	}
	return st, true
}

// Err maps the controller state onto the PCAN status codes. Error-active
// and stopped controllers report nil.
func (s LinkState) Err() error {
	switch s.BusState {
	case "ERROR-WARNING":
		return &AdapterError{Code: CodeBusLight, Text: "Bus error: an error counter reached the 'light' limit"}
	case "ERROR-PASSIVE":
		return &AdapterError{Code: CodeBusHeavy, Text: "Bus error: an error counter reached the 'heavy' limit"}
	case "BUS-OFF":
		return &AdapterError{Code: CodeBusOff, Text: "Bus error: the CAN controller is in bus-off state"}
	default:
		return nil
	}
}
