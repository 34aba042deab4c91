package automation

import (
	"errors"
	"strconv"
	"strings"
)

// Verdict classifies one device response.
type Verdict int

const (
	Pass Verdict = iota
	Fail
	Unknown
	InvalidFormat
	ExceptionOccurred
)

// String returns the verdict as written to the execution log.
func (v Verdict) String() string {
	switch v {
	case Pass:
		return "P"
	case Fail:
		return "F"
	case InvalidFormat:
		return "Invalid Format"
	case ExceptionOccurred:
		return "Exception Occurred"
	default:
		return "Unknown"
	}
}

// Label is a metric-friendly name.
func (v Verdict) Label() string {
	switch v {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case InvalidFormat:
		return "invalid_format"
	case ExceptionOccurred:
		return "exception"
	default:
		return "unknown"
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Validate classifies a response of the form "<key>:<value>;". The value is
// the text after the first ':' up to the next ':' or ';', trimmed.
// Integers map 0 to Pass and negatives to Fail; the literals P and F pass
// through; everything else is Unknown. A response without ':' is
// InvalidFormat.
func Validate(response string) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = ExceptionOccurred
		}
	}()

	_, rest, ok := strings.Cut(response, ":")
	if !ok {
		return InvalidFormat
	}
	value, _, _ := strings.Cut(rest, ":")
	value, _, _ = strings.Cut(value, ";")
	value = strings.TrimSpace(value)

	n, err := strconv.Atoi(value)
	switch {
	case err == nil && n == 0:
		return Pass
	case err == nil && n < 0:
		return Fail
	case err == nil:
		return Unknown
	case errors.Is(err, strconv.ErrRange):
		if strings.HasPrefix(value, "-") {
			return Fail
		}
		return Unknown
	}

	switch value {
	case "P":
		return Pass
	case "F":
		return Fail
	}
	return Unknown
}
