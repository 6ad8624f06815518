package logging

import "strings"

// Mask is the bitmask configuration key "logmask" from §6: each bit
// gates one category of diagnostic log line so an operator can dial up
// exactly the noise they need (e.g. CONNECT tunnels, but not every
// filter invocation).
type Mask uint8

const MaskNone Mask = 0

const (
	MaskStatus Mask = 1 << iota
	MaskProcess
	MaskConnect
	MaskHeaders
	MaskFilter
)

// ParseMask parses a comma/space separated, OR'd list of mask names
// (NONE, STATUS, PROCESS, CONNECT, HEADERS, FILTER), case-insensitive.
func ParseMask(s string) (Mask, error) {
	var m Mask
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '|'
	})
	if len(fields) == 0 {
		return MaskNone, nil
	}
	for _, f := range fields {
		switch strings.ToUpper(strings.TrimSpace(f)) {
		case "NONE", "":
			// contributes nothing
		case "STATUS":
			m |= MaskStatus
		case "PROCESS":
			m |= MaskProcess
		case "CONNECT":
			m |= MaskConnect
		case "HEADERS":
			m |= MaskHeaders
		case "FILTER":
			m |= MaskFilter
		default:
			return MaskNone, &maskParseError{token: f}
		}
	}
	return m, nil
}

type maskParseError struct{ token string }

func (e *maskParseError) Error() string {
	return "logging: unknown logmask token \"" + e.token + "\""
}

func (m Mask) String() string {
	if m == MaskNone {
		return "NONE"
	}
	var parts []string
	if m&MaskStatus != 0 {
		parts = append(parts, "STATUS")
	}
	if m&MaskProcess != 0 {
		parts = append(parts, "PROCESS")
	}
	if m&MaskConnect != 0 {
		parts = append(parts, "CONNECT")
	}
	if m&MaskHeaders != 0 {
		parts = append(parts, "HEADERS")
	}
	if m&MaskFilter != 0 {
		parts = append(parts, "FILTER")
	}
	return strings.Join(parts, "|")
}

// MaskedLogger gates category-specific log lines behind a configured
// Mask before delegating to an underlying Logger.
type MaskedLogger struct {
	Logger Logger
	Mask   Mask
}

// NewMaskedLogger wraps logger with the given mask.
func NewMaskedLogger(logger Logger, mask Mask) *MaskedLogger {
	return &MaskedLogger{Logger: logger, Mask: mask}
}

// Status logs a request-status line (method, URI, response code) if
// MaskStatus is set.
func (m *MaskedLogger) Status(args ...interface{}) {
	if m.Mask&MaskStatus != 0 {
		m.Logger.Info(args...)
	}
}

// Process logs an engine/worker lifecycle line if MaskProcess is set.
func (m *MaskedLogger) Process(args ...interface{}) {
	if m.Mask&MaskProcess != 0 {
		m.Logger.Info(args...)
	}
}

// Connect logs a CONNECT tunnel lifecycle line if MaskConnect is set.
func (m *MaskedLogger) Connect(args ...interface{}) {
	if m.Mask&MaskConnect != 0 {
		m.Logger.Info(args...)
	}
}

// Headers logs request/response header contents if MaskHeaders is set.
func (m *MaskedLogger) Headers(args ...interface{}) {
	if m.Mask&MaskHeaders != 0 {
		m.Logger.Debug(args...)
	}
}

// Filter logs filter pipeline selection/invocation if MaskFilter is set.
func (m *MaskedLogger) Filter(args ...interface{}) {
	if m.Mask&MaskFilter != 0 {
		m.Logger.Debug(args...)
	}
}
