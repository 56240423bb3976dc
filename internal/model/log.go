package model

import "time"

// DefaultApplication is used when a sender does not name itself.
const DefaultApplication = "Unknown"

// CallKind tells whether a frame was a static or an instance call.
type CallKind uint8

const (
	CallStatic CallKind = iota
	CallInstance
)

// ParseCallKind accepts "->" and "instance" as instance calls. Everything
// else, including an empty value, is static.
func ParseCallKind(s string) CallKind {
	switch s {
	case "->", "instance":
		return CallInstance
	default:
		return CallStatic
	}
}

// Separator returns the token placed between class and function names.
func (k CallKind) Separator() string {
	if k == CallInstance {
		return "->"
	}
	return "::"
}

func (k CallKind) String() string {
	if k == CallInstance {
		return "instance"
	}
	return "static"
}

// StackFrame is one call site of an exception trace. Senders may omit any
// field, so everything except Kind is optional.
type StackFrame struct {
	File     string
	Line     *int
	Function string
	Class    string
	// Args holds each argument's string form: strings verbatim, other JSON
	// values as compact JSON text.
	Args []string
	Kind CallKind
}

// ExceptionRecord is one exception of a cause chain. Previous points to the
// exception that caused this one.
type ExceptionRecord struct {
	Name     string
	Message  string
	Code     *int64
	File     string
	Line     *int
	Trace    []StackFrame
	Previous *ExceptionRecord
}

// Depth returns the number of records in the chain starting at e.
func (e *ExceptionRecord) Depth() int {
	n := 0
	for cur := e; cur != nil; cur = cur.Previous {
		n++
	}
	return n
}

// LogEvent is the decoded form of one structured payload.
type LogEvent struct {
	Application string
	Severity    Severity
	Message     string
	Timestamp   time.Time
	Exception   *ExceptionRecord
}
