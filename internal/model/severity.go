package model

import (
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Severity is the level a sender attached to a log event.
type Severity uint8

const (
	SeverityDebug Severity = iota
	SeverityVerbose
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical

	severityCount
)

type severityInfo struct {
	code  string
	name  string
	level logrus.Level
	color []color.Attribute
}

// severities is indexed by Severity. Adding a constant without a row here
// fails to compile because of the fixed array length.
var severities = [severityCount]severityInfo{
	SeverityDebug:    {code: "DBG", name: "debug", level: logrus.DebugLevel, color: []color.Attribute{color.FgCyan}},
	SeverityVerbose:  {code: "VRB", name: "verbose", level: logrus.DebugLevel, color: []color.Attribute{color.FgBlue}},
	SeverityInfo:     {code: "INFO", name: "info", level: logrus.InfoLevel, color: []color.Attribute{color.FgGreen}},
	SeverityWarning:  {code: "WRN", name: "warning", level: logrus.WarnLevel, color: []color.Attribute{color.FgYellow}},
	SeverityError:    {code: "ERR", name: "error", level: logrus.ErrorLevel, color: []color.Attribute{color.FgRed}},
	SeverityCritical: {code: "CRT", name: "critical", level: logrus.FatalLevel, color: []color.Attribute{color.FgRed, color.BgWhite}},
}

// ParseSeverity maps a wire code (DBG, VRB, INFO, WRN, ERR, CRT) to a
// Severity. Matching is case-sensitive; anything else is SeverityInfo.
func ParseSeverity(code string) Severity {
	for s, info := range severities {
		if info.code == code {
			return Severity(s)
		}
	}
	return SeverityInfo
}

func (s Severity) info() severityInfo {
	if s >= severityCount {
		return severities[SeverityInfo]
	}
	return severities[s]
}

// Code returns the wire code of the severity.
func (s Severity) Code() string { return s.info().code }

func (s Severity) String() string { return s.info().name }

// Level returns the logger level used when the event is shown on the console.
// Critical maps to logrus.FatalLevel; Logger.Log at that level does not exit.
func (s Severity) Level() logrus.Level { return s.info().level }

// Color returns the display attributes of the severity.
func (s Severity) Color() []color.Attribute { return s.info().color }

// Severities returns every severity in ascending order.
func Severities() []Severity {
	out := make([]Severity, 0, severityCount)
	for s := Severity(0); s < severityCount; s++ {
		out = append(out, s)
	}
	return out
}
