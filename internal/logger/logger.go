// Package logger builds the logrus logger shared by every component of the
// daemon.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

const timeLayout = "2006-01-02 15:04:05"

// New returns a logger writing to out at the given level ("debug", "info",
// "warning", "error" or "critical").
func New(level string, out io.Writer, colored bool) (*logrus.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	l.SetFormatter(NewConsoleFormatter(colored))
	return l, nil
}

// ParseLevel accepts the logrus level names plus "critical", which maps to
// the fatal level.
func ParseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "critical", "crit":
		return logrus.FatalLevel, nil
	case "verbose":
		return logrus.DebugLevel, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// LevelName is the label printed between brackets on each console line.
func LevelName(l logrus.Level) string {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel:
		return "CRITICAL"
	case logrus.WarnLevel:
		return "WARNING"
	default:
		return strings.ToUpper(l.String())
	}
}

// ConsoleFormatter renders "2006-01-02 15:04:05 [LEVEL] message key=value".
type ConsoleFormatter struct {
	bracket *color.Color
}

func NewConsoleFormatter(colored bool) *ConsoleFormatter {
	c := color.New(color.FgWhite)
	if colored {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return &ConsoleFormatter{bracket: c}
}

func (f *ConsoleFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b := e.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	b.WriteString(e.Time.Format(timeLayout))
	b.WriteByte(' ')
	b.WriteString(f.bracket.Sprint("[" + LevelName(e.Level) + "]"))
	b.WriteByte(' ')
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := e.Data[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fmt.Fprintf(b, " %s=%v", k, v)
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}
