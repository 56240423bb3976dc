// Package render formats decoded log events for the operator console.
package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coffersTech/logsink/internal/model"
	"github.com/fatih/color"
)

const indentUnit = "    "

// Renderer turns events into colored, human-readable text. It holds no
// state besides its palette and is safe for concurrent use.
type Renderer struct {
	severity map[model.Severity]*color.Color
	name     *color.Color
	text     *color.Color
	call     *color.Color
	location *color.Color
	notice   *color.Color
}

// New builds a renderer. When colored is false every escape sequence is
// omitted, whatever the terminal.
func New(colored bool) *Renderer {
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}

	r := &Renderer{
		severity: make(map[model.Severity]*color.Color),
		name:     mk(color.FgRed),
		text:     mk(color.FgWhite),
		call:     mk(color.FgBlue),
		location: mk(color.FgCyan),
		notice:   mk(color.FgYellow),
	}
	for _, s := range model.Severities() {
		r.severity[s] = mk(s.Color()...)
	}
	return r
}

// Render formats ev as "[application] message", followed by one block per
// exception of its cause chain.
func (r *Renderer) Render(ev *model.LogEvent) string {
	if ev == nil {
		return ""
	}
	c, ok := r.severity[ev.Severity]
	if !ok {
		c = r.severity[model.SeverityInfo]
	}

	var b strings.Builder
	b.WriteString(c.Sprint("[" + ev.Application + "]"))
	b.WriteByte(' ')
	b.WriteString(ev.Message)
	if ev.Exception != nil {
		b.WriteByte('\n')
		r.writeException(&b, ev.Exception)
	}
	return b.String()
}

// RenderException formats a cause chain on its own.
func (r *Renderer) RenderException(e *model.ExceptionRecord) string {
	var b strings.Builder
	r.writeException(&b, e)
	return b.String()
}

func (r *Renderer) writeException(b *strings.Builder, e *model.ExceptionRecord) {
	for level := 0; e != nil; level++ {
		indent := strings.Repeat(indentUnit, level)
		if level > 0 {
			b.WriteByte('\n')
		}

		b.WriteString(indent)
		b.WriteString(r.name.Sprint(e.Name))
		b.WriteString(r.text.Sprint(":"))
		b.WriteByte(' ')
		b.WriteString(e.Message)
		if e.Code != nil {
			b.WriteByte(' ')
			b.WriteString(r.notice.Sprintf("[code %d]", *e.Code))
		}
		if e.File != "" {
			b.WriteString(r.text.Sprint(" at "))
			b.WriteString(e.File)
			if e.Line != nil {
				b.WriteString(":" + strconv.Itoa(*e.Line))
			}
		}

		if len(e.Trace) > 0 {
			b.WriteByte('\n')
			b.WriteString(indent)
			b.WriteString(r.text.Sprint("Stack trace:"))
			for _, f := range e.Trace {
				b.WriteByte('\n')
				b.WriteString(indent)
				b.WriteString("  → ")
				b.WriteString(r.RenderFrame(f))
			}
		}

		if e.Previous != nil {
			b.WriteByte('\n')
			b.WriteString(indent)
			b.WriteString(r.notice.Sprint("Caused by:"))
		}
		e = e.Previous
	}
}

// RenderFrame formats one frame as "call(args) in file:line"; unknown parts
// are shown as "?".
func (r *Renderer) RenderFrame(f model.StackFrame) string {
	call := f.Function
	if f.Class != "" {
		call = f.Class + f.Kind.Separator() + f.Function
	}

	var args string
	if len(f.Args) > 0 {
		args = "(" + strings.Join(f.Args, ", ") + ")"
	}

	file := f.File
	if file == "" {
		file = "?"
	}
	line := "?"
	if f.Line != nil {
		line = strconv.Itoa(*f.Line)
	}

	return fmt.Sprintf("%s%s in %s", r.call.Sprint(call), args, r.location.Sprint(file+":"+line))
}
