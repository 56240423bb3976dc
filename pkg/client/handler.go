// Package client is an slog.Handler that ships records to a logsink daemon.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultQueueSize = 10000
	dialTimeout      = 5 * time.Second
	maxCauseDepth    = 64
)

type Options struct {
	Network     string // "udp" (default) or "tcp"
	Address     string // host:port of the daemon
	Application string
	Level       slog.Leveler // minimum level, debug when nil
	QueueSize   int
	// InstanceIDPath stores the instance id; ~/.logsink/id when empty.
	InstanceIDPath string
	// ErrorOutput receives transport failures; os.Stderr when nil.
	ErrorOutput io.Writer
}

// Handler converts records to the daemon's JSON document and sends them from
// a background goroutine. Handle never blocks on the network: when the queue
// is full the record is dropped.
type Handler struct {
	opts       Options
	instanceID string
	s          *sender
	attrs      map[string]any
	prefix     string
}

type sender struct {
	opts     Options
	queue    chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	dropped  uint64
}

type document struct {
	ApplicationName string         `json:"application_name"`
	Timestamp       int64          `json:"timestamp"`
	Level           string         `json:"level"`
	Message         string         `json:"message"`
	Exception       *exception     `json:"exception,omitempty"`
	InstanceID      string         `json:"instance_id,omitempty"`
	Attributes      map[string]any `json:"attributes,omitempty"`
}

type exception struct {
	Name     string     `json:"name"`
	Message  string     `json:"message"`
	File     string     `json:"file,omitempty"`
	Line     int        `json:"line,omitempty"`
	Trace    []frame    `json:"trace,omitempty"`
	Previous *exception `json:"previous,omitempty"`
}

type frame struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
}

func NewHandler(opts Options) *Handler {
	if opts.Network == "" {
		opts.Network = "udp"
	}
	if opts.Level == nil {
		opts.Level = slog.LevelDebug
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.ErrorOutput == nil {
		opts.ErrorOutput = os.Stderr
	}

	id, _ := ensureInstanceID(opts.InstanceIDPath)
	s := &sender{
		opts:  opts,
		queue: make(chan []byte, opts.QueueSize),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runLoop()

	return &Handler{opts: opts, instanceID: id, s: s}
}

// InstanceID returns the id attached to every document.
func (h *Handler) InstanceID() string { return h.instanceID }

// Dropped returns how many records were discarded because the queue was full.
func (h *Handler) Dropped() uint64 { return atomic.LoadUint64(&h.s.dropped) }

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	doc := document{
		ApplicationName: h.opts.Application,
		Timestamp:       r.Time.Unix(),
		Level:           LevelCode(r.Level),
		Message:         r.Message,
		InstanceID:      h.instanceID,
	}
	if r.Time.IsZero() {
		doc.Timestamp = time.Now().Unix()
	}

	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for k, v := range h.attrs {
		attrs[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		if err, ok := a.Value.Resolve().Any().(error); ok && doc.Exception == nil {
			doc.Exception = newException(err)
			if r.PC != 0 {
				f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
				doc.Exception.File = f.File
				doc.Exception.Line = f.Line
				doc.Exception.Trace = []frame{{File: f.File, Line: f.Line, Function: f.Function}}
			}
			return true
		}
		addAttr(attrs, h.prefix, a)
		return true
	})
	if len(attrs) > 0 {
		doc.Attributes = attrs
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	select {
	case h.s.queue <- data:
	default:
		// Drop logging
		atomic.AddUint64(&h.s.dropped, 1)
		fmt.Fprintf(h.opts.ErrorOutput, "logsink: queue full, dropping log\n")
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = make(map[string]any, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		h2.attrs[k] = v
	}
	for _, a := range attrs {
		addAttr(h2.attrs, h.prefix, a)
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

// Shutdown sends every queued record and closes the connection.
func (h *Handler) Shutdown() {
	h.s.stopOnce.Do(func() { close(h.s.done) })
	h.s.wg.Wait()
}

// LevelCode maps an slog level to the daemon's severity code.
func LevelCode(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DBG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WRN"
	case l == slog.LevelError:
		return "ERR"
	default:
		return "CRT"
	}
}

func newException(err error) *exception {
	var root, last *exception
	for depth := 0; err != nil && depth < maxCauseDepth; depth++ {
		e := &exception{Name: fmt.Sprintf("%T", err), Message: err.Error()}
		if root == nil {
			root = e
		} else {
			last.Previous = e
		}
		last = e
		err = errors.Unwrap(err)
	}
	return root
}

func addAttr(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		group := v.Group()
		if a.Key == "" {
			for _, ga := range group {
				addAttr(dst, prefix, ga)
			}
			return
		}
		for _, ga := range group {
			addAttr(dst, prefix+a.Key+".", ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst[prefix+a.Key] = attrValue(v)
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return x.Error()
		case fmt.Stringer:
			return x.String()
		}
		return v.Any()
	default:
		return v.Any()
	}
}

func (s *sender) runLoop() {
	defer s.wg.Done()

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	send := func(data []byte) {
		if conn == nil {
			c, err := net.DialTimeout(s.opts.Network, s.opts.Address, dialTimeout)
			if err != nil {
				fmt.Fprintf(s.opts.ErrorOutput, "logsink: network error: %v\n", err)
				return
			}
			conn = c
		}
		if strings.HasPrefix(s.opts.Network, "tcp") {
			data = append(data, '\n')
		}
		if _, err := conn.Write(data); err != nil {
			fmt.Fprintf(s.opts.ErrorOutput, "logsink: send failed: %v\n", err)
			conn.Close()
			conn = nil
		}
	}

	for {
		select {
		case data := <-s.queue:
			send(data)
		case <-s.done:
			// Flush remaining
			for {
				select {
				case data := <-s.queue:
					send(data)
				default:
					return
				}
			}
		}
	}
}
